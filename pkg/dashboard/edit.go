package dashboard

import (
	"context"
	"slices"
	"strings"

	"github.com/google/uuid"

	"tether/pkg/protocol"
)

// ItemInput describes a new item.
type ItemInput struct {
	Title         string
	Description   string
	Priority      protocol.Priority
	AssignedAgent string
	ETA           protocol.Millis
}

// NoteInput describes a new note.
type NoteInput struct {
	Title    string
	Content  string
	Category string
}

// RuleInput describes a new rule.
type RuleInput struct {
	Name        string
	Description string
	Type        string
	Enabled     bool
	Targets     []string
}

func required(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return &protocol.ValidationError{Field: field, Reason: "must not be empty"}
	}
	return nil
}

// findItem returns the list holding id and its index there.
func findItem(s *protocol.DashboardSnapshot, id string) (protocol.ListName, int, bool) {
	for _, l := range []protocol.ListName{protocol.ListTodo, protocol.ListMission, protocol.ListDone} {
		if i := slices.IndexFunc(s.List(l), func(it protocol.Item) bool { return it.ID == id }); i >= 0 {
			return l, i, true
		}
	}
	return "", -1, false
}

// --- Items ---

// AddItem appends a new item to list.
func (e *Engine) AddItem(ctx context.Context, list protocol.ListName, in ItemInput) (protocol.Item, error) {
	if err := required("title", in.Title); err != nil {
		return protocol.Item{}, err
	}
	if in.Priority == "" {
		in.Priority = protocol.PriorityMedium
	}
	var added protocol.Item
	err := e.mutate(ctx, func(s *protocol.DashboardSnapshot, now protocol.Millis) error {
		added = protocol.Item{
			ID:            uuid.NewString(),
			Title:         strings.TrimSpace(in.Title),
			Description:   in.Description,
			Priority:      in.Priority,
			Status:        list.Status(),
			AssignedAgent: in.AssignedAgent,
			ETA:           in.ETA,
			UpdatedAt:     now,
		}
		if list == protocol.ListDone {
			added.CompletedAt = now
		}
		s.SetList(list, append(s.List(list), added))
		return nil
	})
	return added, err
}

// EditItem applies fn to the item with id. The id, status and list
// membership cannot be changed this way; use MoveItem.
func (e *Engine) EditItem(ctx context.Context, id string, fn func(*protocol.Item)) error {
	return e.mutate(ctx, func(s *protocol.DashboardSnapshot, now protocol.Millis) error {
		l, i, ok := findItem(s, id)
		if !ok {
			return ErrNotFound
		}
		items := s.List(l)
		it := items[i]
		fn(&it)
		if err := required("title", it.Title); err != nil {
			return err
		}
		it.ID = id
		it.Status = items[i].Status
		it.UpdatedAt = now
		items[i] = it
		return nil
	})
}

// DeleteItem removes the item with id from whichever list holds it.
func (e *Engine) DeleteItem(ctx context.Context, id string) error {
	return e.mutate(ctx, func(s *protocol.DashboardSnapshot, _ protocol.Millis) error {
		l, i, ok := findItem(s, id)
		if !ok {
			return ErrNotFound
		}
		s.SetList(l, slices.Delete(s.List(l), i, i+1))
		return nil
	})
}

// MoveItem moves the item with id to position index of list to. A
// negative or out-of-range index appends. Moving into the done list
// stamps CompletedAt; moving out of it clears it.
func (e *Engine) MoveItem(ctx context.Context, id string, to protocol.ListName, index int) error {
	return e.mutate(ctx, func(s *protocol.DashboardSnapshot, now protocol.Millis) error {
		from, i, ok := findItem(s, id)
		if !ok {
			return ErrNotFound
		}
		it := s.List(from)[i]
		s.SetList(from, slices.Delete(s.List(from), i, i+1))

		it.Status = to.Status()
		it.UpdatedAt = now
		if to == protocol.ListDone {
			if from != protocol.ListDone {
				it.CompletedAt = now
			}
		} else {
			it.CompletedAt = 0
		}

		dst := s.List(to)
		if index < 0 || index > len(dst) {
			index = len(dst)
		}
		s.SetList(to, slices.Insert(dst, index, it))
		return nil
	})
}

// --- Notes ---

// AddNote appends a new note.
func (e *Engine) AddNote(ctx context.Context, in NoteInput) (protocol.Note, error) {
	if err := required("title", in.Title); err != nil {
		return protocol.Note{}, err
	}
	var added protocol.Note
	err := e.mutate(ctx, func(s *protocol.DashboardSnapshot, now protocol.Millis) error {
		added = protocol.Note{
			ID:        uuid.NewString(),
			Title:     strings.TrimSpace(in.Title),
			Content:   in.Content,
			Category:  in.Category,
			UpdatedAt: now,
		}
		s.Notes = append(s.Notes, added)
		return nil
	})
	return added, err
}

// EditNote applies fn to the note with id.
func (e *Engine) EditNote(ctx context.Context, id string, fn func(*protocol.Note)) error {
	return e.mutate(ctx, func(s *protocol.DashboardSnapshot, now protocol.Millis) error {
		i := slices.IndexFunc(s.Notes, func(n protocol.Note) bool { return n.ID == id })
		if i < 0 {
			return ErrNotFound
		}
		n := s.Notes[i]
		fn(&n)
		if err := required("title", n.Title); err != nil {
			return err
		}
		n.ID = id
		n.UpdatedAt = now
		s.Notes[i] = n
		return nil
	})
}

// DeleteNote removes the note with id.
func (e *Engine) DeleteNote(ctx context.Context, id string) error {
	return e.mutate(ctx, func(s *protocol.DashboardSnapshot, _ protocol.Millis) error {
		i := slices.IndexFunc(s.Notes, func(n protocol.Note) bool { return n.ID == id })
		if i < 0 {
			return ErrNotFound
		}
		s.Notes = slices.Delete(s.Notes, i, i+1)
		return nil
	})
}

// --- Rules ---

// AddRule appends a new rule.
func (e *Engine) AddRule(ctx context.Context, in RuleInput) (protocol.Rule, error) {
	if err := required("name", in.Name); err != nil {
		return protocol.Rule{}, err
	}
	var added protocol.Rule
	err := e.mutate(ctx, func(s *protocol.DashboardSnapshot, now protocol.Millis) error {
		added = protocol.Rule{
			ID:              uuid.NewString(),
			Name:            strings.TrimSpace(in.Name),
			Description:     in.Description,
			Type:            in.Type,
			IsEnabled:       in.Enabled,
			AssignedTargets: slices.Clone(in.Targets),
			UpdatedAt:       now,
		}
		s.Rules = append(s.Rules, added)
		return nil
	})
	return added, err
}

// EditRule applies fn to the rule with id.
func (e *Engine) EditRule(ctx context.Context, id string, fn func(*protocol.Rule)) error {
	return e.mutate(ctx, func(s *protocol.DashboardSnapshot, now protocol.Millis) error {
		i := slices.IndexFunc(s.Rules, func(r protocol.Rule) bool { return r.ID == id })
		if i < 0 {
			return ErrNotFound
		}
		r := s.Rules[i]
		fn(&r)
		if err := required("name", r.Name); err != nil {
			return err
		}
		r.ID = id
		r.UpdatedAt = now
		s.Rules[i] = r
		return nil
	})
}

// DeleteRule removes the rule with id.
func (e *Engine) DeleteRule(ctx context.Context, id string) error {
	return e.mutate(ctx, func(s *protocol.DashboardSnapshot, _ protocol.Millis) error {
		i := slices.IndexFunc(s.Rules, func(r protocol.Rule) bool { return r.ID == id })
		if i < 0 {
			return ErrNotFound
		}
		s.Rules = slices.Delete(s.Rules, i, i+1)
		return nil
	})
}

// ToggleRule flips IsEnabled on the rule with id and returns the new value.
func (e *Engine) ToggleRule(ctx context.Context, id string) (bool, error) {
	var enabled bool
	err := e.EditRule(ctx, id, func(r *protocol.Rule) {
		r.IsEnabled = !r.IsEnabled
		enabled = r.IsEnabled
	})
	return enabled, err
}
