package chatlog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"tether/pkg/clock"
	"tether/pkg/protocol"
)

// Outcome says what Ingest did with one observation.
type Outcome int

const (
	// Stored means a new message was written.
	Stored Outcome = iota
	// Filtered means the text was blank or a placeholder.
	Filtered
	// Duplicate means the observation was already recorded.
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Stored:
		return "stored"
	case Filtered:
		return "filtered"
	case Duplicate:
		return "duplicate"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Config tunes a Pipeline. Zero values take the defaults.
type Config struct {
	// DedupWindow is the time bucket width of the dedup key.
	DedupWindow time.Duration
	// RetentionLimit is how many messages survive pruning.
	RetentionLimit int
}

// Pipeline turns polled entity status, backend history and outgoing
// sends into deduplicated chat history.
type Pipeline struct {
	store     *Store
	clock     clock.Clock
	window    time.Duration
	retention int
	log       *slog.Logger
}

// NewPipeline creates a Pipeline over store. A nil clk uses the real
// clock and a nil logger uses slog.Default().
func NewPipeline(store *Store, cfg Config, clk clock.Clock, log *slog.Logger) *Pipeline {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = protocol.DefaultDedupWindow
	}
	if cfg.RetentionLimit <= 0 {
		cfg.RetentionLimit = protocol.DefaultRetentionLimit
	}
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		store:     store,
		clock:     clk,
		window:    cfg.DedupWindow,
		retention: cfg.RetentionLimit,
		log:       log,
	}
}

// Store returns the underlying message store for queries.
func (p *Pipeline) Store() *Store { return p.store }

// Ingest records one polled status observation. The same remote fact may
// be observed any number of times; it is stored at most once per dedup
// bucket. Unrecognized formats are stored as plain responses.
func (p *Pipeline) Ingest(ctx context.Context, st protocol.EntityStatus) (Outcome, error) {
	if IsPlaceholder(st.Text) {
		return Filtered, nil
	}
	observedAt := st.ObservedAt
	if observedAt.IsZero() {
		observedAt = p.clock.Now()
	}

	msgType, text := Classify(st.Text)
	key := DedupKey(st.EntityID, text, observedAt, p.window)

	if dup, err := p.store.Exists(ctx, key); err != nil {
		return 0, err
	} else if dup {
		return Duplicate, nil
	}
	// The same text may already have arrived through history sync under
	// a backend key.
	if dup, err := p.store.HasRecentIncoming(ctx, st.EntityID, text, observedAt.Add(-p.window)); err != nil {
		return 0, err
	} else if dup {
		return Duplicate, nil
	}

	entityID := st.EntityID
	_, inserted, err := p.store.Insert(ctx, protocol.ChatMessage{
		Text:            text,
		Timestamp:       observedAt,
		IsFromUser:      false,
		Type:            msgType,
		SourceEntityID:  &entityID,
		SourceName:      st.Name,
		SourceCharacter: st.Kind,
		DedupKey:        key,
		IsSynced:        true,
	})
	if err != nil {
		return 0, err
	}
	if !inserted {
		// Lost a race with a concurrent ingest of the same observation.
		return Duplicate, nil
	}
	p.log.Debug("stored entity message", "entity", entityID, "type", msgType)
	p.enforceRetention(ctx)
	return Stored, nil
}

// SaveOutgoing records a user message before it is sent and returns its
// id, so the sender sees it immediately. Call MarkSynced once the
// transport acknowledges it.
func (p *Pipeline) SaveOutgoing(ctx context.Context, text string, targets []int, source string) (int64, error) {
	if strings.TrimSpace(text) == "" {
		return 0, &protocol.ValidationError{Field: "text", Reason: "empty message"}
	}
	msgType := protocol.MsgUserToEntity
	if len(targets) > 1 {
		msgType = protocol.MsgUserBroadcast
	}
	id, _, err := p.store.Insert(ctx, protocol.ChatMessage{
		Text:       text,
		Timestamp:  p.clock.Now(),
		IsFromUser: true,
		Type:       msgType,
		Source:     source,
		TargetIDs:  targets,
		IsSynced:   false,
	})
	if err != nil {
		return 0, err
	}
	p.enforceRetention(ctx)
	return id, nil
}

// MarkSynced records transport acknowledgment of an outgoing message.
func (p *Pipeline) MarkSynced(ctx context.Context, id int64) error {
	return p.store.MarkSynced(ctx, id)
}

// MarkDelivered adds confirmed recipients of an outgoing message.
func (p *Pipeline) MarkDelivered(ctx context.Context, id int64, recipients []int) error {
	return p.store.MarkDelivered(ctx, id, recipients)
}

// Prune applies the retention limit now and returns the rows removed.
func (p *Pipeline) Prune(ctx context.Context) (int64, error) {
	return p.store.Prune(ctx, p.retention)
}

// enforceRetention prunes when the store is over the limit. Failures are
// logged: the insert that triggered it already succeeded.
func (p *Pipeline) enforceRetention(ctx context.Context) {
	n, err := p.store.Count(ctx)
	if err != nil {
		p.log.Warn("retention check failed", "error", err)
		return
	}
	if n <= p.retention {
		return
	}
	removed, err := p.store.Prune(ctx, p.retention)
	if err != nil {
		p.log.Warn("retention prune failed", "error", err)
		return
	}
	p.log.Debug("pruned chat history", "removed", removed, "kept", p.retention)
}

// SyncHistory merges backend chat-history rows and returns how many new
// messages were stored. Rows already present only have their delivery
// confirmation merged in.
func (p *Pipeline) SyncHistory(ctx context.Context, rows []protocol.HistoryMessage) (int, error) {
	added := 0
	for _, row := range rows {
		key := "backend_" + row.ID

		exists, err := p.store.Exists(ctx, key)
		if err != nil {
			return added, err
		}
		if exists {
			if row.IsDelivered && strings.TrimSpace(row.DeliveredTo) != "" {
				if err := p.store.MarkDeliveredByKey(ctx, key, parseIDList(row.DeliveredTo)); err != nil {
					return added, err
				}
			}
			continue
		}

		notify := strings.HasPrefix(row.Source, missionNotifyTag)
		// Our own sends are already stored locally by SaveOutgoing.
		if row.IsFromUser && !notify {
			continue
		}

		ts := parseBackendTime(row.CreatedAt, p.clock.Now())
		if !row.IsFromUser && row.EntityID != nil {
			dup, err := p.store.HasRecentIncoming(ctx, *row.EntityID, row.Text, ts.Add(-p.window))
			if err != nil {
				return added, err
			}
			if dup {
				continue
			}
		}

		msg := historyMessage(row, key, ts)
		_, inserted, err := p.store.Insert(ctx, msg)
		if err != nil {
			return added, err
		}
		if inserted {
			added++
		}
	}
	if added > 0 {
		p.enforceRetention(ctx)
		p.log.Info("synced chat history", "added", added)
	}
	return added, nil
}

func historyMessage(row protocol.HistoryMessage, key string, ts time.Time) protocol.ChatMessage {
	msg := protocol.ChatMessage{
		Text:        row.Text,
		Timestamp:   ts,
		DedupKey:    key,
		IsSynced:    true,
		IsDelivered: row.IsDelivered,
		DeliveredTo: parseIDList(row.DeliveredTo),
	}
	if strings.HasPrefix(row.Source, missionNotifyTag) {
		// "mission_notify:0,1"
		_, targets, _ := strings.Cut(row.Source, ":")
		msg.IsFromUser = true
		msg.Type = protocol.MsgUserBroadcast
		msg.Source = missionNotifyTag
		msg.TargetIDs = parseIDList(targets)
		return msg
	}
	if m := historySourceRe.FindStringSubmatch(row.Source); m != nil {
		// "entity:0:LOBSTER->1" or "entity:0:LOBSTER->1,2,3"
		sender := parseIDList(m[1])
		if len(sender) == 1 {
			msg.SourceEntityID = &sender[0]
		}
		msg.SourceCharacter = m[2]
		msg.TargetIDs = parseIDList(m[3])
		msg.Type = protocol.MsgEntityToEntity
		if len(msg.TargetIDs) > 1 {
			msg.Type = protocol.MsgEntityBroadcast
		}
		return msg
	}
	msg.Type = protocol.MsgEntityResponse
	msg.SourceEntityID = row.EntityID
	msg.SourceName = row.Source
	return msg
}

// AddQueueItem stores an entity broadcast taken from the message queue.
// It returns false when the item was already stored.
func (p *Pipeline) AddQueueItem(ctx context.Context, text string, fromEntityID int, character string, ts protocol.Millis) (bool, error) {
	entityID := fromEntityID
	_, inserted, err := p.store.Insert(ctx, protocol.ChatMessage{
		Text:            text,
		Timestamp:       p.stamp(ts),
		Type:            protocol.MsgEntityBroadcast,
		SourceEntityID:  &entityID,
		SourceCharacter: character,
		DedupKey:        fmt.Sprintf("mq_%d_%d", fromEntityID, ts),
		IsSynced:        true,
	})
	if err != nil {
		return false, err
	}
	if inserted {
		p.enforceRetention(ctx)
	}
	return inserted, nil
}

// IngestPending stores messages a bot queued for entityID and returns
// how many were new.
func (p *Pipeline) IngestPending(ctx context.Context, entityID int, msgs []protocol.PendingMessage) (int, error) {
	added := 0
	for _, m := range msgs {
		id := entityID
		_, inserted, err := p.store.Insert(ctx, protocol.ChatMessage{
			Text:            m.Text,
			Timestamp:       p.stamp(m.Timestamp),
			Type:            protocol.MsgEntityResponse,
			SourceEntityID:  &id,
			SourceCharacter: m.FromCharacter,
			DedupKey:        fmt.Sprintf("bot_%d_%d", entityID, m.Timestamp),
			IsSynced:        true,
		})
		if err != nil {
			return added, err
		}
		if inserted {
			added++
		}
	}
	if added > 0 {
		p.enforceRetention(ctx)
	}
	return added, nil
}

// stamp converts a wire timestamp, substituting now when absent.
func (p *Pipeline) stamp(ms protocol.Millis) time.Time {
	if ms <= 0 {
		return p.clock.Now()
	}
	return ms.Time()
}
