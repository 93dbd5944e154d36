package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tether/pkg/dashboard"
	"tether/pkg/protocol"
)

// newDashboardCmd creates the "tether dashboard" command group.
func newDashboardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dashboard",
		Aliases: []string{"dash", "d"},
		Short:   "View, edit and sync the mission dashboard",
		Long: "Edits apply to the local copy and are kept until pushed. A push is\n" +
			"based on the version last pulled; if the remote has moved on, the\n" +
			"push fails with a conflict and nothing is overwritten.",
	}
	cmd.AddCommand(
		newDashboardShowCmd(),
		newDashboardPullCmd(),
		newDashboardPushCmd(),
		newItemAddCmd(),
		newItemEditCmd(),
		newItemRmCmd(),
		newItemMoveCmd(),
		newNoteCmd(),
		newRuleCmd(),
	)
	return cmd
}

// --- Sync ---

func newDashboardShowCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the cached dashboard",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			a.board.Load(cmd.Context())
			st := a.board.State()
			out := cmd.OutOrStdout()
			renderBoard(out, st, isTerminal(out))
			if all {
				renderExtras(out, st.Snapshot)
			}
			return nil
		}),
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "also list notes and rules")
	return cmd
}

func newDashboardPullCmd() *cobra.Command {
	var discard bool
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Replace the local dashboard with the remote one",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			ctx := cmd.Context()
			a.board.Load(ctx)
			if a.board.State().HasLocalChanges && !discard {
				return errors.New("local changes not pushed; push them first or pull --discard to drop them")
			}
			if err := a.board.Download(ctx); err != nil {
				return err
			}
			st := a.board.State()
			a.tracker.Action("dashboard.pull", map[string]any{"version": st.Version})
			fmt.Fprintf(cmd.OutOrStdout(), "Pulled version %d\n", st.Version)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&discard, "discard", false, "drop unpushed local changes")
	return cmd
}

func newDashboardPushCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Upload local changes",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			a.board.Load(ctx)
			if !a.board.State().HasLocalChanges {
				fmt.Fprintln(out, "Nothing to push")
				return nil
			}

			err := a.board.Upload(ctx)
			var conflict *protocol.VersionConflictError
			if errors.As(err, &conflict) {
				if !force {
					return fmt.Errorf("%w; pull --discard to take the remote copy or push --force to replace it", conflict)
				}
				a.log.Info("overwriting remote dashboard", "remote_version", conflict.RemoteVersion)
				if err := a.board.ResolveOverwrite(ctx, conflict.RemoteVersion); err != nil {
					return err
				}
				err = a.board.Upload(ctx)
			}
			if err != nil {
				return err
			}
			st := a.board.State()
			a.tracker.Action("dashboard.push", map[string]any{"version": st.Version, "force": force})
			fmt.Fprintf(out, "Pushed, now at version %d\n", st.Version)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&force, "force", false, "on conflict, replace the remote dashboard")
	return cmd
}

// --- Id lookup ---

// resolveID expands a full id or unique prefix against ids.
func resolveID(kind, prefix string, ids []string) (string, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "", &protocol.ValidationError{Field: kind + " id", Reason: "must not be empty"}
	}
	var match string
	for _, id := range ids {
		if id == prefix {
			return id, nil
		}
		if strings.HasPrefix(id, prefix) {
			if match != "" {
				return "", fmt.Errorf("%s id %q is ambiguous", kind, prefix)
			}
			match = id
		}
	}
	if match == "" {
		return "", fmt.Errorf("%s %q: %w", kind, prefix, dashboard.ErrNotFound)
	}
	return match, nil
}

func itemIDs(s protocol.DashboardSnapshot) []string {
	var ids []string
	for _, col := range columns(s) {
		for _, it := range col.items {
			ids = append(ids, it.ID)
		}
	}
	return ids
}

func noteIDs(s protocol.DashboardSnapshot) []string {
	ids := make([]string, len(s.Notes))
	for i, n := range s.Notes {
		ids[i] = n.ID
	}
	return ids
}

func ruleIDs(s protocol.DashboardSnapshot) []string {
	ids := make([]string, len(s.Rules))
	for i, r := range s.Rules {
		ids[i] = r.ID
	}
	return ids
}

// parseETA accepts a date, an RFC 3339 time or a duration from now.
func parseETA(s string, now time.Time) (protocol.Millis, error) {
	if s == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return protocol.MillisOf(now.Add(d)), nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return protocol.MillisOf(t), nil
		}
	}
	return 0, &protocol.ValidationError{Field: "eta", Reason: fmt.Sprintf("cannot parse %q", s)}
}

// --- Items ---

func newItemAddCmd() *cobra.Command {
	var list, priority, desc, agent, eta string
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Add an item",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			l, err := protocol.ParseListName(list)
			if err != nil {
				return err
			}
			p, err := protocol.ParsePriority(priority)
			if err != nil {
				return err
			}
			due, err := parseETA(eta, a.clock.Now())
			if err != nil {
				return err
			}
			a.board.Load(cmd.Context())
			it, err := a.board.AddItem(cmd.Context(), l, dashboard.ItemInput{
				Title:         strings.Join(args, " "),
				Description:   desc,
				Priority:      p,
				AssignedAgent: agent,
				ETA:           due,
			})
			if err != nil {
				return err
			}
			a.tracker.Action("dashboard.item.add", map[string]any{"list": string(l)})
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s to %s\n", shortID(it.ID), l)
			return nil
		}),
	}
	cmd.Flags().StringVarP(&list, "list", "l", string(protocol.ListTodo), "todo, mission or done")
	cmd.Flags().StringVarP(&priority, "priority", "p", "", "LOW, MEDIUM, HIGH or CRITICAL (default MEDIUM)")
	cmd.Flags().StringVar(&desc, "desc", "", "description")
	cmd.Flags().StringVar(&agent, "agent", "", "assigned agent")
	cmd.Flags().StringVar(&eta, "eta", "", "due date (2006-01-02, RFC 3339, or a duration like 48h)")
	return cmd
}

func newItemEditCmd() *cobra.Command {
	var title, priority, desc, agent, eta string
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Change fields of an item",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			ctx := cmd.Context()
			a.board.Load(ctx)
			id, err := resolveID("item", args[0], itemIDs(a.board.State().Snapshot))
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			var p protocol.Priority
			if flags.Changed("priority") {
				if p, err = protocol.ParsePriority(priority); err != nil {
					return err
				}
			}
			due, err := parseETA(eta, a.clock.Now())
			if err != nil {
				return err
			}
			err = a.board.EditItem(ctx, id, func(it *protocol.Item) {
				if flags.Changed("title") {
					it.Title = title
				}
				if flags.Changed("desc") {
					it.Description = desc
				}
				if flags.Changed("priority") {
					it.Priority = p
				}
				if flags.Changed("agent") {
					it.AssignedAgent = agent
				}
				if flags.Changed("eta") {
					it.ETA = due
				}
			})
			if err != nil {
				return err
			}
			a.tracker.Action("dashboard.item.edit", nil)
			fmt.Fprintf(cmd.OutOrStdout(), "Updated %s\n", shortID(id))
			return nil
		}),
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVarP(&priority, "priority", "p", "", "new priority")
	cmd.Flags().StringVar(&desc, "desc", "", "new description")
	cmd.Flags().StringVar(&agent, "agent", "", "new assigned agent (empty to clear)")
	cmd.Flags().StringVar(&eta, "eta", "", "new due date (empty to clear)")
	return cmd
}

func newItemRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"remove"},
		Short:   "Delete an item",
		Args:    cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			ctx := cmd.Context()
			a.board.Load(ctx)
			id, err := resolveID("item", args[0], itemIDs(a.board.State().Snapshot))
			if err != nil {
				return err
			}
			if err := a.board.DeleteItem(ctx, id); err != nil {
				return err
			}
			a.tracker.Action("dashboard.item.delete", nil)
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", shortID(id))
			return nil
		}),
	}
}

func newItemMoveCmd() *cobra.Command {
	var index int
	cmd := &cobra.Command{
		Use:   "move <id> <list>",
		Short: "Move an item to another list or position",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			ctx := cmd.Context()
			to, err := protocol.ParseListName(args[1])
			if err != nil {
				return err
			}
			a.board.Load(ctx)
			id, err := resolveID("item", args[0], itemIDs(a.board.State().Snapshot))
			if err != nil {
				return err
			}
			if err := a.board.MoveItem(ctx, id, to, index); err != nil {
				return err
			}
			a.tracker.Action("dashboard.item.move", map[string]any{"list": string(to)})
			fmt.Fprintf(cmd.OutOrStdout(), "Moved %s to %s\n", shortID(id), to)
			return nil
		}),
	}
	cmd.Flags().IntVar(&index, "index", -1, "position in the target list (default: end)")
	return cmd
}

// --- Notes ---

func newNoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "note",
		Short: "Manage dashboard notes",
	}

	var content, category string
	add := &cobra.Command{
		Use:   "add <title>",
		Short: "Add a note",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			a.board.Load(cmd.Context())
			n, err := a.board.AddNote(cmd.Context(), dashboard.NoteInput{
				Title:    strings.Join(args, " "),
				Content:  content,
				Category: category,
			})
			if err != nil {
				return err
			}
			a.tracker.Action("dashboard.note.add", nil)
			fmt.Fprintf(cmd.OutOrStdout(), "Added note %s\n", shortID(n.ID))
			return nil
		}),
	}
	add.Flags().StringVar(&content, "content", "", "note body")
	add.Flags().StringVar(&category, "category", "", "category")

	var editTitle, editContent, editCategory string
	edit := &cobra.Command{
		Use:   "edit <id>",
		Short: "Change a note",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			ctx := cmd.Context()
			a.board.Load(ctx)
			id, err := resolveID("note", args[0], noteIDs(a.board.State().Snapshot))
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			err = a.board.EditNote(ctx, id, func(n *protocol.Note) {
				if flags.Changed("title") {
					n.Title = editTitle
				}
				if flags.Changed("content") {
					n.Content = editContent
				}
				if flags.Changed("category") {
					n.Category = editCategory
				}
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated note %s\n", shortID(id))
			return nil
		}),
	}
	edit.Flags().StringVar(&editTitle, "title", "", "new title")
	edit.Flags().StringVar(&editContent, "content", "", "new body")
	edit.Flags().StringVar(&editCategory, "category", "", "new category")

	rm := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a note",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			ctx := cmd.Context()
			a.board.Load(ctx)
			id, err := resolveID("note", args[0], noteIDs(a.board.State().Snapshot))
			if err != nil {
				return err
			}
			if err := a.board.DeleteNote(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted note %s\n", shortID(id))
			return nil
		}),
	}

	cmd.AddCommand(add, edit, rm)
	return cmd
}

// --- Rules ---

func newRuleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rule",
		Short: "Manage workflow rules",
	}

	var desc, ruleType string
	var targets []string
	var disabled bool
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a rule",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			a.board.Load(cmd.Context())
			r, err := a.board.AddRule(cmd.Context(), dashboard.RuleInput{
				Name:        strings.Join(args, " "),
				Description: desc,
				Type:        ruleType,
				Enabled:     !disabled,
				Targets:     targets,
			})
			if err != nil {
				return err
			}
			a.tracker.Action("dashboard.rule.add", nil)
			fmt.Fprintf(cmd.OutOrStdout(), "Added rule %s\n", shortID(r.ID))
			return nil
		}),
	}
	add.Flags().StringVar(&desc, "desc", "", "description")
	add.Flags().StringVar(&ruleType, "type", "", "rule type")
	add.Flags().StringSliceVar(&targets, "targets", nil, "entities the rule applies to")
	add.Flags().BoolVar(&disabled, "disabled", false, "create the rule switched off")

	var editName, editDesc, editType string
	var editTargets []string
	edit := &cobra.Command{
		Use:   "edit <id>",
		Short: "Change a rule",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			ctx := cmd.Context()
			a.board.Load(ctx)
			id, err := resolveID("rule", args[0], ruleIDs(a.board.State().Snapshot))
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			err = a.board.EditRule(ctx, id, func(r *protocol.Rule) {
				if flags.Changed("name") {
					r.Name = editName
				}
				if flags.Changed("desc") {
					r.Description = editDesc
				}
				if flags.Changed("type") {
					r.Type = editType
				}
				if flags.Changed("targets") {
					r.AssignedTargets = editTargets
				}
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated rule %s\n", shortID(id))
			return nil
		}),
	}
	edit.Flags().StringVar(&editName, "name", "", "new name")
	edit.Flags().StringVar(&editDesc, "desc", "", "new description")
	edit.Flags().StringVar(&editType, "type", "", "new rule type")
	edit.Flags().StringSliceVar(&editTargets, "targets", nil, "new target entities")

	rm := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a rule",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			ctx := cmd.Context()
			a.board.Load(ctx)
			id, err := resolveID("rule", args[0], ruleIDs(a.board.State().Snapshot))
			if err != nil {
				return err
			}
			if err := a.board.DeleteRule(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted rule %s\n", shortID(id))
			return nil
		}),
	}

	toggle := &cobra.Command{
		Use:   "toggle <id>",
		Short: "Switch a rule on or off",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			ctx := cmd.Context()
			a.board.Load(ctx)
			id, err := resolveID("rule", args[0], ruleIDs(a.board.State().Snapshot))
			if err != nil {
				return err
			}
			on, err := a.board.ToggleRule(ctx, id)
			if err != nil {
				return err
			}
			state := "off"
			if on {
				state = "on"
			}
			a.tracker.Action("dashboard.rule.toggle", map[string]any{"enabled": on})
			fmt.Fprintf(cmd.OutOrStdout(), "Rule %s is %s\n", shortID(id), state)
			return nil
		}),
	}

	cmd.AddCommand(add, edit, rm, toggle)
	return cmd
}
