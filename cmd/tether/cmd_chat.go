package main

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"tether/pkg/chatlog"
	"tether/pkg/poller"
	"tether/pkg/protocol"
)

// outgoingSource tags messages sent from this client.
const outgoingSource = "tether_cli"

// newChatCmd creates the "tether chat" command group.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Send messages and browse the local chat history",
	}
	cmd.AddCommand(
		newChatSendCmd(),
		newChatHistoryCmd(),
		newChatIngestCmd(),
		newChatPruneCmd(),
		newChatClearCmd(),
	)
	return cmd
}

func newChatSendCmd() *cobra.Command {
	var to []int
	cmd := &cobra.Command{
		Use:   "send <text>",
		Short: "Send a message to one or more entities",
		Long:  "The message is saved locally first, then sent. If sending fails it\nstays in the history marked as not synced.",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			ctx := cmd.Context()
			if len(to) == 0 {
				return &protocol.ValidationError{Field: "to", Reason: "at least one entity is required"}
			}
			text := strings.Join(args, " ")
			id, err := a.chat.SaveOutgoing(ctx, text, to, outgoingSource)
			if err != nil {
				return err
			}

			res, err := a.client.Speak(ctx, to, text, outgoingSource)
			if err != nil {
				return fmt.Errorf("message %d saved but not sent: %w", id, err)
			}
			if err := a.chat.MarkSynced(ctx, id); err != nil {
				return err
			}
			delivered := res.DeliveredTo()
			if len(delivered) > 0 {
				if err := a.chat.MarkDelivered(ctx, id, delivered); err != nil {
					return err
				}
			}
			a.tracker.Action("chat.send", map[string]any{"targets": len(to), "delivered": len(delivered)})

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Sent to %s", joinInts(to))
			if len(delivered) > 0 {
				fmt.Fprintf(out, " (delivered to %s)", joinInts(delivered))
			}
			fmt.Fprintln(out)
			return nil
		}),
	}
	cmd.Flags().IntSliceVar(&to, "to", nil, "target entity ids (comma separated)")
	return cmd
}

func newChatHistoryCmd() *cobra.Command {
	var (
		entity, limit int
		mine          bool
	)
	cmd := &cobra.Command{
		Use:     "history",
		Aliases: []string{"log"},
		Short:   "Print the local chat history, oldest first",
		Args:    cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			ctx := cmd.Context()
			var (
				msgs []protocol.ChatMessage
				err  error
			)
			newestFirst := true
			switch {
			case mine:
				msgs, err = a.chat.Store().UserMessages(ctx, limit)
			case cmd.Flags().Changed("entity"):
				msgs, err = a.chat.Store().ForEntity(ctx, entity, limit)
			default:
				msgs, err = a.chat.Store().Ascending(ctx, limit)
				newestFirst = false
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(msgs) == 0 {
				fmt.Fprintln(out, "No messages")
				return nil
			}
			if newestFirst {
				slices.Reverse(msgs)
			}
			for _, m := range msgs {
				renderMessage(out, m)
			}
			return nil
		}),
	}
	cmd.Flags().IntVar(&entity, "entity", 0, "only messages to or from this entity")
	cmd.Flags().BoolVar(&mine, "mine", false, "only messages sent from this device")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of messages")
	cmd.MarkFlagsMutuallyExclusive("entity", "mine")
	return cmd
}

func newChatIngestCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest status records from a file",
		Long:  "Reads a .json (one record or an array) or .jsonl file of entity status\nrecords and runs each through the ingestion pipeline.",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			ctx := cmd.Context()
			data, err := os.ReadFile(file) //nolint:gosec // user-supplied path
			if err != nil {
				return fmt.Errorf("read %s: %w", file, err)
			}
			statuses, err := poller.ParseStatusFile(file, data)
			if err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			counts := map[chatlog.Outcome]int{}
			for _, st := range statuses {
				outcome, err := a.chat.Ingest(ctx, st)
				if err != nil {
					return err
				}
				counts[outcome]++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d records: %d stored, %d filtered, %d duplicate\n",
				len(statuses), counts[chatlog.Stored], counts[chatlog.Filtered], counts[chatlog.Duplicate])
			return nil
		}),
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "status file (.json or .jsonl)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newChatPruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Apply the retention limit now",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			n, err := a.chat.Prune(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d messages\n", n)
			return nil
		}),
	}
}

func newChatClearCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the whole local chat history",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			if !yes {
				return errors.New("refusing to clear chat history without --yes")
			}
			n, err := a.chat.Store().Clear(cmd.Context())
			if err != nil {
				return err
			}
			a.tracker.Action("chat.clear", map[string]any{"removed": n})
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d messages\n", n)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm")
	return cmd
}

func joinInts(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ",")
}
