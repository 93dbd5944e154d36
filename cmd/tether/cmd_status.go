package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the "tether status" subcommand.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show local sync state",
		Long:  "Shows the cached dashboard version and sync phase, the size of the\nlocal chat history and the telemetry settings. Makes no network calls.",
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			ctx := cmd.Context()
			a.board.Load(ctx)
			st := a.board.State()

			n, err := a.chat.Store().Count(ctx)
			if err != nil {
				return err
			}
			entities, err := a.chat.Store().DistinctEntityIDs(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "remote:     %s (device %s)\n", a.cfg.BaseURL, a.cfg.DeviceID)
			phase := phaseLabel(st)
			if isTerminal(out) {
				phase = phaseStyle(DefaultTheme(), st.Phase).Render(phase)
			}
			fmt.Fprintf(out, "dashboard:  v%d, %s\n", st.Version, phase)
			fmt.Fprintf(out, "last sync:  %s\n", syncedLabel(st.LastSyncedAt))
			fmt.Fprintf(out, "items:      %d todo, %d mission, %d done\n",
				len(st.Snapshot.TodoList), len(st.Snapshot.MissionList), len(st.Snapshot.DoneList))
			if st.Error != "" {
				fmt.Fprintf(out, "last error: %s\n", st.Error)
			}
			fmt.Fprintf(out, "chat:       %d messages from %d entities (limit %d)\n", n, len(entities), a.cfg.Chat.RetentionLimit)
			if a.cfg.Telemetry.Enabled {
				fmt.Fprintf(out, "telemetry:  on, batch %d every %s\n", a.cfg.Telemetry.MaxBatch, a.cfg.Telemetry.FlushInterval.Duration)
			} else {
				fmt.Fprintln(out, "telemetry:  off")
			}
			return nil
		}),
	}
}
