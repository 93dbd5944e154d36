package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tether/internal/appversion"
	"tether/pkg/dashboard"
	"tether/pkg/poller"
)

// newPollCmd creates the "tether poll" subcommand.
func newPollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Poll entity status and watch the spool dir until interrupted",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			ctx, stop := setupSignalHandler(cmd.Context())
			defer stop()

			g, gctx := errgroup.WithContext(ctx)
			startIngest(gctx, g, a)
			fmt.Fprintf(cmd.OutOrStdout(), "Polling %s every %s (spool: %s)\n",
				a.cfg.BaseURL, a.cfg.Poll.Interval.Duration, a.cfg.Poll.SpoolDir)
			return g.Wait()
		}),
	}
}

// newRunCmd creates the "tether run" subcommand.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the long-lived client",
		Long: "Runs the status poller, the spool watcher, the telemetry flush loop\n" +
			"and dashboard auto-upload until SIGINT or SIGTERM. Pending telemetry\n" +
			"is flushed before exit.",
		Args: cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			ctx, stop := setupSignalHandler(cmd.Context())
			defer stop()

			started := a.clock.Now()
			a.tracker.Lifecycle("start", map[string]any{"version": appversion.String()})
			a.log.Info("tether running", "base_url", a.cfg.BaseURL, "spool_dir", a.cfg.Poll.SpoolDir)

			a.board.Load(ctx)
			states, unsubscribe := a.board.Subscribe()
			defer unsubscribe()

			g, gctx := errgroup.WithContext(ctx)
			startIngest(gctx, g, a)

			if a.telemetry != nil {
				g.Go(func() error {
					a.telemetry.Run(gctx)
					return nil
				})
			}
			if iv := a.cfg.Dashboard.AutoUploadInterval.Duration; iv > 0 {
				g.Go(func() error {
					a.board.AutoSync(gctx, iv)
					return nil
				})
			}
			g.Go(func() error {
				watchPhases(gctx, a, states)
				return nil
			})

			err := g.Wait()
			a.tracker.Lifecycle("stop", map[string]any{
				"uptime_s": int64(a.clock.Now().Sub(started) / time.Second),
				"error":    err != nil,
			})
			a.log.Info("tether stopped")
			return err
		}),
	}
}

// startIngest adds the status poller and spool watcher to g.
func startIngest(ctx context.Context, g *errgroup.Group, a *app) {
	p := poller.NewStatusPoller(a.client, a.chat, a.kv, poller.Config{
		Interval:    a.cfg.Poll.Interval.Duration,
		HistorySync: a.cfg.Chat.HistorySync,
	}, a.clock, a.log.With("component", "poller"))
	w := poller.NewSpoolWatcher(a.cfg.Poll.SpoolDir, a.chat, 0, a.clock, a.log.With("component", "spool"))

	g.Go(func() error { return p.Run(ctx) })
	g.Go(func() error { return w.Run(ctx) })
}

// watchPhases logs dashboard phase transitions.
func watchPhases(ctx context.Context, a *app, states <-chan dashboard.State) {
	last := a.board.State().Phase
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-states:
			if st.Phase == last {
				continue
			}
			last = st.Phase
			a.log.Info("dashboard phase", "phase", st.Phase, "version", st.Version)
		}
	}
}
