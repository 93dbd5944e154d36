package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"

	"tether/internal/appversion"
	"tether/pkg/chatlog"
	"tether/pkg/clock"
	"tether/pkg/config"
	"tether/pkg/dashboard"
	"tether/pkg/localstore"
	"tether/pkg/remote"
	"tether/pkg/telemetry"
)

// app holds the services one command invocation needs. Every service is
// constructed here and passed down explicitly; nothing is process-global.
type app struct {
	paths *config.Paths
	cfg   config.Config
	log   *slog.Logger
	clock clock.Clock

	db     *sql.DB
	kv     *localstore.SQLiteStore
	chat   *chatlog.Pipeline
	client *remote.Client
	board  *dashboard.Engine

	telemetry *telemetry.Buffer
	tracker   *telemetry.Tracker
}

// openApp loads config, opens the state database and wires the remote
// client, telemetry and dashboard engine. The dashboard is not loaded;
// callers that need it call a.board.Load.
func openApp(cmd *cobra.Command) (*app, error) {
	paths, err := config.ResolvePaths()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(paths.ConfigPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w (run `tether init` first?)", err)
	}
	if cfg.Poll.SpoolDir == "" {
		cfg.Poll.SpoolDir = paths.SpoolDir
	}

	level, _ := cmd.Flags().GetString("log-level")
	if level == "" {
		level = cfg.LogLevel
	}
	log := newLogger(cmd.ErrOrStderr(), level)

	a := &app{paths: paths, cfg: cfg, log: log, clock: clock.Real()}

	a.db, err = localstore.OpenDB(cmd.Context(), paths.StateDBPath)
	if err != nil {
		return nil, err
	}
	a.kv = localstore.NewSQLiteStore(a.db)
	a.chat = chatlog.NewPipeline(chatlog.NewStore(a.db), chatlog.Config{
		DedupWindow:    cfg.Chat.DedupWindow.Duration,
		RetentionLimit: cfg.Chat.RetentionLimit,
	}, a.clock, log.With("component", "chat"))

	// The telemetry buffer ships through the same client it observes; the
	// round-tripper skips the telemetry endpoint itself.
	rt := &telemetry.Transport{Clock: a.clock}
	a.client, err = remote.NewClient(cfg.BaseURL, cfg.Credentials(),
		remote.WithHTTPClient(&http.Client{Timeout: cfg.HTTP.Timeout.Duration, Transport: rt}),
		remote.WithCompression(cfg.Telemetry.Compress),
		remote.WithUserAgent("tether/"+appversion.String()),
		remote.WithClock(a.clock),
		remote.WithLogger(log.With("component", "remote")),
	)
	if err != nil {
		_ = a.db.Close()
		return nil, err
	}
	if cfg.Telemetry.Enabled {
		a.telemetry = telemetry.NewBuffer(a.client, telemetry.Config{
			MaxBuffer:     cfg.Telemetry.MaxBuffer,
			MaxBatch:      cfg.Telemetry.MaxBatch,
			FlushInterval: cfg.Telemetry.FlushInterval.Duration,
		}, a.clock, log.With("component", "telemetry"))
		a.tracker = telemetry.NewTracker(a.telemetry, a.clock)
		rt.Tracker = a.tracker
	}

	a.board = dashboard.NewEngine(a.kv, a.client, dashboard.Config{}, a.clock, log.With("component", "dashboard"))
	a.tracker.PageView(cmd.CommandPath())
	return a, nil
}

// Close ships pending telemetry and closes the database.
func (a *app) Close() error {
	if a.telemetry != nil {
		a.telemetry.Drain()
	}
	return a.db.Close()
}

// withApp adapts a RunE body that needs an app. Errors are recorded as
// telemetry before being returned.
func withApp(fn func(cmd *cobra.Command, args []string, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if cmd.Context() == nil {
			cmd.SetContext(context.Background())
		}
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		if err := fn(cmd, args, a); err != nil {
			a.tracker.Error(err, map[string]any{"command": cmd.CommandPath()})
			return err
		}
		return nil
	}
}
