// Package poller feeds the chat pipeline: StatusPoller polls the remote
// status endpoint and SpoolWatcher ingests status files dropped into a
// local directory.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tether/pkg/chatlog"
	"tether/pkg/clock"
	"tether/pkg/localstore"
	"tether/pkg/protocol"
)

// defaultHistoryLimit caps one history page.
const defaultHistoryLimit = 200

// StatusSource is the slice of the remote authority the poller needs.
// *remote.Client implements it.
type StatusSource interface {
	FetchStatus(ctx context.Context) ([]protocol.EntityStatus, error)
	FetchChatHistory(ctx context.Context, since protocol.Millis, limit int) ([]protocol.HistoryMessage, error)
}

// Config holds StatusPoller configuration.
type Config struct {
	Interval     time.Duration // Poll interval (default 10s).
	HistorySync  bool          // Also pull backend chat history.
	HistoryLimit int           // Rows per history pull (default 200).
}

// Result counts what one poll did.
type Result struct {
	Seen         int
	Stored       int
	Filtered     int
	Duplicate    int
	HistoryAdded int
}

// StatusPoller polls entity status on an interval and ingests it.
type StatusPoller struct {
	src   StatusSource
	pipe  *chatlog.Pipeline
	kv    localstore.Store
	cfg   Config
	clock clock.Clock
	log   *slog.Logger
}

// NewStatusPoller creates a poller. kv holds the history sync cursor.
func NewStatusPoller(src StatusSource, pipe *chatlog.Pipeline, kv localstore.Store, cfg Config, clk clock.Clock, log *slog.Logger) *StatusPoller {
	if cfg.Interval <= 0 {
		cfg.Interval = protocol.DefaultPollInterval
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = slog.Default()
	}
	return &StatusPoller{src: src, pipe: pipe, kv: kv, cfg: cfg, clock: clk, log: log}
}

// PollOnce fetches status once and ingests every record, then syncs
// history if enabled. Records already ingested by an overlapping poll
// come back as duplicates.
func (p *StatusPoller) PollOnce(ctx context.Context) (Result, error) {
	var res Result

	statuses, err := p.src.FetchStatus(ctx)
	if err != nil {
		return res, fmt.Errorf("poll status: %w", err)
	}
	for _, st := range statuses {
		res.Seen++
		outcome, err := p.pipe.Ingest(ctx, st)
		if err != nil {
			return res, fmt.Errorf("ingest entity %d: %w", st.EntityID, err)
		}
		switch outcome {
		case chatlog.Stored:
			res.Stored++
		case chatlog.Filtered:
			res.Filtered++
		case chatlog.Duplicate:
			res.Duplicate++
		}
	}

	if p.cfg.HistorySync {
		added, err := p.syncHistory(ctx)
		res.HistoryAdded = added
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

// syncHistory pulls rows newer than the stored cursor. The cursor moves
// to the time the request started, so rows created during the request
// are fetched again next time and absorbed by their backend keys.
func (p *StatusPoller) syncHistory(ctx context.Context) (int, error) {
	since, _, err := localstore.GetValue[protocol.Millis](ctx, p.kv, protocol.KeyHistorySyncedAt)
	if err != nil {
		p.log.Warn("history cursor unreadable, syncing from start", "error", err)
		since = 0
	}
	started := p.clock.Now()

	rows, err := p.src.FetchChatHistory(ctx, since, p.cfg.HistoryLimit)
	if err != nil {
		return 0, fmt.Errorf("poll history: %w", err)
	}
	added, err := p.pipe.SyncHistory(ctx, rows)
	if err != nil {
		return added, fmt.Errorf("sync history: %w", err)
	}
	if err := localstore.SetValue(ctx, p.kv, protocol.KeyHistorySyncedAt, protocol.MillisOf(started)); err != nil {
		p.log.Warn("history cursor not saved", "error", err)
	}
	return added, nil
}

// Run polls immediately and then every interval until ctx is cancelled.
// Poll failures are logged and retried on the next tick, except for
// rejected credentials, which stop the loop and are returned.
func (p *StatusPoller) Run(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		res, err := p.PollOnce(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			var authErr *protocol.AuthError
			if errors.As(err, &authErr) {
				return err
			}
			p.log.Warn("status poll failed", "error", err, "retryable", protocol.IsRetryable(err))
		case res.Stored > 0 || res.HistoryAdded > 0:
			p.log.Info("status poll", "seen", res.Seen, "stored", res.Stored, "history_added", res.HistoryAdded)
		default:
			p.log.Debug("status poll", "seen", res.Seen, "duplicate", res.Duplicate, "filtered", res.Filtered)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
