// Package telemetry buffers diagnostic events in memory and ships them
// to the remote authority in batches. Producers never block on the
// network and memory stays bounded.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tether/pkg/clock"
	"tether/pkg/protocol"
)

// Sender delivers one batch. *remote.Client implements it.
type Sender interface {
	SendTelemetry(ctx context.Context, entries []protocol.TelemetryEntry) error
}

// Config bounds a Buffer. Zero values take the defaults.
type Config struct {
	MaxBuffer     int
	MaxBatch      int
	FlushInterval time.Duration
}

// Stats is a point-in-time view of buffer counters.
type Stats struct {
	Buffered int    // entries waiting
	Dropped  uint64 // entries discarded for capacity
	Sent     uint64 // entries delivered
	Failed   uint64 // failed send attempts
}

// drainTimeout bounds the final flush after Run's context is cancelled.
const drainTimeout = 5 * time.Second

// Buffer is a bounded FIFO of telemetry entries.
//
// Queue mutations (append, dequeue, requeue) happen under mu; the send
// itself happens outside it. sendMu allows one batch in flight at a
// time so a requeued batch goes back in front of everything newer.
//
// The notify channel (capacity 1) wakes Run when a full batch is ready.
type Buffer struct {
	mu      sync.Mutex
	queue   []protocol.TelemetryEntry
	dropped uint64
	sent    uint64
	failed  uint64

	sendMu sync.Mutex
	notify chan struct{}

	sender   Sender
	maxBuf   int
	maxBatch int
	interval time.Duration
	clock    clock.Clock
	log      *slog.Logger
}

// NewBuffer creates a Buffer that delivers through sender.
func NewBuffer(sender Sender, cfg Config, clk clock.Clock, log *slog.Logger) *Buffer {
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = protocol.DefaultTelemetryMaxBuffer
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = protocol.DefaultTelemetryMaxBatch
	}
	if cfg.MaxBatch > cfg.MaxBuffer {
		cfg.MaxBatch = cfg.MaxBuffer
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = protocol.DefaultTelemetryFlushInterval
	}
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Buffer{
		notify:   make(chan struct{}, 1),
		sender:   sender,
		maxBuf:   cfg.MaxBuffer,
		maxBatch: cfg.MaxBatch,
		interval: cfg.FlushInterval,
		clock:    clk,
		log:      log,
	}
}

// Enqueue appends e if there is room and silently drops it otherwise.
// It never blocks on I/O. Reaching a full batch wakes the flush loop.
func (b *Buffer) Enqueue(e protocol.TelemetryEntry) {
	b.mu.Lock()
	if len(b.queue) >= b.maxBuf {
		b.dropped++
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, e)
	full := len(b.queue) >= b.maxBatch
	b.mu.Unlock()

	if full {
		select {
		case b.notify <- struct{}{}:
		default:
		}
	}
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Stats returns the current counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{Buffered: len(b.queue), Dropped: b.dropped, Sent: b.sent, Failed: b.failed}
}

// Flush sends up to one batch of the oldest entries. On a retryable
// failure (including cancellation of ctx) the batch is put back at the
// front in its original order; on a permanent failure it is dropped.
// The error is returned for callers that care; Run ignores it.
func (b *Buffer) Flush(ctx context.Context) error {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	b.mu.Lock()
	n := min(len(b.queue), b.maxBatch)
	if n == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := make([]protocol.TelemetryEntry, n)
	copy(batch, b.queue[:n])
	clear(b.queue[:n])
	b.queue = b.queue[n:]
	b.mu.Unlock()

	err := b.sender.SendTelemetry(ctx, batch)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.sent += uint64(n)
		return nil
	}
	b.failed++
	if protocol.IsPermanent(err) {
		b.log.Warn("telemetry batch rejected, dropping", "entries", n, "error", err)
		return err
	}
	b.requeueLocked(batch)
	b.log.Debug("telemetry flush failed, requeued", "entries", n, "error", err)
	return err
}

// requeueLocked puts batch back in front of the queue. If that overflows
// capacity the newest entries are trimmed, the same entries Enqueue
// would have refused had the batch never left.
func (b *Buffer) requeueLocked(batch []protocol.TelemetryEntry) {
	merged := make([]protocol.TelemetryEntry, 0, len(batch)+len(b.queue))
	merged = append(merged, batch...)
	merged = append(merged, b.queue...)
	if over := len(merged) - b.maxBuf; over > 0 {
		b.dropped += uint64(over)
		merged = merged[:b.maxBuf]
	}
	b.queue = merged
}

// Run flushes every FlushInterval and whenever a full batch is ready,
// until ctx is cancelled. It then makes one best-effort drain pass with
// a short timeout. Entries still unsent after that stay in the buffer.
func (b *Buffer) Run(ctx context.Context) {
	ticker := b.clock.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.Drain()
			return
		case <-ticker.C:
		case <-b.notify:
		}
		// A notify may have been raised for several batches' worth.
		for {
			if err := b.Flush(ctx); err != nil || ctx.Err() != nil {
				break
			}
			if b.Len() < b.maxBatch {
				break
			}
		}
	}
}

// Drain flushes until the buffer is empty or a send fails, bounded by
// drainTimeout. Short-lived commands call it before exiting.
func (b *Buffer) Drain() {
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for b.Len() > 0 {
		if err := b.Flush(drainCtx); err != nil {
			b.log.Warn("telemetry drain failed, abandoning remaining", "remaining", b.Len(), "error", err)
			return
		}
	}
}
