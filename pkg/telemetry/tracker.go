package telemetry

import (
	"fmt"
	"sync"
	"time"

	"tether/pkg/clock"
	"tether/pkg/protocol"
)

const maxErrorLen = 200

// Tracker builds entries and enqueues them. A nil *Tracker is valid and
// records nothing, which is how telemetry is disabled.
type Tracker struct {
	buf   *Buffer
	clock clock.Clock

	mu   sync.Mutex
	page string
}

// NewTracker returns a Tracker feeding buf.
func NewTracker(buf *Buffer, clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.Real()
	}
	return &Tracker{buf: buf, clock: clk}
}

// PageView records a page view and remembers page for later entries.
func (t *Tracker) PageView(page string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.page = page
	t.mu.Unlock()
	t.record(protocol.TelemetryEntry{Type: protocol.TelemetryPageView, Action: page})
}

// Action records a user action.
func (t *Tracker) Action(action string, meta map[string]any) {
	if t == nil {
		return
	}
	t.record(protocol.TelemetryEntry{Type: protocol.TelemetryAction, Action: action, Meta: meta})
}

// Error records err. The message is truncated and meta is merged in.
func (t *Tracker) Error(err error, meta map[string]any) {
	if t == nil || err == nil {
		return
	}
	kind := fmt.Sprintf("%T", err)
	m := map[string]any{
		"message": truncate(err.Error(), maxErrorLen),
		"class":   kind,
	}
	for k, v := range meta {
		m[k] = v
	}
	t.record(protocol.TelemetryEntry{Type: protocol.TelemetryError, Action: kind, Meta: m})
}

// Lifecycle records a process lifecycle event (start, stop, signal).
func (t *Tracker) Lifecycle(event string, meta map[string]any) {
	if t == nil {
		return
	}
	t.record(protocol.TelemetryEntry{Type: protocol.TelemetryLifecycle, Action: event, Meta: meta})
}

// APICall records one HTTP exchange. Transport calls this.
func (t *Tracker) APICall(action string, input, output map[string]any, d time.Duration) {
	if t == nil {
		return
	}
	ms := d.Milliseconds()
	t.record(protocol.TelemetryEntry{
		Type:       protocol.TelemetryAPICall,
		Action:     action,
		Input:      input,
		Output:     output,
		DurationMs: &ms,
	})
}

func (t *Tracker) record(e protocol.TelemetryEntry) {
	e.TS = protocol.MillisOf(t.clock.Now())
	t.mu.Lock()
	e.Page = t.page
	t.mu.Unlock()
	t.buf.Enqueue(e)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
