package poller

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"tether/pkg/chatlog"
	"tether/pkg/clock"
	"tether/pkg/protocol"
)

// Suffixes appended to spool files once handled.
const (
	doneSuffix = ".done"
	badSuffix  = ".bad"
)

const (
	debounceDuration        = 100 * time.Millisecond
	defaultFallbackInterval = 60 * time.Second
	defaultSettle           = 500 * time.Millisecond
)

// spoolRecord is one status record in a spool file. "text" is accepted
// as an alias for "message".
type spoolRecord struct {
	EntityID   *int            `json:"entityId"`
	Message    string          `json:"message"`
	Text       string          `json:"text"`
	ObservedAt protocol.Millis `json:"observedAt"`
	Name       string          `json:"name"`
	Character  string          `json:"character"`
}

func (r spoolRecord) status() (protocol.EntityStatus, error) {
	if r.EntityID == nil {
		return protocol.EntityStatus{}, &protocol.ValidationError{Field: "entityId", Reason: "missing"}
	}
	text := r.Message
	if text == "" {
		text = r.Text
	}
	return protocol.EntityStatus{
		EntityID:   *r.EntityID,
		Text:       text,
		ObservedAt: r.ObservedAt.Time(),
		Name:       r.Name,
		Kind:       r.Character,
	}, nil
}

// SpoolWatcher ingests status files written into a directory by other
// local processes. *.json files hold one record or an array; *.jsonl
// files hold one record per line. Handled files are renamed to *.done,
// unparseable ones to *.bad.
//
// Writers should create the file under a dot-prefixed name (or outside
// the directory) and rename it into place when complete. A file is only
// read once it has not been modified for the settle period, so a slow
// writer working in place is not mistaken for a malformed file.
type SpoolWatcher struct {
	dir      string
	pipe     *chatlog.Pipeline
	fallback time.Duration
	settle   time.Duration
	clock    clock.Clock
	log      *slog.Logger
}

// NewSpoolWatcher creates a watcher over dir. fallback is the polling
// interval used when fsnotify is unavailable and as a safety net when it
// is (default 60s).
func NewSpoolWatcher(dir string, pipe *chatlog.Pipeline, fallback time.Duration, clk clock.Clock, log *slog.Logger) *SpoolWatcher {
	if fallback <= 0 {
		fallback = defaultFallbackInterval
	}
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = slog.Default()
	}
	return &SpoolWatcher{dir: dir, pipe: pipe, fallback: fallback, settle: defaultSettle, clock: clk, log: log}
}

// Run scans the directory, then rescans whenever it changes until ctx is
// cancelled.
func (w *SpoolWatcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("create spool dir: %w", err)
	}
	watcher := w.initWatcher()
	if watcher == nil {
		w.scanLogged(ctx)
		w.runPoll(ctx)
		return nil
	}
	defer func() { _ = watcher.Close() }()

	debounce := newDebounceTimer()
	defer debounce.Stop()

	// Files still being written are retried once they have settled.
	scan := func() {
		if w.scanLogged(ctx) {
			debounce.Reset(w.settle)
		}
	}
	scan()

	fallback := w.clock.NewTicker(w.fallback)
	defer fallback.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				w.runPoll(ctx)
				return nil
			}
			// A rename into the directory arrives as Create. Write only
			// wakes the loop; unsettled files are skipped by the scan.
			if isSpoolFile(event.Name) && (event.Has(fsnotify.Create) || event.Has(fsnotify.Write)) {
				resetDebounceTimer(debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				w.runPoll(ctx)
				return nil
			}
			w.log.Warn("spool watcher error", "error", err)
		case <-debounce.C:
			scan()
		case <-fallback.C:
			scan()
		}
	}
}

// initWatcher returns nil when fsnotify cannot watch the directory.
func (w *SpoolWatcher) initWatcher() *fsnotify.Watcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("fsnotify unavailable, polling spool dir", "error", err)
		return nil
	}
	if err := watcher.Add(w.dir); err != nil {
		_ = watcher.Close()
		w.log.Warn("cannot watch spool dir, polling", "dir", w.dir, "error", err)
		return nil
	}
	return watcher
}

func (w *SpoolWatcher) runPoll(ctx context.Context) {
	ticker := w.clock.NewTicker(w.fallback)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.scanLogged(ctx)
		}
	}
}

// scanLogged scans and logs the outcome. It reports whether some file was
// left for later because it is still being written.
func (w *SpoolWatcher) scanLogged(ctx context.Context) bool {
	n, unsettled, err := w.scan(ctx)
	if err != nil && ctx.Err() == nil {
		w.log.Warn("spool scan failed", "dir", w.dir, "error", err)
	}
	if n > 0 {
		w.log.Info("spool ingested", "stored", n)
	}
	return unsettled
}

// Scan handles every settled spool file in name order and returns the
// number of messages stored. A storage failure stops the scan and leaves
// the file in place for the next one. Files modified within the settle
// period are left untouched.
func (w *SpoolWatcher) Scan(ctx context.Context) (int, error) {
	n, _, err := w.scan(ctx)
	return n, err
}

func (w *SpoolWatcher) scan(ctx context.Context) (stored int, unsettled bool, err error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, false, fmt.Errorf("read spool dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isSpoolFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue // gone since ReadDir
		}
		// File times come from the OS clock, not w.clock.
		if time.Since(info.ModTime()) < w.settle {
			unsettled = true
			continue
		}
		names = append(names, e.Name())
	}
	slices.Sort(names)

	for _, name := range names {
		if ctx.Err() != nil {
			return stored, unsettled, ctx.Err()
		}
		n, err := w.processFile(ctx, filepath.Join(w.dir, name))
		stored += n
		if err != nil {
			return stored, unsettled, err
		}
	}
	return stored, unsettled, nil
}

func (w *SpoolWatcher) processFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is inside the spool dir
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}

	statuses, err := ParseStatusFile(path, data)
	if err != nil {
		w.log.Warn("malformed spool file", "file", filepath.Base(path), "error", err)
		return 0, rename(path, badSuffix)
	}

	stored := 0
	for _, st := range statuses {
		outcome, err := w.pipe.Ingest(ctx, st)
		if err != nil {
			return stored, fmt.Errorf("ingest %s: %w", filepath.Base(path), err)
		}
		if outcome == chatlog.Stored {
			stored++
		}
	}
	return stored, rename(path, doneSuffix)
}

// ParseStatusFile decodes status records from data. The format follows
// the extension of path: *.jsonl is one record per line, anything else is
// a single JSON record or an array of them.
func ParseStatusFile(path string, data []byte) ([]protocol.EntityStatus, error) {
	var records []spoolRecord
	if strings.HasSuffix(path, ".jsonl") {
		sc := bufio.NewScanner(bytes.NewReader(data))
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for line := 1; sc.Scan(); line++ {
			raw := bytes.TrimSpace(sc.Bytes())
			if len(raw) == 0 {
				continue
			}
			var r spoolRecord
			if err := json.Unmarshal(raw, &r); err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			records = append(records, r)
		}
		if err := sc.Err(); err != nil {
			return nil, err
		}
	} else {
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			if err := json.Unmarshal(trimmed, &records); err != nil {
				return nil, err
			}
		} else {
			var r spoolRecord
			if err := json.Unmarshal(trimmed, &r); err != nil {
				return nil, err
			}
			records = append(records, r)
		}
	}

	out := make([]protocol.EntityStatus, 0, len(records))
	for i, r := range records {
		st, err := r.status()
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i+1, err)
		}
		out = append(out, st)
	}
	return out, nil
}

func isSpoolFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return strings.HasSuffix(base, ".json") || strings.HasSuffix(base, ".jsonl")
}

func rename(path, suffix string) error {
	if err := os.Rename(path, path+suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("mark %s: %w", filepath.Base(path), err)
	}
	return nil
}

// newDebounceTimer returns a stopped timer. With Go 1.23 timer semantics
// Stop and Reset never leave a stale tick in C, so no draining is needed.
func newDebounceTimer() *time.Timer {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	return timer
}

func resetDebounceTimer(timer *time.Timer) {
	timer.Reset(debounceDuration)
}
