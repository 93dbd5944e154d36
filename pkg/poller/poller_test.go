package poller

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"tether/pkg/chatlog"
	"tether/pkg/clock"
	"tether/pkg/localstore"
	"tether/pkg/protocol"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu        sync.Mutex
	statuses  []protocol.EntityStatus
	history   []protocol.HistoryMessage
	err       error
	sinceSeen []protocol.Millis
	polls     chan struct{}
}

func (f *fakeSource) FetchStatus(context.Context) ([]protocol.EntityStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.polls != nil {
		select {
		case f.polls <- struct{}{}:
		default:
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return append([]protocol.EntityStatus(nil), f.statuses...), nil
}

func (f *fakeSource) FetchChatHistory(_ context.Context, since protocol.Millis, _ int) ([]protocol.HistoryMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinceSeen = append(f.sinceSeen, since)
	return f.history, nil
}

func setupTestPoller(t *testing.T, src StatusSource, cfg Config) (*StatusPoller, *chatlog.Pipeline, *localstore.SQLiteStore, *clock.FakeClock) {
	t.Helper()
	db, err := localstore.OpenDB(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	clk := clock.Fake(t0)
	pipe := chatlog.NewPipeline(chatlog.NewStore(db), chatlog.Config{}, clk, nil)
	kv := localstore.NewSQLiteStore(db)
	return NewStatusPoller(src, pipe, kv, cfg, clk, nil), pipe, kv, clk
}

func count(t *testing.T, pipe *chatlog.Pipeline) int {
	t.Helper()
	n, err := pipe.Store().Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	return n
}

func TestPollOnce_IngestsAndDedups(t *testing.T) {
	src := &fakeSource{statuses: []protocol.EntityStatus{
		{EntityID: 2, Text: "Hello", ObservedAt: t0},
		{EntityID: 3, Text: "Zzz...", ObservedAt: t0},
		{EntityID: 4, Text: "entity:2:LOBSTER: ping", ObservedAt: t0},
	}}
	p, pipe, _, _ := setupTestPoller(t, src, Config{})

	res, err := p.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if res.Seen != 3 || res.Stored != 2 || res.Filtered != 1 {
		t.Errorf("first poll = %+v", res)
	}

	// An overlapping poll sees the same facts again.
	res, err = p.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if res.Stored != 0 || res.Duplicate != 2 {
		t.Errorf("second poll = %+v", res)
	}
	if n := count(t, pipe); n != 2 {
		t.Errorf("stored %d messages, want 2", n)
	}
}

func TestPollOnce_HistoryCursor(t *testing.T) {
	entity := 5
	src := &fakeSource{history: []protocol.HistoryMessage{
		{ID: "h1", EntityID: &entity, Text: "from history", Source: "entity:5:OWL->1", CreatedAt: "2026-05-04T09:59:00Z"},
	}}
	p, _, kv, clk := setupTestPoller(t, src, Config{HistorySync: true})
	ctx := context.Background()

	res, err := p.PollOnce(ctx)
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if res.HistoryAdded != 1 {
		t.Errorf("HistoryAdded = %d, want 1", res.HistoryAdded)
	}
	cursor, ok, err := localstore.GetValue[protocol.Millis](ctx, kv, protocol.KeyHistorySyncedAt)
	if err != nil || !ok || cursor != protocol.MillisOf(t0) {
		t.Fatalf("cursor = %d ok=%v err=%v", cursor, ok, err)
	}

	clk.Advance(time.Minute)
	res, err = p.PollOnce(ctx)
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if res.HistoryAdded != 0 {
		t.Errorf("history row added twice")
	}
	if len(src.sinceSeen) != 2 || src.sinceSeen[0] != 0 || src.sinceSeen[1] != protocol.MillisOf(t0) {
		t.Errorf("since values = %v", src.sinceSeen)
	}
}

func TestPollOnce_HistoryDisabled(t *testing.T) {
	src := &fakeSource{}
	p, _, _, _ := setupTestPoller(t, src, Config{})
	if _, err := p.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if len(src.sinceSeen) != 0 {
		t.Error("history fetched although sync is off")
	}
}

func TestRun_StopsOnAuthError(t *testing.T) {
	src := &fakeSource{err: &protocol.AuthError{Op: "fetch status", Reason: "revoked"}}
	p, _, _, _ := setupTestPoller(t, src, Config{})

	var authErr *protocol.AuthError
	if err := p.Run(context.Background()); !errors.As(err, &authErr) {
		t.Fatalf("Run = %v, want AuthError", err)
	}
}

func TestRun_RetriesNetworkErrorsUntilCancelled(t *testing.T) {
	src := &fakeSource{
		err:   &protocol.NetworkError{Op: "fetch status", Status: 502},
		polls: make(chan struct{}, 1),
	}
	p, _, _, clk := setupTestPoller(t, src, Config{Interval: 10 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()

	<-src.polls
	clk.WaitForTimers(1)
	clk.Advance(10 * time.Second)
	<-src.polls

	cancel()
	if err := <-errc; err != nil {
		t.Errorf("Run = %v, want nil after cancel", err)
	}
}

// --- Spool watcher ---

func setupSpool(t *testing.T) (*SpoolWatcher, *chatlog.Pipeline, string) {
	t.Helper()
	_, pipe, _, clk := setupTestPoller(t, &fakeSource{}, Config{})
	dir := filepath.Join(t.TempDir(), "spool")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	w := NewSpoolWatcher(dir, pipe, time.Minute, clk, nil)
	w.settle = 0
	return w, pipe, dir
}

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestScan_FormatsAndRenames(t *testing.T) {
	w, pipe, dir := setupSpool(t)
	writeFile(t, dir, "a.json", `{"entityId": 1, "message": "single", "observedAt": 1777888800000}`)
	writeFile(t, dir, "b.json", `[{"entityId": 2, "text": "one"}, {"entityId": 2, "message": "two"}]`)
	writeFile(t, dir, "c.jsonl", "{\"entityId\": 3, \"message\": \"line one\"}\n\n{\"entityId\": 3, \"message\": \"Idle\"}\n")
	writeFile(t, dir, "d.json", `{"message": "no entity"}`)
	writeFile(t, dir, "e.jsonl", "{broken\n")
	writeFile(t, dir, "notes.txt", "ignored")

	n, err := w.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if n != 4 {
		t.Errorf("stored = %d, want 4", n)
	}
	if c := count(t, pipe); c != 4 {
		t.Errorf("Count = %d, want 4", c)
	}

	for _, name := range []string{"a.json.done", "b.json.done", "c.jsonl.done", "d.json.bad", "e.jsonl.bad", "notes.txt"} {
		if !exists(filepath.Join(dir, name)) {
			t.Errorf("%s missing", name)
		}
	}

	// A second scan finds nothing new.
	if n, err := w.Scan(context.Background()); err != nil || n != 0 {
		t.Errorf("rescan = %d, %v", n, err)
	}
}

func TestScan_UsesObservedAt(t *testing.T) {
	w, pipe, dir := setupSpool(t)
	at := t0.Add(-time.Hour)
	writeFile(t, dir, "a.json", `{"entityId": 1, "message": "timed", "observedAt": `+strconv.FormatInt(int64(protocol.MillisOf(at)), 10)+`}`)

	if _, err := w.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	msgs, err := pipe.Store().Recent(context.Background(), 1)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("Recent = %v, %v", msgs, err)
	}
	if !msgs[0].Timestamp.Equal(at) {
		t.Errorf("Timestamp = %v, want %v", msgs[0].Timestamp, at)
	}
}

func TestScan_LeavesUnsettledFilesAlone(t *testing.T) {
	ctx := context.Background()
	w, pipe, dir := setupSpool(t)
	w.settle = time.Hour
	path := filepath.Join(dir, "big.json")

	// Half of a record, as a slow writer would leave it mid-write.
	writeFile(t, dir, "big.json", `{"entityId": 1, "mess`)
	n, unsettled, err := w.scan(ctx)
	if err != nil || n != 0 || !unsettled {
		t.Fatalf("scan = %d, %v, %v; want 0, true, nil", n, unsettled, err)
	}
	if !exists(path) || exists(path+badSuffix) {
		t.Fatal("unsettled file was touched")
	}

	writeFile(t, dir, "big.json", `{"entityId": 1, "message": "complete"}`)
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}
	n, unsettled, err = w.scan(ctx)
	if err != nil || n != 1 || unsettled {
		t.Fatalf("scan after settle = %d, %v, %v; want 1, false, nil", n, unsettled, err)
	}
	if !exists(path+doneSuffix) || count(t, pipe) != 1 {
		t.Error("settled file not ingested")
	}
}

func TestScan_IgnoresDotFilesUntilRenamed(t *testing.T) {
	w, pipe, dir := setupSpool(t)
	writeFile(t, dir, ".incoming.json", `{"entityId": 1, "message": "staged"}`)

	if n, err := w.Scan(context.Background()); err != nil || n != 0 {
		t.Fatalf("Scan with staged file = %d, %v", n, err)
	}
	if err := os.Rename(filepath.Join(dir, ".incoming.json"), filepath.Join(dir, "incoming.json")); err != nil {
		t.Fatal(err)
	}
	if n, err := w.Scan(context.Background()); err != nil || n != 1 {
		t.Fatalf("Scan after rename = %d, %v", n, err)
	}
	if count(t, pipe) != 1 {
		t.Error("renamed file not ingested")
	}
}

func TestSpoolWatcher_RunPicksUpNewFiles(t *testing.T) {
	w, pipe, dir := setupSpool(t)
	// Fresh files are deferred and picked up by the settle rescan.
	w.settle = 200 * time.Millisecond
	writeFile(t, dir, "early.json", `{"entityId": 1, "message": "before start"}`)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()
	defer func() {
		cancel()
		if err := <-errc; err != nil {
			t.Errorf("Run: %v", err)
		}
	}()

	waitFor(t, func() bool { return exists(filepath.Join(dir, "early.json.done")) })

	writeFile(t, dir, "late.json", `{"entityId": 2, "message": "after start"}`)
	waitFor(t, func() bool { return exists(filepath.Join(dir, "late.json.done")) })

	if c := count(t, pipe); c != 2 {
		t.Errorf("Count = %d, want 2", c)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 5s")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
