package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"tether/pkg/protocol"
)

// fakeAuthority is an in-process remote authority. It enforces the
// dashboard version check the way the real server does.
type fakeAuthority struct {
	mu        sync.Mutex
	version   int
	dashboard protocol.DashboardSnapshot
	uploads   int
	speakFail bool
	speaks    []map[string]any
	statuses  []map[string]any
	telemetry [][]protocol.TelemetryEntry
}

func (f *fakeAuthority) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.URL.Path == protocol.PathDashboard && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "version": f.version, "dashboard": f.dashboard})

	case r.URL.Path == protocol.PathDashboard && r.Method == http.MethodPost:
		var body struct {
			Version   int                        `json:"version"`
			Dashboard protocol.DashboardSnapshot `json:"dashboard"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
			return
		}
		if body.Version != f.version {
			writeJSON(w, http.StatusConflict, map[string]any{"success": false, "error": protocol.ErrCodeVersionConflict, "version": f.version})
			return
		}
		f.uploads++
		f.version++
		f.dashboard = body.Dashboard
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "version": f.version})

	case r.URL.Path == protocol.PathSpeak:
		if f.speakFail {
			writeJSON(w, http.StatusBadGateway, map[string]any{"success": false, "error": "upstream down"})
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.speaks = append(f.speaks, body)
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"targets": []map[string]any{{"entityId": 2, "pushed": true, "mode": "push"}, {"entityId": 3, "pushed": false, "mode": "polling"}},
		})

	case r.URL.Path == protocol.PathStatus:
		writeJSON(w, http.StatusOK, f.statuses)

	case r.URL.Path == protocol.PathTelemetry:
		var body struct {
			Entries []protocol.TelemetryEntry `json:"entries"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.telemetry = append(f.telemetry, body.Entries)
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	default:
		http.NotFound(w, r)
	}
}

// locked runs fn while holding the server lock. Tests touch server
// state only through it.
func (f *fakeAuthority) locked(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn()
}

func (f *fakeAuthority) telemetryEntries() []protocol.TelemetryEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []protocol.TelemetryEntry
	for _, batch := range f.telemetry {
		all = append(all, batch...)
	}
	return all
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// setupCLI points the CLI at a temp home and a fake authority at
// version 1 with an empty dashboard.
func setupCLI(t *testing.T) *fakeAuthority {
	t.Helper()
	f := &fakeAuthority{version: 1, dashboard: protocol.EmptyDashboard()}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	t.Setenv("TETHER_HOME", t.TempDir())
	t.Setenv("TETHER_CONFIG", "")
	t.Setenv("TETHER_DB_PATH", "")
	t.Setenv("TETHER_BASE_URL", srv.URL)
	t.Setenv("TETHER_DEVICE_ID", "dev-test")
	t.Setenv("TETHER_DEVICE_SECRET", "topsecret")
	t.Setenv("TETHER_LOG_LEVEL", "error")
	return f
}

// mustRun executes args and fails the test on error.
func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, stderr, err := executeCommand(args...)
	if err != nil {
		t.Fatalf("tether %v: %v\nstderr: %s", args, err, stderr)
	}
	return out
}
