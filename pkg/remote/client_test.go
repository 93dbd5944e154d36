package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"tether/pkg/clock"
	"tether/pkg/protocol"
)

var testCreds = protocol.Credentials{DeviceID: "dev-1", DeviceSecret: "s3cret"} //nolint:gochecknoglobals // test fixture

func newTestClient(t *testing.T, h http.Handler, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL+"/", testCreds, opts...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewClient_RejectsBadBaseURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://x", "://bad"} {
		var ve *protocol.ValidationError
		if _, err := NewClient(raw, testCreds); !errors.As(err, &ve) {
			t.Errorf("NewClient(%q) = %v, want ValidationError", raw, err)
		}
	}
}

func TestFetchDashboard(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != protocol.PathDashboard || r.Method != http.MethodGet {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.URL.Query().Get("deviceId") != "dev-1" || r.URL.Query().Get("deviceSecret") != "s3cret" {
			t.Errorf("credentials missing from query: %s", r.URL.RawQuery)
		}
		writeJSON(w, 200, map[string]any{
			"success": true,
			"version": 9,
			"dashboard": map[string]any{
				"todoList": []map[string]any{{"id": "a", "title": "ship", "priority": "HIGH", "status": "PENDING", "updatedAt": 1}},
				"version":  8,
			},
		})
	}))

	snap, err := c.FetchDashboard(context.Background())
	if err != nil {
		t.Fatalf("FetchDashboard: %v", err)
	}
	if snap.Version != 9 {
		t.Errorf("Version = %d, want the envelope version 9", snap.Version)
	}
	if len(snap.TodoList) != 1 || snap.TodoList[0].Title != "ship" {
		t.Errorf("TodoList = %+v", snap.TodoList)
	}
	if snap.MissionList == nil || snap.Notes == nil || snap.Rules == nil {
		t.Error("absent lists should be normalized to empty slices")
	}
}

func TestFetchDashboard_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   any
		check  func(error) bool
	}{
		{"unauthorized", 401, map[string]any{"error": "bad secret"}, func(err error) bool {
			var e *protocol.AuthError
			return errors.As(err, &e) && e.Reason == "bad secret"
		}},
		{"server error", 503, map[string]any{"message": "down"}, func(err error) bool {
			var e *protocol.NetworkError
			return errors.As(err, &e) && e.Status == 503 && protocol.IsRetryable(err)
		}},
		{"bad request", 400, map[string]any{"error": "missing deviceId"}, func(err error) bool {
			var e *protocol.ValidationError
			return errors.As(err, &e)
		}},
		{"envelope failure", 200, map[string]any{"success": false, "error": "no such device"}, func(err error) bool {
			var e *APIError
			return errors.As(err, &e) && e.Message == "no such device"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, tt.status, tt.body)
			}))
			_, err := c.FetchDashboard(context.Background())
			if !tt.check(err) {
				t.Errorf("FetchDashboard error = %#v", err)
			}
		})
	}
}

func TestFetchDashboard_TransportErrorIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewClient(url, testCreds)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	_, err = c.FetchDashboard(context.Background())
	if !protocol.IsRetryable(err) {
		t.Errorf("error = %v, want retryable NetworkError", err)
	}
}

func TestUploadDashboard_Results(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   any
		want   protocol.UploadResult
	}{
		{"accepted with version", 200, map[string]any{"success": true, "version": 4}, protocol.UploadAccepted{Version: 4}},
		{"accepted without version", 200, map[string]any{"success": true}, protocol.UploadAccepted{Version: 4}},
		{"conflict as 409", 409, map[string]any{"success": false, "error": "VERSION_CONFLICT", "version": 5}, protocol.UploadConflict{RemoteVersion: 5}},
		{"conflict as 200", 200, map[string]any{"success": false, "error": "VERSION_CONFLICT", "version": 6}, protocol.UploadConflict{RemoteVersion: 6}},
		{"rejected envelope", 200, map[string]any{"success": false, "error": "too large"}, protocol.UploadRejected{Reason: "too large"}},
		{"rejected 4xx", 422, map[string]any{"error": "bad list"}, protocol.UploadRejected{Reason: "HTTP 422: bad list"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var got dashboardUpload
				if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
					t.Errorf("decode upload: %v", err)
				}
				if got.Version != 3 || got.DeviceID != "dev-1" || len(got.Dashboard.TodoList) != 1 {
					t.Errorf("upload body = %+v", got)
				}
				writeJSON(w, tt.status, tt.body)
			}))
			snap := protocol.EmptyDashboard()
			snap.Version = 3
			snap.TodoList = []protocol.Item{{ID: "a", Title: "x"}}

			res, err := c.UploadDashboard(context.Background(), snap)
			if err != nil {
				t.Fatalf("UploadDashboard: %v", err)
			}
			if res != tt.want {
				t.Errorf("result = %#v, want %#v", res, tt.want)
			}
		})
	}
}

func TestUploadDashboard_AuthFailureIsError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 403, map[string]any{"error": "revoked"})
	}))
	res, err := c.UploadDashboard(context.Background(), protocol.EmptyDashboard())
	var authErr *protocol.AuthError
	if res != nil || !errors.As(err, &authErr) {
		t.Errorf("UploadDashboard = (%v, %v), want AuthError", res, err)
	}
}

func TestSendTelemetry_Gzip(t *testing.T) {
	var gotEntries int
	var gotEncoding string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEncoding = r.Header.Get("Content-Encoding")
		var body io.Reader = r.Body
		if gotEncoding == "gzip" {
			zr, err := gzip.NewReader(r.Body)
			if err != nil {
				t.Errorf("gzip reader: %v", err)
				return
			}
			body = zr
		}
		var batch telemetryBatch
		if err := json.NewDecoder(body).Decode(&batch); err != nil {
			t.Errorf("decode: %v", err)
		}
		gotEntries = len(batch.Entries)
		w.WriteHeader(http.StatusNoContent)
	}), WithCompression(true))

	entries := []protocol.TelemetryEntry{{TS: 1, Type: protocol.TelemetryAction}, {TS: 2, Type: protocol.TelemetryPageView}}
	if err := c.SendTelemetry(context.Background(), entries); err != nil {
		t.Fatalf("SendTelemetry: %v", err)
	}
	if gotEncoding != "gzip" || gotEntries != 2 {
		t.Errorf("encoding=%q entries=%d", gotEncoding, gotEntries)
	}
}

func TestSendTelemetry_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
		retryable bool
	}{
		{401, true, false},
		{400, true, false},
		{429, false, true},
		{500, false, true},
	}
	for _, tt := range tests {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.status)
		}))
		err := c.SendTelemetry(context.Background(), nil)
		if protocol.IsPermanent(err) != tt.permanent || protocol.IsRetryable(err) != tt.retryable {
			t.Errorf("status %d: err=%v permanent=%v retryable=%v", tt.status, err, protocol.IsPermanent(err), protocol.IsRetryable(err))
		}
	}
}

func TestFetchStatus_Shapes(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bodies := map[string]string{
		"single":  `{"entityId":2,"message":"Hello","character":"PIG"}`,
		"array":   `[{"entityId":2,"message":"Hello","character":"PIG"}]`,
		"wrapped": `{"entities":[{"entityId":2,"message":"Hello","character":"PIG"}],"activeCount":1}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = io.WriteString(w, body)
			}), WithClock(clock.Fake(now)))
			got, err := c.FetchStatus(context.Background())
			if err != nil {
				t.Fatalf("FetchStatus: %v", err)
			}
			if len(got) != 1 {
				t.Fatalf("got %d records", len(got))
			}
			st := got[0]
			if st.EntityID != 2 || st.Text != "Hello" || st.Kind != "PIG" {
				t.Errorf("record = %+v", st)
			}
			if !st.ObservedAt.Equal(now) {
				t.Errorf("ObservedAt = %v, want local clock %v", st.ObservedAt, now)
			}
		})
	}
}

func TestFetchStatus_UsesServerTimestamp(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"entityId":1,"message":"hi","lastUpdated":1700000000000}`)
	}))
	got, err := c.FetchStatus(context.Background())
	if err != nil {
		t.Fatalf("FetchStatus: %v", err)
	}
	if got[0].ObservedAt.UnixMilli() != 1700000000000 {
		t.Errorf("ObservedAt = %v", got[0].ObservedAt)
	}
}

func TestFetchChatHistory(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("since") != "1000" || q.Get("limit") != "50" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		_, _ = io.WriteString(w, `{"success":true,"messages":[{"id":"17","entity_id":3,"text":"yo","source":"bot","is_from_user":false,"created_at":"2026-01-01T00:00:00Z"}]}`)
	}))
	msgs, err := c.FetchChatHistory(context.Background(), 1000, 50)
	if err != nil {
		t.Fatalf("FetchChatHistory: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "17" || msgs[0].EntityID == nil || *msgs[0].EntityID != 3 {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestSpeak(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeJSON(w, 200, map[string]any{
			"success": true,
			"targets": []map[string]any{
				{"entityId": 1, "pushed": true, "mode": "push"},
				{"entityId": 2, "pushed": false, "mode": "polling"},
			},
			"broadcast": true,
		})
	}))

	res, err := c.Speak(context.Background(), []int{1, 2}, "hi", "cli")
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if ids, ok := got["entityId"].([]any); !ok || len(ids) != 2 {
		t.Errorf("entityId sent as %#v, want list", got["entityId"])
	}
	if d := res.DeliveredTo(); len(d) != 1 || d[0] != 1 {
		t.Errorf("DeliveredTo = %v, want [1]", d)
	}

	if _, err := c.Speak(context.Background(), []int{7}, "solo", "cli"); err != nil {
		t.Fatalf("Speak single: %v", err)
	}
	if id, ok := got["entityId"].(float64); !ok || id != 7 {
		t.Errorf("single entityId sent as %#v, want scalar", got["entityId"])
	}

	var ve *protocol.ValidationError
	if _, err := c.Speak(context.Background(), nil, "x", "cli"); !errors.As(err, &ve) {
		t.Errorf("Speak with no targets = %v, want ValidationError", err)
	}
}

func TestUploadDashboard_LogsResult(t *testing.T) {
	var logs bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]any{"success": false, "error": protocol.ErrCodeVersionConflict, "version": 5})
	}), WithLogger(log))

	if _, err := c.UploadDashboard(context.Background(), protocol.EmptyDashboard()); err != nil {
		t.Fatalf("UploadDashboard: %v", err)
	}
	if !strings.Contains(logs.String(), `result="conflict (remote version 5)"`) {
		t.Errorf("log = %q", logs.String())
	}
	if strings.Contains(logs.String(), testCreds.DeviceSecret) {
		t.Error("device secret logged")
	}
}

func TestDescribeUpload(t *testing.T) {
	tests := []struct {
		in   protocol.UploadResult
		want string
	}{
		{protocol.UploadAccepted{Version: 4}, "accepted (version 4)"},
		{protocol.UploadConflict{RemoteVersion: 5}, "conflict (remote version 5)"},
		{protocol.UploadRejected{Reason: "too big"}, "rejected: too big"},
		{nil, "unknown"},
	}
	for _, tt := range tests {
		if got := describeUpload(tt.in); got != tt.want {
			t.Errorf("describeUpload(%#v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
