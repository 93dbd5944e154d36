package telemetry

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"tether/pkg/clock"
	"tether/pkg/protocol"
)

const (
	maxBodySummary = 512
	maxValueLen    = 100
	redacted       = "[REDACTED]"
)

// sensitiveKeys are matched case-insensitively as substrings of a field
// or query parameter name.
var sensitiveKeys = []string{"devicesecret", "botsecret", "password", "secret", "token", "jwt"} //nolint:gochecknoglobals // read-only lookup table

// Transport is an http.RoundTripper that records an api_call entry for
// every request it forwards. Secrets never reach the entry. Requests to
// the telemetry endpoint itself pass through unrecorded.
type Transport struct {
	Base    http.RoundTripper
	Tracker *Tracker
	Clock   clock.Clock
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.Tracker == nil || strings.HasSuffix(req.URL.Path, protocol.PathTelemetry) {
		return base.RoundTrip(req)
	}
	clk := t.Clock
	if clk == nil {
		clk = clock.Real()
	}

	input := summarizeRequest(req)
	action := req.Method + " " + req.URL.Path
	start := clk.Now()

	resp, err := base.RoundTrip(req)
	elapsed := clk.Now().Sub(start)
	if err != nil {
		t.Tracker.APICall(action, input, map[string]any{
			"success": false,
			"error":   truncate(err.Error(), maxErrorLen),
		}, elapsed)
		return nil, err
	}

	output := map[string]any{
		"status":  resp.StatusCode,
		"success": resp.StatusCode >= 200 && resp.StatusCode < 300,
	}
	if resp.StatusCode >= 300 {
		output["error"] = truncate(http.StatusText(resp.StatusCode), maxErrorLen)
	}
	t.Tracker.APICall(action, input, output, elapsed)
	return resp, nil
}

// summarizeRequest returns a redacted, truncated view of the query
// parameters and the JSON body, read through GetBody so the request is
// left untouched. It returns nil when there is nothing to show.
func summarizeRequest(req *http.Request) map[string]any {
	summary := map[string]any{}
	for k, vs := range req.URL.Query() {
		if len(vs) > 0 {
			summary[k] = redactValue(k, vs[0])
		}
	}

	if req.Body != nil && req.Body != http.NoBody {
		switch {
		case req.ContentLength > maxBodySummary || req.GetBody == nil:
			summary["_truncated"] = true
			summary["size"] = req.ContentLength
		default:
			if body, err := req.GetBody(); err == nil {
				raw, err := io.ReadAll(body)
				_ = body.Close()
				if err == nil {
					summarizeBody(raw, req.Header.Get("Content-Encoding"), summary)
				}
			}
		}
	}

	if len(summary) == 0 {
		return nil
	}
	return summary
}

func summarizeBody(raw []byte, encoding string, summary map[string]any) {
	if len(raw) > maxBodySummary || encoding != "" {
		summary["_truncated"] = true
		summary["size"] = len(raw)
		return
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return
	}
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			summary[k] = redactValue(k, val)
		case float64, bool, nil:
			if isSensitive(k) {
				summary[k] = redacted
			} else {
				summary[k] = val
			}
		default:
			// Nested objects and arrays are not summarized.
		}
	}
}

func redactValue(key, value string) any {
	if isSensitive(key) {
		return redacted
	}
	if len([]rune(value)) > maxValueLen {
		return truncate(value, maxValueLen) + "..."
	}
	return value
}

func isSensitive(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}
