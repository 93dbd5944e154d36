// Package remote is the HTTP client for the remote authority: dashboard
// fetch and upload, telemetry ingestion, status polling, chat history
// and outgoing messages.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/tidwall/gjson"

	"tether/pkg/clock"
	"tether/pkg/protocol"
)

const (
	defaultUserAgent = "tether/1"
	maxResponseBytes = 4 << 20
)

// Client talks to the remote authority's HTTP API.
type Client struct {
	baseURL   *url.URL
	creds     protocol.Credentials
	http      *http.Client
	userAgent string
	compress  bool
	clock     clock.Clock
	log       *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client. The CLI uses this to
// install the telemetry round-tripper.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithCompression gzips telemetry request bodies.
func WithCompression(on bool) Option {
	return func(c *Client) { c.compress = on }
}

// WithClock sets the time source used to stamp status observations that
// carry no server timestamp.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient builds a Client for baseURL using creds on every request.
func NewClient(baseURL string, creds protocol.Credentials, opts ...Option) (*Client, error) {
	base, err := parseBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL:   base,
		creds:     creds,
		http:      &http.Client{Timeout: protocol.DefaultHTTPTimeout},
		userAgent: defaultUserAgent,
		clock:     clock.Real(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c, nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, &protocol.ValidationError{Field: "base_url", Reason: "empty"}
	}
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, &protocol.ValidationError{Field: "base_url", Reason: err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &protocol.ValidationError{Field: "base_url", Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	return u, nil
}

// credQuery returns the credential query parameters GET endpoints expect.
func (c *Client) credQuery() url.Values {
	v := url.Values{}
	v.Set("deviceId", c.creds.DeviceID)
	if c.creds.DeviceSecret != "" {
		v.Set("deviceSecret", c.creds.DeviceSecret)
	}
	return v
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// response is a completed HTTP exchange. Transport failures never
// produce one.
type response struct {
	status int
	body   []byte
}

func (r response) ok() bool { return r.status >= 200 && r.status < 300 }

// roundTrip performs one request. payload, when non-nil, is JSON-encoded
// and optionally gzipped. Only transport failures are returned as errors;
// status interpretation is left to the caller.
func (c *Client) roundTrip(ctx context.Context, op, method, target string, payload any, gz bool) (response, error) {
	var body io.Reader
	var encoding string
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return response{}, fmt.Errorf("%s: encode request: %w", op, err)
		}
		if gz {
			var buf bytes.Buffer
			zw := gzip.NewWriter(&buf)
			if _, err := zw.Write(raw); err != nil {
				return response{}, fmt.Errorf("%s: gzip request: %w", op, err)
			}
			if err := zw.Close(); err != nil {
				return response{}, fmt.Errorf("%s: gzip request: %w", op, err)
			}
			raw = buf.Bytes()
			encoding = "gzip"
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return response{}, fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return response{}, fmt.Errorf("%s: %w", op, ctxErr)
		}
		return response{}, &protocol.NetworkError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return response{}, &protocol.NetworkError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}
	c.log.Debug("remote request", "op", op, "method", method, "status", resp.StatusCode, "bytes", len(data))
	return response{status: resp.StatusCode, body: data}, nil
}

// classify maps a non-2xx response onto the error taxonomy.
func classify(op string, r response) error {
	msg := errorMessage(r.body)
	if msg == "" {
		msg = http.StatusText(r.status)
	}
	switch {
	case r.status == http.StatusUnauthorized || r.status == http.StatusForbidden:
		return &protocol.AuthError{Op: op, Reason: msg}
	case r.status == http.StatusTooManyRequests || r.status >= 500:
		return &protocol.NetworkError{Op: op, Status: r.status, Err: errors.New(msg)}
	default:
		return &protocol.ValidationError{Field: op + " request", Reason: fmt.Sprintf("HTTP %d: %s", r.status, msg)}
	}
}

// errorMessage pulls a human-readable message out of an error body
// without committing to one response shape.
func errorMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		return strings.TrimSpace(string(body))
	}
	for _, path := range []string{"error", "message", "error.message"} {
		if v := gjson.GetBytes(body, path); v.Exists() && v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}

// APIError is a 2xx response whose body reports success=false.
type APIError struct {
	Op      string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: remote reported failure: %s", e.Op, e.Message)
}

// checkEnvelope verifies the {success, error, message} envelope most
// endpoints wrap their payloads in. A body without a success field is
// accepted as-is.
func checkEnvelope(op string, body []byte) error {
	s := gjson.GetBytes(body, "success")
	if !s.Exists() || s.Bool() {
		return nil
	}
	msg := errorMessage(body)
	if msg == "" {
		msg = "unknown error"
	}
	return &APIError{Op: op, Message: msg}
}
