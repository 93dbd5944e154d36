package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"tether/pkg/protocol"
)

// FetchStatus polls the entity status endpoint. The server has answered
// with a bare record, an array, and an {entities: [...]} wrapper over
// time, so all three shapes are accepted. Records without a server
// timestamp are stamped with the local clock.
func (c *Client) FetchStatus(ctx context.Context) ([]protocol.EntityStatus, error) {
	const op = "fetch status"
	resp, err := c.roundTrip(ctx, op, http.MethodGet, c.endpoint(protocol.PathStatus, c.credQuery()), nil, false)
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, classify(op, resp)
	}
	if !gjson.ValidBytes(resp.body) {
		return nil, &protocol.ValidationError{Field: "status response", Reason: "not JSON"}
	}
	return parseStatuses(gjson.ParseBytes(resp.body), c.clock.Now()), nil
}

func parseStatuses(root gjson.Result, now time.Time) []protocol.EntityStatus {
	var records []gjson.Result
	switch {
	case root.IsArray():
		records = root.Array()
	case root.Get("entities").IsArray():
		records = root.Get("entities").Array()
	case root.IsObject():
		records = []gjson.Result{root}
	}

	out := make([]protocol.EntityStatus, 0, len(records))
	for _, r := range records {
		if !r.IsObject() {
			continue
		}
		st := protocol.EntityStatus{
			EntityID: int(r.Get("entityId").Int()),
			Text:     r.Get("message").String(),
			Name:     r.Get("name").String(),
			Kind:     r.Get("character").String(),
		}
		ts := r.Get("lastUpdated").Int()
		if ts <= 0 {
			ts = now.UnixMilli()
		}
		st.ObservedAt = protocol.Millis(ts).Time()
		out = append(out, st)
	}
	return out
}

type historyResponse struct {
	Success  bool                      `json:"success"`
	Messages []protocol.HistoryMessage `json:"messages"`
	Error    string                    `json:"error"`
}

// FetchChatHistory returns backend chat rows created after since (zero
// means from the beginning), at most limit rows.
func (c *Client) FetchChatHistory(ctx context.Context, since protocol.Millis, limit int) ([]protocol.HistoryMessage, error) {
	const op = "fetch chat history"
	q := c.credQuery()
	if since > 0 {
		q.Set("since", strconv.FormatInt(int64(since), 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	resp, err := c.roundTrip(ctx, op, http.MethodGet, c.endpoint(protocol.PathChatHistory, q), nil, false)
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, classify(op, resp)
	}
	if err := checkEnvelope(op, resp.body); err != nil {
		return nil, err
	}
	var payload historyResponse
	if err := json.Unmarshal(resp.body, &payload); err != nil {
		return nil, &protocol.ValidationError{Field: "history response", Reason: err.Error()}
	}
	return payload.Messages, nil
}

// SpeakTarget is the per-recipient outcome of an outgoing message.
type SpeakTarget struct {
	EntityID int    `json:"entityId"`
	Pushed   bool   `json:"pushed"`
	Mode     string `json:"mode"`
}

// SpeakResult is the server's answer to an outgoing message.
type SpeakResult struct {
	Message   string        `json:"message"`
	Targets   []SpeakTarget `json:"targets"`
	Broadcast bool          `json:"broadcast"`
}

// DeliveredTo returns the recipients the server pushed the message to.
// Polling-mode recipients pick it up later and are not included.
func (r SpeakResult) DeliveredTo() []int {
	var ids []int
	for _, t := range r.Targets {
		if t.Pushed {
			ids = append(ids, t.EntityID)
		}
	}
	return ids
}

// Speak sends text to the target entities. A single target is sent as a
// scalar entityId, several as a list.
func (c *Client) Speak(ctx context.Context, targets []int, text, source string) (SpeakResult, error) {
	const op = "speak"
	if len(targets) == 0 {
		return SpeakResult{}, &protocol.ValidationError{Field: "targets", Reason: "at least one entity is required"}
	}
	var entity any = targets
	if len(targets) == 1 {
		entity = targets[0]
	}
	body := map[string]any{
		"deviceId":     c.creds.DeviceID,
		"deviceSecret": c.creds.DeviceSecret,
		"entityId":     entity,
		"text":         text,
		"source":       source,
	}
	resp, err := c.roundTrip(ctx, op, http.MethodPost, c.endpoint(protocol.PathSpeak, nil), body, false)
	if err != nil {
		return SpeakResult{}, err
	}
	if !resp.ok() {
		return SpeakResult{}, classify(op, resp)
	}
	if err := checkEnvelope(op, resp.body); err != nil {
		return SpeakResult{}, err
	}
	var out SpeakResult
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return SpeakResult{}, &protocol.ValidationError{Field: "speak response", Reason: err.Error()}
	}
	return out, nil
}
