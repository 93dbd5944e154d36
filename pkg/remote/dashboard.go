package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"tether/pkg/protocol"
)

type dashboardResponse struct {
	Success   bool                        `json:"success"`
	Dashboard *protocol.DashboardSnapshot `json:"dashboard"`
	Version   *int                        `json:"version"`
	Message   string                      `json:"message"`
	Error     string                      `json:"error"`
}

type dashboardUpload struct {
	DeviceID     string                     `json:"deviceId"`
	DeviceSecret string                     `json:"deviceSecret"`
	Version      int                        `json:"version"`
	Dashboard    protocol.DashboardSnapshot `json:"dashboard"`
}

// FetchDashboard downloads the authoritative dashboard snapshot. The
// returned snapshot's Version is the server's version.
func (c *Client) FetchDashboard(ctx context.Context) (protocol.DashboardSnapshot, error) {
	const op = "fetch dashboard"
	resp, err := c.roundTrip(ctx, op, http.MethodGet, c.endpoint(protocol.PathDashboard, c.credQuery()), nil, false)
	if err != nil {
		return protocol.DashboardSnapshot{}, err
	}
	if !resp.ok() {
		return protocol.DashboardSnapshot{}, classify(op, resp)
	}

	var payload dashboardResponse
	if err := json.Unmarshal(resp.body, &payload); err != nil {
		return protocol.DashboardSnapshot{}, &protocol.ValidationError{Field: "dashboard response", Reason: err.Error()}
	}
	if !payload.Success || payload.Dashboard == nil {
		msg := payload.Error
		if msg == "" {
			msg = payload.Message
		}
		if msg == "" {
			msg = "no dashboard in response"
		}
		return protocol.DashboardSnapshot{}, &APIError{Op: op, Message: msg}
	}

	snap := normalize(*payload.Dashboard)
	if payload.Version != nil {
		snap.Version = *payload.Version
	}
	return snap, nil
}

// UploadDashboard sends snap, based on snap.Version, to the remote
// authority. A version mismatch is reported as UploadConflict, not as an
// error; errors are reserved for transport and credential failures.
func (c *Client) UploadDashboard(ctx context.Context, snap protocol.DashboardSnapshot) (protocol.UploadResult, error) {
	res, err := c.uploadDashboard(ctx, snap)
	if err == nil {
		c.log.Debug("dashboard upload answered", "base_version", snap.Version, "result", describeUpload(res))
	}
	return res, err
}

func (c *Client) uploadDashboard(ctx context.Context, snap protocol.DashboardSnapshot) (protocol.UploadResult, error) {
	const op = "upload dashboard"
	body := dashboardUpload{
		DeviceID:     c.creds.DeviceID,
		DeviceSecret: c.creds.DeviceSecret,
		Version:      snap.Version,
		Dashboard:    snap,
	}
	resp, err := c.roundTrip(ctx, op, http.MethodPost, c.endpoint(protocol.PathDashboard, nil), body, false)
	if err != nil {
		return nil, err
	}

	var payload dashboardResponse
	decodeErr := json.Unmarshal(resp.body, &payload)

	// The conflict answer may come back as 409 or as a 200 envelope.
	if decodeErr == nil && payload.Error == protocol.ErrCodeVersionConflict {
		remote := 0
		if payload.Version != nil {
			remote = *payload.Version
		}
		return protocol.UploadConflict{RemoteVersion: remote}, nil
	}

	if !resp.ok() {
		err := classify(op, resp)
		var valErr *protocol.ValidationError
		if errors.As(err, &valErr) {
			return protocol.UploadRejected{Reason: valErr.Reason}, nil
		}
		return nil, err
	}
	if decodeErr != nil {
		return nil, &protocol.ValidationError{Field: "upload response", Reason: decodeErr.Error()}
	}
	if !payload.Success {
		reason := payload.Error
		if reason == "" {
			reason = payload.Message
		}
		if reason == "" {
			reason = "upload failed"
		}
		return protocol.UploadRejected{Reason: reason}, nil
	}

	version := snap.Version + 1
	if payload.Version != nil {
		version = *payload.Version
	}
	return protocol.UploadAccepted{Version: version}, nil
}

// normalize replaces absent lists with empty ones so that callers can
// compare and render without nil checks.
func normalize(s protocol.DashboardSnapshot) protocol.DashboardSnapshot {
	if s.TodoList == nil {
		s.TodoList = []protocol.Item{}
	}
	if s.MissionList == nil {
		s.MissionList = []protocol.Item{}
	}
	if s.DoneList == nil {
		s.DoneList = []protocol.Item{}
	}
	if s.Notes == nil {
		s.Notes = []protocol.Note{}
	}
	if s.Rules == nil {
		s.Rules = []protocol.Rule{}
	}
	return s
}

// describeUpload renders an UploadResult for logs.
func describeUpload(r protocol.UploadResult) string {
	switch v := r.(type) {
	case protocol.UploadAccepted:
		return fmt.Sprintf("accepted (version %d)", v.Version)
	case protocol.UploadConflict:
		return fmt.Sprintf("conflict (remote version %d)", v.RemoteVersion)
	case protocol.UploadRejected:
		return "rejected: " + v.Reason
	default:
		return "unknown"
	}
}
