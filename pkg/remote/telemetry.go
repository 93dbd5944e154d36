package remote

import (
	"context"
	"net/http"

	"tether/pkg/protocol"
)

type telemetryBatch struct {
	DeviceID     string                    `json:"deviceId"`
	DeviceSecret string                    `json:"deviceSecret"`
	Entries      []protocol.TelemetryEntry `json:"entries"`
}

// SendTelemetry posts one batch. Any non-2xx answer is an error: 401/403
// as AuthError, 429/5xx as NetworkError, other 4xx as ValidationError.
func (c *Client) SendTelemetry(ctx context.Context, entries []protocol.TelemetryEntry) error {
	const op = "send telemetry"
	body := telemetryBatch{
		DeviceID:     c.creds.DeviceID,
		DeviceSecret: c.creds.DeviceSecret,
		Entries:      entries,
	}
	resp, err := c.roundTrip(ctx, op, http.MethodPost, c.endpoint(protocol.PathTelemetry, nil), body, c.compress)
	if err != nil {
		return err
	}
	if !resp.ok() {
		return classify(op, resp)
	}
	return nil
}
