package protocol

import "time"

// Directory and path constants used throughout tether.
const (
	// TetherDir is the user-level state directory (e.g., ~/.tether).
	TetherDir = ".tether"

	// StateDBName is the SQLite file holding kv and chat_messages.
	StateDBName = "state.db"
)

// LocalStore keys.
const (
	KeyDashboard       = "dashboard.snapshot"
	KeyHistorySyncedAt = "chat.history_synced_at"
)

// Policy defaults. These are tunable through config; nothing depends on
// the exact figures beyond "bounded".
const (
	DefaultDedupWindow    = 5 * time.Minute
	DefaultRetentionLimit = 500

	DefaultTelemetryMaxBuffer     = 200
	DefaultTelemetryMaxBatch      = 50
	DefaultTelemetryFlushInterval = 30 * time.Second

	DefaultPollInterval = 10 * time.Second
	DefaultHTTPTimeout  = 10 * time.Second
)

// RemoteAuthority endpoint paths, relative to the configured base URL.
const (
	PathDashboard   = "/api/mission/dashboard"
	PathTelemetry   = "/api/device-telemetry"
	PathStatus      = "/api/status"
	PathChatHistory = "/api/chat/history"
	PathSpeak       = "/api/client/speak"
)
