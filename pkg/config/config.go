// Package config loads the tether client configuration from YAML, TOML
// or JSONC files and applies environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"tether/pkg/protocol"
)

// Duration is a time.Duration written as a Go duration string ("30s")
// in every supported file format.
type Duration struct {
	time.Duration
}

// D is shorthand for building a Duration.
func D(d time.Duration) Duration { return Duration{d} }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the full client configuration.
type Config struct {
	BaseURL      string `yaml:"base_url" toml:"base_url" json:"base_url"`
	DeviceID     string `yaml:"device_id" toml:"device_id" json:"device_id"`
	DeviceSecret string `yaml:"device_secret" toml:"device_secret" json:"device_secret"`
	LogLevel     string `yaml:"log_level" toml:"log_level" json:"log_level"`

	Dashboard DashboardConfig `yaml:"dashboard" toml:"dashboard" json:"dashboard"`
	Chat      ChatConfig      `yaml:"chat" toml:"chat" json:"chat"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry" json:"telemetry"`
	Poll      PollConfig      `yaml:"poll" toml:"poll" json:"poll"`
	HTTP      HTTPConfig      `yaml:"http" toml:"http" json:"http"`
}

// DashboardConfig tunes the sync engine.
type DashboardConfig struct {
	// AutoUploadInterval is how often `tether run` uploads pending
	// edits. Zero disables auto-upload.
	AutoUploadInterval Duration `yaml:"auto_upload_interval" toml:"auto_upload_interval" json:"auto_upload_interval"`
}

// ChatConfig tunes the ingestion pipeline.
type ChatConfig struct {
	DedupWindow    Duration `yaml:"dedup_window" toml:"dedup_window" json:"dedup_window"`
	RetentionLimit int      `yaml:"retention_limit" toml:"retention_limit" json:"retention_limit"`
	HistorySync    bool     `yaml:"history_sync" toml:"history_sync" json:"history_sync"`
}

// TelemetryConfig tunes the telemetry buffer.
type TelemetryConfig struct {
	Enabled       bool     `yaml:"enabled" toml:"enabled" json:"enabled"`
	MaxBuffer     int      `yaml:"max_buffer" toml:"max_buffer" json:"max_buffer"`
	MaxBatch      int      `yaml:"max_batch" toml:"max_batch" json:"max_batch"`
	FlushInterval Duration `yaml:"flush_interval" toml:"flush_interval" json:"flush_interval"`
	Compress      bool     `yaml:"compress" toml:"compress" json:"compress"`
}

// PollConfig tunes the status poller and spool watcher.
type PollConfig struct {
	Interval Duration `yaml:"interval" toml:"interval" json:"interval"`
	SpoolDir string   `yaml:"spool_dir" toml:"spool_dir" json:"spool_dir"`
}

// HTTPConfig tunes the remote client.
type HTTPConfig struct {
	Timeout Duration `yaml:"timeout" toml:"timeout" json:"timeout"`
}

// Default returns a Config populated with the built-in defaults.
func Default() Config {
	return Config{
		LogLevel: "info",
		Chat: ChatConfig{
			DedupWindow:    D(protocol.DefaultDedupWindow),
			RetentionLimit: protocol.DefaultRetentionLimit,
		},
		Telemetry: TelemetryConfig{
			Enabled:       true,
			MaxBuffer:     protocol.DefaultTelemetryMaxBuffer,
			MaxBatch:      protocol.DefaultTelemetryMaxBatch,
			FlushInterval: D(protocol.DefaultTelemetryFlushInterval),
		},
		Poll: PollConfig{Interval: D(protocol.DefaultPollInterval)},
		HTTP: HTTPConfig{Timeout: D(protocol.DefaultHTTPTimeout)},
	}
}

// Load reads the config file at path on top of Default(), then applies
// environment overrides. A missing file is not an error: defaults plus
// env are returned so that `tether init` can bootstrap.
func Load(path string) (Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path) //nolint:gosec // path from trusted sources
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := decode(path, data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	return cfg, nil
}

// decode picks the codec from the file extension.
func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	case ".toml":
		return toml.Unmarshal(data, cfg)
	case ".json", ".jsonc":
		return json.Unmarshal(jsonc.ToJSON(data), cfg)
	default:
		return fmt.Errorf("unsupported config extension %q", filepath.Ext(path))
	}
}

// applyEnv overlays TETHER_* environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("TETHER_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("TETHER_DEVICE_ID"); v != "" {
		cfg.DeviceID = v
	}
	if v := os.Getenv("TETHER_DEVICE_SECRET"); v != "" {
		cfg.DeviceSecret = v
	}
	if v := os.Getenv("TETHER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	switch {
	case c.BaseURL == "":
		return &protocol.ValidationError{Field: "base_url", Reason: "must be set (config file or TETHER_BASE_URL)"}
	case c.Chat.DedupWindow.Duration < time.Millisecond:
		return &protocol.ValidationError{Field: "chat.dedup_window", Reason: "must be at least 1ms"}
	case c.Chat.RetentionLimit <= 0:
		return &protocol.ValidationError{Field: "chat.retention_limit", Reason: "must be positive"}
	case c.Telemetry.MaxBuffer <= 0:
		return &protocol.ValidationError{Field: "telemetry.max_buffer", Reason: "must be positive"}
	case c.Telemetry.MaxBatch <= 0 || c.Telemetry.MaxBatch > c.Telemetry.MaxBuffer:
		return &protocol.ValidationError{Field: "telemetry.max_batch", Reason: "must be positive and no larger than max_buffer"}
	case c.Telemetry.FlushInterval.Duration <= 0:
		return &protocol.ValidationError{Field: "telemetry.flush_interval", Reason: "must be positive"}
	case c.Poll.Interval.Duration <= 0:
		return &protocol.ValidationError{Field: "poll.interval", Reason: "must be positive"}
	}
	return nil
}

// Credentials returns the device credentials as the remote client wants them.
func (c Config) Credentials() protocol.Credentials {
	return protocol.Credentials{DeviceID: c.DeviceID, DeviceSecret: c.DeviceSecret}
}

// WriteYAML writes cfg to path as YAML with 0600 permissions, since the
// file carries the device secret.
func WriteYAML(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
