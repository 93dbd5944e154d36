package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tether/pkg/protocol"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoad_FormatsAgree(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"config.yaml": `
base_url: https://example.test/
device_id: dev-1
telemetry:
  max_batch: 20
  flush_interval: 15s
chat:
  dedup_window: 2m
`,
		"config.toml": `
base_url = "https://example.test/"
device_id = "dev-1"

[telemetry]
max_batch = 20
flush_interval = "15s"

[chat]
dedup_window = "2m"
`,
		"config.jsonc": `{
  // comments are allowed
  "base_url": "https://example.test/",
  "device_id": "dev-1",
  "telemetry": {"max_batch": 20, "flush_interval": "15s",},
  "chat": {"dedup_window": "2m"}
}`,
	}

	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			cfg, err := Load(writeFile(t, dir, name, content))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.BaseURL != "https://example.test" {
				t.Errorf("BaseURL = %q (trailing slash should be trimmed)", cfg.BaseURL)
			}
			if cfg.DeviceID != "dev-1" {
				t.Errorf("DeviceID = %q", cfg.DeviceID)
			}
			if cfg.Telemetry.MaxBatch != 20 {
				t.Errorf("MaxBatch = %d", cfg.Telemetry.MaxBatch)
			}
			if cfg.Telemetry.FlushInterval.Duration != 15*time.Second {
				t.Errorf("FlushInterval = %v", cfg.Telemetry.FlushInterval)
			}
			if cfg.Chat.DedupWindow.Duration != 2*time.Minute {
				t.Errorf("DedupWindow = %v", cfg.Chat.DedupWindow)
			}
			// Untouched fields keep their defaults.
			if cfg.Telemetry.MaxBuffer != protocol.DefaultTelemetryMaxBuffer {
				t.Errorf("MaxBuffer = %d, want default", cfg.Telemetry.MaxBuffer)
			}
			if cfg.Chat.RetentionLimit != protocol.DefaultRetentionLimit {
				t.Errorf("RetentionLimit = %d, want default", cfg.Chat.RetentionLimit)
			}
		})
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telemetry.MaxBatch != protocol.DefaultTelemetryMaxBatch {
		t.Errorf("MaxBatch = %d", cfg.Telemetry.MaxBatch)
	}
	if cfg.Poll.Interval.Duration != protocol.DefaultPollInterval {
		t.Errorf("Poll.Interval = %v", cfg.Poll.Interval)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.yaml", "base_url: https://file.test\ndevice_secret: from-file\n")
	t.Setenv("TETHER_BASE_URL", "https://env.test")
	t.Setenv("TETHER_DEVICE_SECRET", "from-env")
	t.Setenv("TETHER_LOG_LEVEL", "debug")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BaseURL != "https://env.test" || cfg.DeviceSecret != "from-env" || cfg.LogLevel != "debug" {
		t.Errorf("env overrides not applied: %+v", cfg)
	}
}

func TestLoad_RejectsUnknownExtensionAndBadDuration(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(writeFile(t, dir, "config.ini", "x=1")); err == nil {
		t.Error("expected error for .ini")
	}
	if _, err := Load(writeFile(t, dir, "bad.yaml", "poll:\n  interval: soon\n")); err == nil {
		t.Error("expected error for unparseable duration")
	}
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.BaseURL = "https://x.test"
	if err := valid.Validate(); err != nil {
		t.Fatalf("default config with base url should validate: %v", err)
	}

	tests := []struct {
		name  string
		mut   func(*Config)
		field string
	}{
		{"no base url", func(c *Config) { c.BaseURL = "" }, "base_url"},
		{"zero window", func(c *Config) { c.Chat.DedupWindow = D(0) }, "chat.dedup_window"},
		{"sub-millisecond window", func(c *Config) { c.Chat.DedupWindow = D(500 * time.Microsecond) }, "chat.dedup_window"},
		{"zero retention", func(c *Config) { c.Chat.RetentionLimit = 0 }, "chat.retention_limit"},
		{"batch over buffer", func(c *Config) { c.Telemetry.MaxBatch = c.Telemetry.MaxBuffer + 1 }, "telemetry.max_batch"},
		{"zero flush", func(c *Config) { c.Telemetry.FlushInterval = D(0) }, "telemetry.flush_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mut(&cfg)
			var valErr *protocol.ValidationError
			if err := cfg.Validate(); !errors.As(err, &valErr) || valErr.Field != tt.field {
				t.Errorf("Validate() = %v, want ValidationError on %s", err, tt.field)
			}
		})
	}
}

func TestWriteYAML_RoundTrip(t *testing.T) {
	p := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cfg := Default()
	cfg.BaseURL = "https://x.test"
	cfg.DeviceID = "abc"
	cfg.Telemetry.FlushInterval = D(45 * time.Second)

	if err := WriteYAML(p, cfg); err != nil {
		t.Fatalf("WriteYAML: %v", err)
	}
	info, err := os.Stat(p)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("perm = %v, want 0600", info.Mode().Perm())
	}

	got, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.DeviceID != "abc" || got.Telemetry.FlushInterval.Duration != 45*time.Second {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestResolvePaths(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TETHER_HOME", home)
	t.Setenv("TETHER_CONFIG", "")
	t.Setenv("TETHER_DB_PATH", "")

	p, err := ResolvePaths()
	if err != nil {
		t.Fatalf("ResolvePaths: %v", err)
	}
	if p.ConfigPath != filepath.Join(home, "config.yaml") {
		t.Errorf("ConfigPath = %q", p.ConfigPath)
	}
	if p.StateDBPath != filepath.Join(home, "state.db") {
		t.Errorf("StateDBPath = %q", p.StateDBPath)
	}

	// An existing TOML config is discovered when no YAML exists.
	writeFile(t, home, "config.toml", "")
	p, _ = ResolvePaths()
	if p.ConfigPath != filepath.Join(home, "config.toml") {
		t.Errorf("ConfigPath = %q, want discovered toml", p.ConfigPath)
	}

	t.Setenv("TETHER_DB_PATH", "/tmp/custom.db")
	p, _ = ResolvePaths()
	if p.StateDBPath != "/tmp/custom.db" {
		t.Errorf("StateDBPath override ignored: %q", p.StateDBPath)
	}
}
