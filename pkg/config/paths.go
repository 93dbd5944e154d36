package config

import (
	"fmt"
	"os"
	"path/filepath"

	"tether/pkg/protocol"
)

// Paths holds all resolved tether state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	Home        string // ~/.tether or TETHER_HOME
	ConfigPath  string // first existing config.{yaml,yml,toml,jsonc,json}, or TETHER_CONFIG
	StateDBPath string // state.db or TETHER_DB_PATH
	SpoolDir    string // spool/ (default for poll.spool_dir)
}

// configCandidates are tried in order when TETHER_CONFIG is unset.
var configCandidates = []string{"config.yaml", "config.yml", "config.toml", "config.jsonc", "config.json"} //nolint:gochecknoglobals // read-only lookup table

// ResolvePaths returns all tether paths, respecting env var overrides.
// Environment variables:
//   - TETHER_HOME: base directory for all state (default: ~/.tether)
//   - TETHER_CONFIG: config file (default: first existing $TETHER_HOME/config.*,
//     else $TETHER_HOME/config.yaml)
//   - TETHER_DB_PATH: state database (default: $TETHER_HOME/state.db)
func ResolvePaths() (*Paths, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, err
	}

	return &Paths{
		Home:        home,
		ConfigPath:  resolveConfigPath(home),
		StateDBPath: resolvePathWithEnv("TETHER_DB_PATH", home, protocol.StateDBName),
		SpoolDir:    filepath.Join(home, "spool"),
	}, nil
}

// resolveHome returns TETHER_HOME or ~/.tether.
func resolveHome() (string, error) {
	if v := os.Getenv("TETHER_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.TetherDir), nil
}

func resolveConfigPath(home string) string {
	if v := os.Getenv("TETHER_CONFIG"); v != "" {
		return v
	}
	for _, name := range configCandidates {
		p := filepath.Join(home, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(home, configCandidates[0])
}

// resolvePathWithEnv returns the path from envKey if set, otherwise joins base + suffix.
func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}
