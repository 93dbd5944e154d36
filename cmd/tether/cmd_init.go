package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"tether/pkg/config"
	"tether/pkg/localstore"
)

// newInitCmd creates the "tether init" subcommand.
func newInitCmd() *cobra.Command {
	var (
		baseURL  string
		deviceID string
		secret   string
		force    bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the config file and create the state database",
		Long:  "Writes a YAML config under $TETHER_HOME (default ~/.tether) with a\nfresh device id, and creates the local state database.",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := config.ResolvePaths()
			if err != nil {
				return err
			}
			cfgPath := paths.ConfigPath
			if ext := strings.ToLower(filepath.Ext(cfgPath)); ext != ".yaml" && ext != ".yml" {
				return fmt.Errorf("init writes YAML, but the config path is %s; point TETHER_CONFIG at a .yaml file", cfgPath)
			}
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("config %s already exists (use --force to overwrite)", cfgPath)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("stat config: %w", err)
			}

			cfg, err := config.Load("")
			if err != nil {
				return err
			}
			if baseURL != "" {
				cfg.BaseURL = strings.TrimRight(baseURL, "/")
			}
			if secret != "" {
				cfg.DeviceSecret = secret
			}
			switch {
			case deviceID != "":
				cfg.DeviceID = deviceID
			case cfg.DeviceID == "":
				cfg.DeviceID = uuid.NewString()
			}
			cfg.Poll.SpoolDir = paths.SpoolDir
			if err := cfg.Validate(); err != nil {
				return err
			}

			if err := config.WriteYAML(cfgPath, cfg); err != nil {
				return err
			}
			if err := os.MkdirAll(paths.SpoolDir, 0o700); err != nil {
				return fmt.Errorf("create spool dir: %w", err)
			}
			db, err := localstore.OpenDB(cmd.Context(), paths.StateDBPath)
			if err != nil {
				return err
			}
			_ = db.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wrote %s\n", cfgPath)
			fmt.Fprintf(out, "Device id: %s\n", cfg.DeviceID)
			fmt.Fprintf(out, "State db:  %s\n", paths.StateDBPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "", "remote authority base URL")
	cmd.Flags().StringVar(&deviceID, "device-id", "", "device id (default: generated)")
	cmd.Flags().StringVar(&secret, "device-secret", "", "device secret issued at provisioning")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}
