package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tether/internal/appversion"
)

// newRootCmd creates the root tether command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tether",
		Short:         "Offline-first client for a shared mission dashboard",
		Long:          "tether keeps a local copy of the mission dashboard in sync with the\nremote authority, records entity chat without duplicates, and ships\ndiagnostic telemetry in the background.",
		Version:       fmt.Sprintf("tether %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error (default from config)")

	cmd.AddCommand(
		newInitCmd(),
		newStatusCmd(),
		newDashboardCmd(),
		newChatCmd(),
		newPollCmd(),
		newRunCmd(),
	)

	return cmd
}
