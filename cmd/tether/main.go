// Package main is the entry point for the tether CLI.
package main

import (
	"errors"
	"fmt"
	"os"

	"tether/pkg/protocol"
)

// Exit codes.
const (
	exitError    = 1
	exitConflict = 2
	exitAuth     = 3
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tether:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var conflict *protocol.VersionConflictError
	var authErr *protocol.AuthError
	switch {
	case errors.As(err, &conflict):
		return exitConflict
	case errors.As(err, &authErr):
		return exitAuth
	default:
		return exitError
	}
}
