package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// setupSignalHandler returns a context cancelled on the first SIGTERM or
// SIGINT. Callers should defer stop.
func setupSignalHandler(parent context.Context) (ctx context.Context, stop func()) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
