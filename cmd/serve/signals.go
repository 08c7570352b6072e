package serve

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// handleSignals cancels the graceful shutdown context on the first
// interrupt or terminate signal. Teardown itself runs in runServer once
// the cancellation is observed.
func handleSignals(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) {
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(shutdownCh)
		select {
		case sig := <-shutdownCh:
			logger.Info("Received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
}
