package cepa

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// shutdownGraceTimeout bounds how long Shutdown waits for in-flight
// requests to drain before giving up: scripts already running are let
// run to completion, but only up to this bound before process exit.
const shutdownGraceTimeout = 30 * time.Second

// Run starts srv's listeners and blocks until SIGTERM or SIGINT
// arrives, then shuts the server down. In-flight scripts run to
// completion, bounded by shutdownGraceTimeout.
func Run(srv *Server, log *zap.Logger) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	errCh := srv.ListenAndServe()

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("listener failed", zap.Error(err))
		srv.Shutdown(shutdownGraceTimeout)
		return err
	}

	srv.Shutdown(shutdownGraceTimeout)
	log.Info("shutdown complete")
	return nil
}
