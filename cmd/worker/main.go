package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"settld-gateway/config"
	"settld-gateway/internal/app"
	"settld-gateway/pkg/log"
)

// The worker runs the maintenance scheduler only: holdback auto-release,
// gate expiry, reconciliation, and the outbox retry pump.
func main() {
	logger := log.New()
	defer logger.Sync()

	ctx, cancel := context.WithCancel(log.ContextWithLogger(context.Background(), logger))
	defer cancel()

	cfg := config.MustLoad()
	wired, cleanup, err := app.New(ctx, cfg)
	if err != nil {
		logger.Fatal("boot failed", zap.Error(err))
	}
	defer cleanup()

	go wired.Scheduler().Run(ctx)
	logger.Info("worker started", zap.String("tenant_id", cfg.APP.TenantID))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()
	logger.Info("worker stopped")
}
