package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"settld-gateway/config"
	"settld-gateway/internal/proxy"
	"settld-gateway/pkg/log"
	"settld-gateway/pkg/server"
)

// The gateway is the transparent x402 reverse proxy. It fronts one upstream
// and talks to the gate API over HTTP.
func main() {
	logger := log.New()
	defer logger.Sync()

	var upstream string
	flag.StringVar(&upstream, "upstream", os.Getenv("GATEWAY_UPSTREAM_URL"), "upstream base URL to front")
	flag.Parse()
	if upstream == "" {
		logger.Fatal("no upstream configured: pass -upstream or set GATEWAY_UPSTREAM_URL")
	}

	cfg := config.MustLoad()

	client := proxy.NewHTTPClient(cfg.Gateway.SettldBaseURL, cfg.Gateway.APIKey, cfg.APP.TenantID)
	p, err := proxy.New(client, proxy.Config{
		Upstream:        upstream,
		UpstreamTimeout: cfg.Gateway.UpstreamTimeout,
		MaxResponseBody: cfg.Gateway.MaxResponseBody,
	})
	if err != nil {
		logger.Fatal("proxy setup failed", zap.Error(err))
	}

	httpServer := server.New(cfg.Gateway.Port, p, cfg.Gateway.UpstreamTimeout+10*time.Second)

	go func() {
		logger.Info("gateway listening",
			zap.String("addr", cfg.Gateway.Port),
			zap.String("upstream", upstream),
		)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("gateway failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
}
