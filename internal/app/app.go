package app

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"settld-gateway/config"
	"settld-gateway/internal/analytics"
	"settld-gateway/internal/broker"
	"settld-gateway/internal/gates/service"
	"settld-gateway/internal/infrastructure/auth"
	"settld-gateway/internal/infrastructure/grpcserver"
	"settld-gateway/internal/infrastructure/metrics"
	"settld-gateway/internal/infrastructure/tracing"
	"settld-gateway/internal/maintenance"
	"settld-gateway/internal/store"
	memorystore "settld-gateway/internal/store/memory"
	postgresstore "settld-gateway/internal/store/postgres"
	"settld-gateway/internal/tokens/keyset"
	"settld-gateway/internal/webhooks"
	"settld-gateway/pkg/crypto"
	"settld-gateway/pkg/log"
	"settld-gateway/pkg/server"
)

// App is the wired API process.
type App struct {
	cfg       *config.Configs
	logger    *zap.Logger
	store     store.Store
	service   *service.Service
	scheduler *maintenance.Scheduler
	receiver  *webhooks.Receiver
	metrics   *metrics.Metrics
	signer    *crypto.SigningKey
	auth      *auth.Authenticator
	ops       *auth.OpsTokenService
	keyset    *keyset.Client
}

// Run boots the API server and blocks until shutdown.
func Run() {
	logger := log.New()
	defer logger.Sync()

	ctx := log.ContextWithLogger(context.Background(), logger)

	cfg := config.MustLoad()
	app, cleanup, err := New(ctx, cfg)
	if err != nil {
		logger.Fatal("boot failed", zap.Error(err))
	}
	defer cleanup()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing.OTLPEndpoint, cfg.Tracing.ServiceName)
	if err != nil {
		logger.Fatal("tracing setup failed", zap.Error(err))
	}
	defer shutdownTracing(context.Background())

	httpServer := server.New(cfg.APP.Port, app.Router(), cfg.APP.Timeout)

	var grpcSrv *grpcserver.Server
	if cfg.GRPC.Port != "" {
		grpcSrv = grpcserver.New(cfg.GRPC.Port, logger)
		go func() {
			if err := grpcSrv.Start(); err != nil {
				logger.Error("grpc server stopped", zap.Error(err))
			}
		}()
	}

	go func() {
		logger.Info("api server listening", zap.String("addr", cfg.APP.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
	if grpcSrv != nil {
		grpcSrv.Stop()
	}
}

// New wires every component from config. The returned cleanup closes
// long-lived connections.
func New(ctx context.Context, cfg *config.Configs) (*App, func(), error) {
	logger := log.LoggerFromContext(ctx)
	cleanups := make([]func(), 0)
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	// Store: Postgres when a DSN is configured, memory otherwise.
	var st store.Store
	if cfg.Store.DSN != "" {
		pg, err := postgresstore.New(cfg.Store.DSN)
		if err != nil {
			return nil, cleanup, err
		}
		cleanups = append(cleanups, pg.Close)
		st = pg
		logger.Info("postgres store connected")
	} else {
		st = memorystore.New()
		logger.Info("using in-memory store")
	}

	signer, err := loadSigner(cfg)
	if err != nil {
		return nil, cleanup, err
	}
	logger.Info("tenant signing key ready", zap.String("key_id", signer.KeyID))

	keysetClient, err := keyset.NewClient(keyset.ClientOptions{
		WellKnownURL: cfg.Keyset.WellKnownURL,
		FetchTimeout: cfg.Keyset.FetchTimeout,
		CacheTTL:     cfg.Keyset.CacheTTL,
		PinnedKeyPEM: cfg.Keyset.PinnedKeyPEM,
	})
	if err != nil {
		return nil, cleanup, err
	}

	opts := []service.Option{}
	if cfg.NATS.URL != "" {
		js, err := broker.NewJetStream(broker.JetStreamConfig{
			URL:        cfg.NATS.URL,
			StreamName: cfg.NATS.StreamName,
			Subjects:   []string{cfg.NATS.Subject + ".>"},
		})
		if err != nil {
			logger.Warn("nats unavailable, event fan-out disabled", zap.Error(err))
		} else {
			cleanups = append(cleanups, js.Close)
			opts = append(opts, service.WithPublisher(broker.NewJetStreamPublisher(js, cfg.NATS.Subject)))
			logger.Info("jetstream event fan-out enabled")
		}
	} else if cfg.Rabbit.URL != "" {
		pub, err := broker.NewRabbitPublisher(cfg.Rabbit.URL, cfg.Rabbit.Exchange)
		if err != nil {
			logger.Warn("rabbitmq unavailable, event fan-out disabled", zap.Error(err))
		} else {
			opts = append(opts, service.WithPublisher(pub))
			logger.Info("rabbitmq event fan-out enabled")
		}
	}
	if cfg.ClickHouse.DSN != "" {
		sink, err := analytics.NewClickHouseSink(cfg.ClickHouse.DSN, cfg.ClickHouse.Table)
		if err != nil {
			logger.Warn("clickhouse unavailable, analytics disabled", zap.Error(err))
		} else {
			cleanups = append(cleanups, func() { sink.Close() })
			opts = append(opts, service.WithAnalytics(sink))
			logger.Info("clickhouse analytics enabled")
		}
	}

	svc := service.New(st, signer, keysetClient, service.Config{
		TenantID:             cfg.APP.TenantID,
		GateExpiry:           cfg.Maintenance.GateExpiry,
		DemoAutofund:         cfg.APP.DemoAutofund,
		WebhookDestinationID: cfg.Webhook.DestinationID,
	}, opts...)

	m := metrics.New()

	dispatcher := webhooks.NewDispatcher(cfg.Webhook.DestinationURL, cfg.Webhook.Secret, cfg.Webhook.AckTimeout)
	scheduler := maintenance.New(st, svc, dispatcher, m, maintenance.Config{
		TenantID:    cfg.APP.TenantID,
		Interval:    cfg.Maintenance.TickInterval,
		TickBudget:  cfg.Maintenance.TickBudget,
		ExpiryGrace: cfg.Maintenance.ExpiryGrace,
		SweepBatch:  cfg.Maintenance.SweepBatch,
		OutboxBatch: cfg.Maintenance.OutboxBatch,
		Backoff: maintenance.BackoffPolicy{
			BaseMs:   cfg.Webhook.RetryBaseMs,
			MaxMs:    cfg.Webhook.RetryMaxMs,
			RetryMax: cfg.Webhook.RetryMax,
		},
	})

	var artifacts webhooks.ArtifactStore
	if cfg.Mongo.URI != "" {
		mongoStore, err := webhooks.NewMongoArtifactStore(ctx, cfg.Mongo.URI, cfg.Mongo.Database, cfg.Mongo.Collection)
		if err != nil {
			logger.Warn("mongo unavailable, using filesystem artifact store", zap.Error(err))
			artifacts = webhooks.NewFSArtifactStore(cfg.Webhook.ArtifactDir)
		} else {
			artifacts = mongoStore
			logger.Info("mongo artifact store enabled")
		}
	} else {
		artifacts = webhooks.NewFSArtifactStore(cfg.Webhook.ArtifactDir)
	}
	journal, err := webhooks.NewDedupeLog(cfg.Webhook.ArtifactDir + "/dedupe.log.jsonl")
	if err != nil {
		return nil, cleanup, err
	}
	receiver := webhooks.NewReceiver(st, artifacts, journal, cfg.Webhook.Secret, cfg.Webhook.TimestampSkew)

	keys := make([]auth.APIKey, 0, 2)
	if cfg.APP.APIKey != "" {
		keys = append(keys, auth.APIKey{
			Key:      cfg.APP.APIKey,
			TenantID: cfg.APP.TenantID,
			Scopes:   []auth.Scope{auth.ScopeAPI},
		})
	}
	if cfg.APP.OpsAPIKey != "" {
		keys = append(keys, auth.APIKey{
			Key:      cfg.APP.OpsAPIKey,
			TenantID: cfg.APP.TenantID,
			Scopes:   []auth.Scope{auth.ScopeAPI, auth.ScopeOps},
		})
	}

	return &App{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		service:   svc,
		scheduler: scheduler,
		receiver:  receiver,
		metrics:   m,
		signer:    signer,
		auth:      auth.NewAuthenticator(keys),
		ops:       auth.NewOpsTokenService(cfg.JWT.OpsSecret, cfg.JWT.OpsTokenTTL, cfg.JWT.Issuer),
		keyset:    keysetClient,
	}, cleanup, nil
}

// Service exposes the gate service (worker binary reuse).
func (a *App) Service() *service.Service { return a.service }

// Scheduler exposes the maintenance scheduler (worker binary reuse).
func (a *App) Scheduler() *maintenance.Scheduler { return a.scheduler }

func loadSigner(cfg *config.Configs) (*crypto.SigningKey, error) {
	if cfg.Signing.TenantKeyPEM != "" {
		return crypto.ParseSigningKeyPEM([]byte(cfg.Signing.TenantKeyPEM))
	}
	if cfg.Signing.TenantKeyFile != "" {
		pemBytes, err := os.ReadFile(cfg.Signing.TenantKeyFile)
		if err != nil {
			return nil, err
		}
		return crypto.ParseSigningKeyPEM(pemBytes)
	}
	// Dev fallback: ephemeral key per process.
	return crypto.GenerateSigningKey()
}
