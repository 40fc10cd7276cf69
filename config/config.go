package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	defaultAppMode    = "dev"
	defaultAppPort    = ":8402"
	defaultAppHost    = "http://localhost:8402"
	defaultAppTimeout = 60 * time.Second
)

type Configs struct {
	APP         AppConfig
	Store       StoreConfig
	Redis       RedisConfig
	ClickHouse  ClickHouseConfig
	Mongo       MongoConfig
	NATS        NATSConfig
	Rabbit      RabbitConfig
	JWT         JWTConfig
	Signing     SigningConfig
	Gateway     GatewayConfig
	Webhook     WebhookConfig
	Maintenance MaintenanceConfig
	Keyset      KeysetConfig
	Tracing     TracingConfig
	GRPC        GRPCConfig
}

type AppConfig struct {
	Mode     string `default:"dev"`
	Port     string
	Host     string
	Timeout  time.Duration
	TenantID string `split_words:"true" default:"tnt_local"`
	// APIKey is the tenant bearer credential; OpsAPIKey adds the ops scope.
	APIKey    string `split_words:"true"`
	OpsAPIKey string `split_words:"true"`
	// DemoAutofund permits autoFundPayerCents on gate creation.
	DemoAutofund bool `split_words:"true" default:"false"`
}

type StoreConfig struct {
	// DSN selects the backend: empty means the in-memory store.
	DSN string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int `default:"0"`
}

type ClickHouseConfig struct {
	DSN   string
	Table string `default:"settlement_decisions"`
}

type MongoConfig struct {
	URI        string
	Database   string `default:"settld"`
	Collection string `default:"artifacts"`
}

type NATSConfig struct {
	URL        string
	Subject    string `default:"settld.gate.events"`
	StreamName string `split_words:"true" default:"SETTLD_EVENTS"`
}

type RabbitConfig struct {
	URL      string
	Exchange string `default:"settld.events"`
}

type JWTConfig struct {
	OpsSecret   string        `split_words:"true"`
	OpsTokenTTL time.Duration `split_words:"true" default:"15m"`
	Issuer      string        `default:"settld-gateway"`
}

type SigningConfig struct {
	// TenantKeyPEM is the PKCS#8 Ed25519 signing key for SettldPay tokens and
	// receipts. Generated at boot when empty (dev only).
	TenantKeyPEM  string `split_words:"true"`
	TenantKeyFile string `split_words:"true"`
}

type GatewayConfig struct {
	Port            string        `default:":8403"`
	UpstreamTimeout time.Duration `split_words:"true" default:"30s"`
	SettldBaseURL   string        `split_words:"true" default:"http://localhost:8402"`
	APIKey          string        `split_words:"true"`
	MaxResponseBody int64         `split_words:"true" default:"2097152"`
}

type WebhookConfig struct {
	Secret         string
	DestinationURL string        `split_words:"true"`
	DestinationID  string        `split_words:"true" default:"dest_default"`
	AckTimeout     time.Duration `split_words:"true" default:"5s"`
	TimestampSkew  time.Duration `split_words:"true" default:"5m"`
	RetryBaseMs    int64         `split_words:"true" default:"250"`
	RetryMaxMs     int64         `split_words:"true" default:"60000"`
	RetryMax       int           `split_words:"true" default:"50"`
	ArtifactDir    string        `split_words:"true" default:"artifacts"`
}

type MaintenanceConfig struct {
	TickInterval time.Duration `split_words:"true" default:"15s"`
	TickBudget   time.Duration `split_words:"true" default:"10s"`
	GateExpiry   time.Duration `split_words:"true" default:"1h"`
	ExpiryGrace  time.Duration `split_words:"true" default:"60s"`
	SweepBatch   int           `split_words:"true" default:"100"`
	OutboxBatch  int           `split_words:"true" default:"50"`
}

type KeysetConfig struct {
	WellKnownURL string        `split_words:"true"`
	FetchTimeout time.Duration `split_words:"true" default:"3s"`
	CacheTTL     time.Duration `split_words:"true" default:"5m"`
	// PinnedKeyPEM is the SPKI fallback key that stays valid when the
	// well-known fetch fails.
	PinnedKeyPEM string `split_words:"true"`
}

type TracingConfig struct {
	OTLPEndpoint string `split_words:"true"`
	ServiceName  string `split_words:"true" default:"settld-gateway"`
}

type GRPCConfig struct {
	Port string
}

// New loads configuration from the optional .env file and the environment.
func New() (*Configs, error) {
	cfg := &Configs{}

	root, err := os.Getwd()
	if err != nil {
		return cfg, fmt.Errorf("unable to get working directory: %w", err)
	}

	envPath := filepath.Join(root, ".env")
	if _, statErr := os.Stat(envPath); statErr == nil {
		if loadErr := godotenv.Load(envPath); loadErr != nil {
			return cfg, fmt.Errorf("failed to load env file %s: %w", envPath, loadErr)
		}
	} else if !os.IsNotExist(statErr) {
		return cfg, fmt.Errorf("failed to stat env file %s: %w", envPath, statErr)
	}

	cfg.APP = AppConfig{
		Mode:    defaultAppMode,
		Port:    defaultAppPort,
		Host:    defaultAppHost,
		Timeout: defaultAppTimeout,
	}

	targets := map[string]interface{}{
		"APP":         &cfg.APP,
		"POSTGRES":    &cfg.Store,
		"REDIS":       &cfg.Redis,
		"CLICKHOUSE":  &cfg.ClickHouse,
		"MONGO":       &cfg.Mongo,
		"NATS":        &cfg.NATS,
		"RABBIT":      &cfg.Rabbit,
		"JWT":         &cfg.JWT,
		"SIGNING":     &cfg.Signing,
		"GATEWAY":     &cfg.Gateway,
		"WEBHOOK":     &cfg.Webhook,
		"MAINTENANCE": &cfg.Maintenance,
		"KEYSET":      &cfg.Keyset,
		"TRACING":     &cfg.Tracing,
		"GRPC":        &cfg.GRPC,
	}

	for p, target := range targets {
		if procErr := envconfig.Process(p, target); procErr != nil {
			return cfg, fmt.Errorf("failed to process env for %s: %w", p, procErr)
		}
	}

	return cfg, nil
}

// MustLoad loads configuration or exits the process.
func MustLoad() *Configs {
	cfg, err := New()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	return cfg
}
