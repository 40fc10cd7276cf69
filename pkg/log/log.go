package log

import (
	"context"
	"os"

	"go.elastic.co/apm/module/apmzap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var defaultLogger *zap.Logger

func init() {
	defaultLogger = New()
}

type loggerKey struct{}

// ContextWithLogger adds logger to context
func ContextWithLogger(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// LoggerFromContext returns the logger carried by ctx, or the default.
func LoggerFromContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
		return l
	}
	return defaultLogger
}

// New builds the service logger: production JSON encoder by default,
// development console encoder when DEBUG is set.
func New() *zap.Logger {
	cfg := zap.NewProductionConfig()

	if os.Getenv("DEBUG") != "" {
		cfg = zap.NewDevelopmentConfig()

		if os.Getenv("DEBUG") == "true" {
			cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		}
	}

	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stdout", "gateway.log"}

	log, err := cfg.Build(zap.WrapCore((&apmzap.Core{FatalFlushTimeout: 10000}).WrapCore))
	if err != nil {
		log = zap.NewExample()
		log.Warn("Unable to set up the logger. Replaced with example one which shouldn't fail", zap.Error(err))
	}
	defer log.Sync()

	return log
}
