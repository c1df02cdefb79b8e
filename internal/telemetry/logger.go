// Package telemetry bootstraps the orchestrator's logging and tracing,
// adapted from the service's zerolog/otel bootstrap conventions.
package telemetry

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log is the process-wide structured logger, set up once by InitLogger.
var Log zerolog.Logger

type ctxKey struct{}

// InitLogger configures the global zerolog.Logger with a service name and
// RFC3339Nano timestamps, matching the rest of the ambient stack.
func InitLogger(serviceName string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	Log = zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

// WithContext attaches a logger (e.g. one enriched with cycle fields) to ctx.
func WithContext(ctx context.Context, log zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, log)
}

// FromContext returns the logger attached to ctx, or the global Log.
func FromContext(ctx context.Context) zerolog.Logger {
	if log, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return log
	}
	return Log
}
