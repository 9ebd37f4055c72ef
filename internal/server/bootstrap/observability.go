package bootstrap

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"intake/internal/logging"
	"intake/internal/observability"
)

// InitLogging installs the process-wide structured logger.
func InitLogging(cfg observability.LogConfig, service string) *observability.Logger {
	logger := observability.NewLogger(cfg).With("service", service)
	observability.SetDefault(logger)
	return logger
}

// InitTracing starts the tracer provider and returns a cleanup hook that
// flushes pending spans.
func InitTracing(ctx context.Context, cfg observability.TracingConfig, logger logging.Logger) (trace.Tracer, func(), error) {
	tp, err := observability.NewTracerProvider(ctx, cfg)
	if err != nil {
		return observability.NoopTracer(), func() {}, err
	}
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logging.OrNop(logger).Warn("Tracer shutdown error: %v", err)
		}
	}
	return tp.Tracer(), cleanup, nil
}
