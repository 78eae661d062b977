// Package tracing installs the process-wide OpenTelemetry TracerProvider
// that internal/backend/dockeradapter's package-level otel.Tracer(...) calls
// dispatch through. The teacher's go.mod lists the otlptracehttp exporter
// and otel SDK as dependencies but never wires a provider (every span is a
// no-op against the default global tracer); this repo actually exercises
// the pack's distributed-tracing component instead of leaving it dormant.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config configures the exporter. An empty Endpoint disables tracing
// entirely: Setup then installs nothing and Shutdown is a no-op, matching
// the optional-dependency contract the rest of the ambient stack uses for
// NATS and Redis.
type Config struct {
	Endpoint    string
	ServiceName string
}

// Shutdown flushes and stops the installed TracerProvider. Safe to call on
// the zero value when tracing was never enabled.
type Shutdown func(ctx context.Context) error

// Setup builds and installs the global TracerProvider. When cfg.Endpoint is
// empty it installs nothing, leaving otel.Tracer(...) calls throughout the
// codebase as (cheap) no-ops.
func Setup(ctx context.Context, cfg Config) (Shutdown, error) {
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("tracing: build otlp exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(semconv.ServiceNameKey.String(cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return func(shutdownCtx context.Context) error {
		return provider.Shutdown(shutdownCtx)
	}, nil
}
