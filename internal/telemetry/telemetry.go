// Package telemetry installs the OpenTelemetry tracer provider.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/life-stream-dev/life-stream-go-save-sync/internal/config"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/logger"
)

type Shutdown func(context.Context) error

// Invoke lets a Shutdown be registered with the cleaner.
func (s Shutdown) Invoke(ctx context.Context) error {
	return s(ctx)
}

// Setup exports spans over OTLP/HTTP. When telemetry is disabled or has no
// endpoint it returns a no-op shutdown and leaves the global provider alone.
func Setup(ctx context.Context, cfg config.TelemetryConfig, serviceName string) (Shutdown, error) {
	noop := Shutdown(func(context.Context) error { return nil })

	if !cfg.Enabled || cfg.Endpoint == "" {
		logger.Debug("Telemetry disabled")
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		return noop, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return noop, fmt.Errorf("build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	logger.InfoF("Exporting traces to %s", cfg.Endpoint)
	return tp.Shutdown, nil
}
