// Package observability wires the process-wide OpenTelemetry tracer and
// meter providers that internal/service and internal/domain/graphdb call
// through via otel.Tracer/otel.Meter. Spans and metrics are exported as
// structured text to stderr — never stdout, which the stdio transport
// reserves for JSON-RPC frames (spec.md §4.1).
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Shutdown flushes and stops the tracer/meter providers installed by Setup.
type Shutdown func(ctx context.Context) error

// Setup installs a process-wide TracerProvider and MeterProvider exporting
// to w (the caller passes os.Stderr in production, io.Discard in tests).
// enabled gates whether spans/metrics are collected at all: when false,
// Setup installs the no-op providers otel defaults to and returns a no-op
// Shutdown, so tracing carries zero overhead when a deployment doesn't want
// it (spec.md's Non-goals exclude a full observability stack, but leave the
// dependency itself free to wire — see DESIGN.md).
func Setup(ctx context.Context, w io.Writer, enabled bool, logger *slog.Logger) (Shutdown, error) {
	if !enabled {
		return func(context.Context) error { return nil }, nil
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", "kuzumem-mcp"),
	)

	traceExporter, err := stdouttrace.New(
		stdouttrace.WithWriter(w),
		stdouttrace.WithoutTimestamps(),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: building trace exporter: %w", err)
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)

	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("observability: building metric exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(30*time.Second))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(meterProvider)

	logger.Info("observability: tracer and meter providers installed")

	return func(ctx context.Context) error {
		var firstErr error
		if err := tracerProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shutting down tracer provider: %w", err)
		}
		if err := meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shutting down meter provider: %w", err)
		}
		return firstErr
	}, nil
}
