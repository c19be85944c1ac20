// Package telemetry configures OpenTelemetry tracing for watchpost.
//
// Custom span attributes use the `watchpost.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "watchpost"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC exporter.
// If endpoint is empty, tracing is disabled (noop provider is used).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		// No-op: tracing disabled
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("watchpost"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartPingSpan creates the parent span for one heartbeat ingestion.
func StartPingSpan(ctx context.Context, state string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "ping.ingest",
		trace.WithAttributes(
			attribute.String("watchpost.ping_state", state),
		),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// EndPingSpan enriches the ping span with the recorded outcome.
func EndPingSpan(span trace.Span, monitorID, outcome string, incidentOpened bool) {
	span.SetAttributes(
		attribute.String("watchpost.monitor_id", monitorID),
		attribute.String("watchpost.outcome", outcome),
		attribute.Bool("watchpost.incident_opened", incidentOpened),
	)
	span.End()
}

// StartSweepSpan creates a span for one missed-check sweep pass.
func StartSweepSpan(ctx context.Context) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "sweep.scan",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSweepSpan enriches the sweep span with scan counts.
func EndSweepSpan(span trace.Span, late, missed int) {
	span.SetAttributes(
		attribute.Int("watchpost.late", late),
		attribute.Int("watchpost.missed", missed),
	)
	span.End()
}
