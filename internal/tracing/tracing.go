package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	ServiceName    = "hamap"
	ServiceVersion = "1.0.0"
)

// Span names used across the sync engine
const (
	SpanSyncRun       = "sync.run"
	SpanDrivePage     = "drive.page"
	SpanPhotosProcess = "photos.process"
	SpanAuthRefresh   = "auth.refresh"
	SpanHistoryQuery  = "history.query"
)

// Tracer owns the installed provider so it can be flushed on shutdown
type Tracer struct {
	tp *sdktrace.TracerProvider
}

// NewTracer creates a tracer provider and installs it globally.
// With useOTLP the spans go to collectorEndpoint over gRPC, otherwise to stdout.
func NewTracer(serviceName, collectorEndpoint string, useOTLP bool) (*Tracer, error) {
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(ServiceVersion),
	)

	var exp sdktrace.SpanExporter
	var err error

	if useOTLP {
		client := otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(collectorEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		exp, err = otlptrace.New(context.Background(), client)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
	} else {
		exp, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Tracer{tp: tp}, nil
}

// Shutdown flushes and stops the trace provider
func (t *Tracer) Shutdown(ctx context.Context) error {
	return t.tp.Shutdown(ctx)
}

// Start starts a span on the global provider. It is a no-op span until NewTracer has run.
func Start(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(ServiceName).Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// AddAttributes adds attributes to the current span
func AddAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		span.SetAttributes(attrs...)
	}
}

// SetSpanError marks the current span as failed
func SetSpanError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SyncRunAttrs returns common attributes for a sync run span
func SyncRunAttrs(runID, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("component", "sync"),
		attribute.String("sync.run_id", runID),
		attribute.String("sync.reason", reason),
	}
}

// ItemAttrs returns common attributes for per-item spans
func ItemAttrs(itemID, fileName string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("component", "photos"),
		attribute.String("drive.item_id", itemID),
		attribute.String("drive.file_name", fileName),
	}
}
