package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStart_RecordsSpanWithAttributes(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	ctx, span := Start(context.Background(), SpanSyncRun, SyncRunAttrs("run-1", "manual")...)
	SetSpanError(ctx, errors.New("boom"))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, SpanSyncRun, spans[0].Name())
	assert.Len(t, spans[0].Events(), 1)

	found := false
	for _, kv := range spans[0].Attributes() {
		if string(kv.Key) == "sync.reason" {
			found = true
			assert.Equal(t, "manual", kv.Value.AsString())
		}
	}
	assert.True(t, found)
}

func TestHelpers_NoSpanIsSafe(t *testing.T) {
	assert.NotPanics(t, func() {
		AddAttributes(context.Background(), ItemAttrs("a", "b.jpg")...)
		SetSpanError(context.Background(), errors.New("x"))
	})
}
