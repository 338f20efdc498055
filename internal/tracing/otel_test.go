package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// withRecordingProvider swaps in an in-memory provider for the test.
func withRecordingProvider(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))

	mu.Lock()
	prev := tracerProvider
	tracerProvider = tp
	mu.Unlock()
	t.Cleanup(func() {
		mu.Lock()
		tracerProvider = prev
		mu.Unlock()
		_ = tp.Shutdown(context.Background())
	})
	return rec
}

func TestStartTurnSpanRecordsAttributes(t *testing.T) {
	rec := withRecordingProvider(t)

	_, span := StartTurnSpan(context.Background(), "claude", "sess-1")
	span.SetAttributes(attribute.String("stop_reason", "end_turn"))
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "turn", spans[0].Name())
	assert.Equal(t, trace.SpanKindClient, spans[0].SpanKind())
	assert.Contains(t, spans[0].Attributes(), attribute.String("executor", "claude"))
	assert.Contains(t, spans[0].Attributes(), attribute.String("session_id", "sess-1"))
	assert.Contains(t, spans[0].Attributes(), attribute.String("stop_reason", "end_turn"))
}

func TestDisabledTracingUsesNoopSpans(t *testing.T) {
	_, span := StartTurnSpan(context.Background(), "claude", "sess-1")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
}

func TestEndpointHost(t *testing.T) {
	assert.Equal(t, "localhost:4318", endpointHost("http://localhost:4318"))
	assert.Equal(t, "collector:4318", endpointHost("https://collector:4318"))
	assert.Equal(t, "bare:4318", endpointHost("bare:4318"))
}
