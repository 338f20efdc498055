// Package tracing provides shared OTel tracer initialization for the
// agentboard daemon (turn lifecycle and agent RPC spans).
//
// Real tracing requires the perf-tracing flag plus OTEL_EXPORTER_OTLP_ENDPOINT.
// Without both, a no-op tracer is used (zero overhead).
package tracing

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const serviceName = "agentboard"

var (
	mu             sync.Mutex
	enabled        bool
	tracerProvider trace.TracerProvider = noop.NewTracerProvider()
	sdkProvider    *sdktrace.TracerProvider
)

// Enable initializes the exporting provider. Call once at startup when the
// perf-tracing flag is set. A missing OTLP endpoint leaves the no-op provider
// in place.
func Enable(ctx context.Context) {
	mu.Lock()
	defer mu.Unlock()
	if enabled {
		return
	}
	enabled = true

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpointHost(endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		res = resource.Default()
	}

	sdkProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	tracerProvider = sdkProvider
	otel.SetTracerProvider(tracerProvider)
}

// endpointHost strips the scheme from the endpoint URL for otlptracehttp.
func endpointHost(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return endpoint[len(prefix):]
		}
	}
	return endpoint
}

// Tracer returns a named tracer. No-op when tracing is disabled.
func Tracer(name string) trace.Tracer {
	mu.Lock()
	defer mu.Unlock()
	return tracerProvider.Tracer(name)
}

// StartTurnSpan starts a span for one prompt turn of a session. The caller
// ends the span when the turn completes.
func StartTurnSpan(ctx context.Context, executor, sessionID string) (context.Context, trace.Span) {
	ctx, span := Tracer(serviceName).Start(ctx, "turn", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("executor", executor),
		attribute.String("session_id", sessionID),
	)
	return ctx, span
}

// Shutdown flushes pending spans and shuts down the provider.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	defer mu.Unlock()
	if sdkProvider != nil {
		return sdkProvider.Shutdown(ctx)
	}
	return nil
}
