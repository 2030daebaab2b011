// Package tracing wires the daemon's OpenTelemetry pipeline.
//
// Tracing is opt-in: the OTLP provider is only installed when
// OTEL_EXPORTER_OTLP_ENDPOINT is set, otherwise every tracer handed out is a
// no-op. Initialization is lazy so importing packages pay nothing until the
// first span is requested.
package tracing

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const serviceName = "animad"

var (
	setupOnce sync.Once
	provider  trace.TracerProvider = noop.NewTracerProvider()
	flusher   *sdktrace.TracerProvider
)

// Tracer returns a named tracer, installing the OTLP pipeline on first use.
// No-op when tracing is disabled.
func Tracer(name string) trace.Tracer {
	setupOnce.Do(setup)
	return provider.Tracer(name)
}

// Shutdown flushes pending spans. Safe to call when tracing never started.
func Shutdown(ctx context.Context) error {
	if flusher == nil {
		return nil
	}
	return flusher.Shutdown(ctx)
}

func setup() {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return
	}
	tp, err := newProvider(context.Background(), endpoint)
	if err != nil {
		return
	}
	flusher = tp
	provider = tp
	otel.SetTracerProvider(tp)
}

func newProvider(ctx context.Context, endpoint string) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpointHost(endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		res = resource.Default()
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

// endpointHost strips the scheme; otlptracehttp wants a bare host:port.
func endpointHost(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return strings.TrimPrefix(endpoint, "http://")
}
