package observability

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// InitTracing wires a Jaeger-exporting OpenTelemetry tracer provider for
// one dust invocation (a single sync or restore run). It is a no-op
// unless OTEL_EXPORTER_JAEGER_ENDPOINT is set, since dust is a one-shot
// CLI rather than a long-running daemon and most invocations have
// nothing listening for spans. The returned shutdown func flushes the
// batch exporter before the process exits.
func InitTracing(ctx context.Context, component string) (func(context.Context) error, error) {
	endpoint := os.Getenv("OTEL_EXPORTER_JAEGER_ENDPOINT")
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(component),
		semconv.ServiceVersion("1.0.0"),
	))
	if err != nil {
		return nil, err
	}
	// A sync/restore run is short-lived, so a small batch timeout matters
	// more than export throughput: without it, a run that finishes inside
	// the default 5s window could exit before its own spans are flushed.
	tp := trace.NewTracerProvider(
		trace.WithBatcher(exp, trace.WithMaxExportBatchSize(256), trace.WithBatchTimeout(2*time.Second)),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
