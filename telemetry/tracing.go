package telemetry

import (
	"context"
	"fmt"

	"github.com/colorfulnotion/tiervm/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ShutdownFunc flushes and stops a tracer provider.
type ShutdownFunc func(context.Context) error

// InitTracing installs a global tracer provider exporting over OTLP/HTTP to
// endpoint (host:port). With an empty endpoint tracing stays disabled and
// the returned shutdown is a no-op.
func InitTracing(ctx context.Context, service, endpoint string, insecure bool) (ShutdownFunc, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter for %s: %w", endpoint, err)
	}
	tp := NewTracerProvider(sdktrace.WithBatcher(exp), service)
	otel.SetTracerProvider(tp)
	log.Info(log.EngineMonitoring, "tracing enabled", "endpoint", endpoint, "service", service)
	return tp.Shutdown, nil
}

// NewTracerProvider builds a provider tagged with the service name around one
// span processor option, e.g. sdktrace.WithSyncer for in-memory exporters.
func NewTracerProvider(processor sdktrace.TracerProviderOption, service string) *sdktrace.TracerProvider {
	res := resource.NewSchemaless(attribute.String("service.name", service))
	return sdktrace.NewTracerProvider(processor, sdktrace.WithResource(res))
}
