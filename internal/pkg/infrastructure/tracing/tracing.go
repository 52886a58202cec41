package tracing

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.7.0"
)

const shutdownTimeout = 5 * time.Second

type CleanupFunc func()

// Init exports spans over OTLP/HTTP when OTEL_EXPORTER_OTLP_ENDPOINT is set. Without an
// endpoint the global no-op provider is left in place and the cleanup does nothing.
func Init(ctx context.Context, serviceName, serviceVersion string) (CleanupFunc, error) {
	log := logging.GetFromContext(ctx)

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		log.Info().Msg("no trace exporter endpoint configured, tracing disabled")
		return func() {}, nil
	}

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient())
	if err != nil {
		return nil, fmt.Errorf("creating OTLP trace exporter: %w", err)
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(NewResource(serviceName, serviceVersion)),
	)
	otel.SetTracerProvider(tracerProvider)
	// lock controllers never send trace headers, but the control plane clients do
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	log.Info().Str("endpoint", endpoint).Msg("exporting traces")

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to flush traces on shutdown")
		}
	}, nil
}

// NewResource describes this service instance. The host name is included so spans from
// replicas sharing one database can be told apart.
func NewResource(serviceName, version string) *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(version),
	}

	if host, err := os.Hostname(); err == nil {
		attrs = append(attrs, semconv.HostNameKey.String(host))
	}

	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}
