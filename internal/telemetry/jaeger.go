package telemetry

import (
	"context"
	"fmt"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

/*
LEARNING: TRACING A SYNC ENGINE

Spans are opened for:
- each HTTP request (middleware)
- each WebSocket connection and each inbound frame
- each room flush to the document store

  App → OpenTelemetry SDK → Jaeger Exporter → Jaeger Collector → Jaeger UI

With no endpoint configured the global provider stays the otel no-op, so the
span calls throughout the code cost next to nothing.
*/

// ShutdownFunc flushes buffered spans
type ShutdownFunc func(context.Context) error

// InitJaeger installs a Jaeger-backed tracer provider. An empty endpoint
// disables export and returns a no-op shutdown.
func InitJaeger(serviceName, jaegerEndpoint string) (ShutdownFunc, error) {
	if jaegerEndpoint == "" {
		log.Println("⚠️  JAEGER_ENDPOINT not set, tracing export disabled")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := jaeger.New(
		jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerEndpoint)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Every frame is a span; sample a fraction unless the caller is already traced
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.1))),
	)

	otel.SetTracerProvider(tp)

	log.Printf("✓ Jaeger tracing initialized: %s", jaegerEndpoint)

	return tp.Shutdown, nil
}
