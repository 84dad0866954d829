// Package tracing wires the coordinator's OpenTelemetry tracer provider: an
// OTLP/gRPC exporter when OTEL_EXPORTER_OTLP_ENDPOINT is set, a no-op
// provider otherwise. Adapted from the teacher's cmd/runner/main.go
// initOpenTelemetry, generalized from the runner's service name to the
// coordinator's.
package tracing

import (
	"context"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Init registers a global TracerProvider for serviceName and returns it
// alongside a shutdown func. When OTEL_EXPORTER_OTLP_ENDPOINT is unset, no
// exporter is configured and Init returns (nil, a no-op shutdown) — every
// internal/store span then runs against otel's global no-op tracer, which is
// the correct, explicit "tracing disabled" state rather than a silently
// inert one.
func Init(ctx context.Context, serviceName string) (*sdktrace.TracerProvider, func(context.Context) error) {
	noop := func(context.Context) error { return nil }

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
		return nil, noop
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true" {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
		return nil, noop
	}

	resEnv, _ := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(attribute.String("service.name", serviceName)),
	)
	res, _ := resource.Merge(resource.Default(), resEnv)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp, tp.Shutdown
}
