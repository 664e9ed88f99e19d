// Package telemetry configures OpenTelemetry tracing for the kernel.
// Spans cover policy evaluation, sandbox runs, and sidecar forwarding;
// custom attributes use the "agentos." prefix.
package telemetry

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/imran-siddique/agentos"

// Tracer returns the package-level tracer. Without Init it is a no-op.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// Init installs a trace provider exporting spans as line-delimited JSON
// to w. A nil writer leaves tracing disabled. The returned shutdown
// function flushes pending spans and must be called on exit.
func Init(ctx context.Context, w io.Writer, version string) (func(context.Context) error, error) {
	if w == nil {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create stdout exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String("agentos"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
