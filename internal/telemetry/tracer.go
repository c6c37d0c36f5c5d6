// Package telemetry configures OpenTelemetry tracing for the service.
package telemetry

import (
	"context"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Options controls tracer setup.
type Options struct {
	ServiceName string
	Enabled     bool
	// Output receives exported spans. Defaults to stdout.
	Output io.Writer
}

// InitTracer installs a global tracer provider when tracing is enabled. The
// returned function flushes and stops it. With tracing disabled the global
// no-op provider stays in place and shutdown does nothing.
func InitTracer(opts Options, logger *slog.Logger) (func(context.Context) error, error) {
	if !opts.Enabled {
		logger.Debug("tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	exporterOpts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
	if opts.Output != nil {
		exporterOpts = append(exporterOpts, stdouttrace.WithWriter(opts.Output))
	}
	exporter, err := stdouttrace.New(exporterOpts...)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(opts.ServiceName),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("OpenTelemetry initialized", slog.String("service", opts.ServiceName))
	return tp.Shutdown, nil
}
