// Package telemetry installs the OpenTelemetry tracer provider of the
// analyzer. Without tracing enabled the global provider stays the no-op
// default and the analysis spans cost nothing.
//
// With tracing enabled, ended spans are batched and written to the debug
// log unless another exporter is supplied:
//
//	shutdown, err := telemetry.Init(ctx, telemetry.Options{Enabled: true})
//	if err != nil {
//	    return err
//	}
//	defer shutdown(ctx)
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

// ServiceName is the service.name resource attribute of every span.
const ServiceName = "pointsto"

// ShutdownFunc flushes pending spans and shuts the provider down.
type ShutdownFunc func(ctx context.Context) error

func noopShutdown(_ context.Context) error {
	return nil
}

// Options configures Init.
type Options struct {
	Enabled        bool
	ServiceVersion string
	// Exporter receives the ended spans; nil logs them.
	Exporter sdktrace.SpanExporter
}

// Init sets the global tracer provider when tracing is enabled.
func Init(_ context.Context, opts Options) (ShutdownFunc, error) {
	if !opts.Enabled {
		return noopShutdown, nil
	}
	version := opts.ServiceVersion
	if version == "" {
		version = "unknown"
	}
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(ServiceName),
		semconv.ServiceVersion(version),
	)

	exporter := opts.Exporter
	if exporter == nil {
		exporter = logExporter{}
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	slog.Debug("tracing enabled", "service", ServiceName, "version", version)

	return tp.Shutdown, nil
}

// logExporter writes ended spans to the default logger.
type logExporter struct{}

var _ sdktrace.SpanExporter = logExporter{}

func (logExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		attrs := []any{
			"span", s.Name(),
			"dur", s.EndTime().Sub(s.StartTime()),
			"status", s.Status().Code.String(),
		}
		for _, kv := range s.Attributes() {
			attrs = append(attrs, string(kv.Key), kv.Value.Emit())
		}
		slog.Debug("span", attrs...)
	}
	return nil
}

func (logExporter) Shutdown(context.Context) error { return nil }
