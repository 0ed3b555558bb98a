// Package telemetry wires the ATLAS question pipeline into OpenTelemetry:
// a nil-safe tracer, Prometheus metrics, a span registry that lets user
// feedback find the span it rates, and a Phoenix annotation client.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/atlas-hass/atlas/pkg/config"
)

var noopTracer = noop.NewTracerProvider().Tracer("atlas")

// Tracer wraps the otel tracer provider. A nil *Tracer is valid and
// produces no-op spans, so call sites never guard against a disabled
// telemetry stack.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds the tracer from config. Returns nil (a working no-op
// tracer) when telemetry is disabled or the exporter is "none".
func NewTracer(ctx context.Context, cfg config.TelemetryConfig) (*Tracer, error) {
	cfg.SetDefaults()
	if cfg.Enabled != nil && !*cfg.Enabled {
		return nil, nil
	}
	if cfg.Exporter == "none" {
		return nil, nil
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s exporter: %w", cfg.Exporter, err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	slog.Info("Tracing initialized", "exporter", cfg.Exporter, "service", cfg.ServiceName)
	return &Tracer{
		provider: tp,
		tracer:   tp.Tracer(cfg.ServiceName),
	}, nil
}

// Start opens a span. Safe on a nil Tracer.
func (t *Tracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return noopTracer.Start(ctx, name, opts...)
	}
	return t.tracer.Start(ctx, name, opts...)
}

// Enabled reports whether spans are actually exported.
func (t *Tracer) Enabled() bool {
	return t != nil && t.provider != nil
}

// Shutdown flushes pending spans. Safe on a nil Tracer.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// SpanID returns the hex span id, or "" for no-op and unsampled spans.
func SpanID(span trace.Span) string {
	if span == nil {
		return ""
	}
	sc := span.SpanContext()
	if !sc.HasSpanID() {
		return ""
	}
	return sc.SpanID().String()
}

// TraceID returns the hex trace id, or "" for no-op spans.
func TraceID(span trace.Span) string {
	if span == nil {
		return ""
	}
	sc := span.SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// String sets a string attribute, skipping empty values to keep exported
// spans compact.
func String(span trace.Span, key, value string) {
	if span == nil || value == "" {
		return
	}
	span.SetAttributes(attribute.String(key, value))
}

// Int sets an integer attribute.
func Int(span trace.Span, key string, value int) {
	if span == nil {
		return
	}
	span.SetAttributes(attribute.Int(key, value))
}
