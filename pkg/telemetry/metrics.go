package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the ATLAS meter instruments. All record methods are
// nil-safe so a failed metrics init degrades to no-ops.
type Metrics struct {
	requestsTotal      metric.Int64Counter
	requestDuration    metric.Float64Histogram
	llmChunksTotal     metric.Int64Counter
	generationInflight metric.Int64UpDownCounter
	queueJobsTotal     metric.Int64Counter
}

// NewMetrics registers the ATLAS instruments with a Prometheus exporter
// on the default registry; Handler serves them.
func NewMetrics() (*Metrics, error) {
	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)
	meter := meterProvider.Meter("atlas")

	requestsTotal, err := meter.Int64Counter(
		"atlas_requests_total",
		metric.WithDescription("Total HTTP requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requests counter: %w", err)
	}

	requestDuration, err := meter.Float64Histogram(
		"atlas_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request duration histogram: %w", err)
	}

	llmChunksTotal, err := meter.Int64Counter(
		"atlas_llm_chunks_total",
		metric.WithDescription("Total streamed LLM chunks"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm chunks counter: %w", err)
	}

	generationInflight, err := meter.Int64UpDownCounter(
		"atlas_generation_inflight",
		metric.WithDescription("Generations currently holding a concurrency slot"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create generation inflight counter: %w", err)
	}

	queueJobsTotal, err := meter.Int64Counter(
		"atlas_queue_jobs_total",
		metric.WithDescription("Async queue jobs by terminal status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue jobs counter: %w", err)
	}

	return &Metrics{
		requestsTotal:      requestsTotal,
		requestDuration:    requestDuration,
		llmChunksTotal:     llmChunksTotal,
		generationInflight: generationInflight,
		queueJobsTotal:     queueJobsTotal,
	}, nil
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest counts one HTTP request with its route, status, and latency.
func (m *Metrics) RecordRequest(ctx context.Context, method, route string, status int, duration time.Duration) {
	if m == nil || m.requestsTotal == nil || m.requestDuration == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", status),
	}
	m.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordChunks counts streamed LLM chunks for one generation.
func (m *Metrics) RecordChunks(ctx context.Context, provider string, n int) {
	if m == nil || m.llmChunksTotal == nil || n <= 0 {
		return
	}
	m.llmChunksTotal.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("provider", provider),
	))
}

// GenerationStarted marks a generation slot acquired.
func (m *Metrics) GenerationStarted(ctx context.Context) {
	if m == nil || m.generationInflight == nil {
		return
	}
	m.generationInflight.Add(ctx, 1)
}

// GenerationFinished marks a generation slot released.
func (m *Metrics) GenerationFinished(ctx context.Context) {
	if m == nil || m.generationInflight == nil {
		return
	}
	m.generationInflight.Add(ctx, -1)
}

// RecordQueueJob counts one async job reaching a status.
func (m *Metrics) RecordQueueJob(ctx context.Context, status string) {
	if m == nil || m.queueJobsTotal == nil {
		return
	}
	m.queueJobsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
}
