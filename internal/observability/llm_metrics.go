package observability

import (
	"context"
	"fmt"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// LLMMetrics records enrichment backend calls through an OpenTelemetry
// meter exported to a Prometheus registry.
type LLMMetrics struct {
	provider *sdkmetric.MeterProvider
	requests metric.Int64Counter
	latency  metric.Float64Histogram
}

// NewLLMMetrics registers the exporter with reg.
func NewLLMMetrics(reg promclient.Registerer) (*LLMMetrics, error) {
	if reg == nil {
		reg = promclient.DefaultRegisterer
	}
	exporter, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(instrumentationName)

	requests, err := meter.Int64Counter(
		"intake.llm.requests",
		metric.WithDescription("Enrichment backend requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request counter: %w", err)
	}
	latency, err := meter.Float64Histogram(
		"intake.llm.latency",
		metric.WithDescription("Enrichment backend request latency"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create latency histogram: %w", err)
	}

	return &LLMMetrics{provider: provider, requests: requests, latency: latency}, nil
}

// RecordLLMRequest records one backend call. kind names the prompt and
// status is "success" or "error".
func (m *LLMMetrics) RecordLLMRequest(ctx context.Context, model, kind, status string, latency time.Duration) {
	if m == nil || m.requests == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("kind", kind),
		attribute.String("status", status),
	)
	m.requests.Add(ctx, 1, attrs)
	m.latency.Record(ctx, latency.Seconds(), attrs)
}

// Shutdown stops the meter provider.
func (m *LLMMetrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
