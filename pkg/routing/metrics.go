package routing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Tzeusy/butlers/pkg/telemetry"
)

type metrics struct {
	acceptLatency metric.Float64Histogram
	processLatMs  metric.Float64Histogram
}

func newMetrics() *metrics {
	meter := telemetry.Meter("butlers/routing")
	m := &metrics{}
	m.acceptLatency, _ = meter.Float64Histogram("route.accept_latency_ms",
		metric.WithDescription("Latency from admission to buffer enqueue"),
		metric.WithUnit("ms"))
	m.processLatMs, _ = meter.Float64Histogram("route.process_latency_ms",
		metric.WithDescription("Latency of one routing pass"),
		metric.WithUnit("ms"))
	return m
}

func (m *metrics) processLatency(ctx context.Context, d time.Duration, ok bool) {
	if m.processLatMs != nil {
		m.processLatMs.Record(ctx, float64(d.Milliseconds()),
			metric.WithAttributes(attribute.Bool("success", ok)))
	}
}

func (m *metrics) acceptLatencyMs(ctx context.Context, d time.Duration) {
	if m.acceptLatency != nil {
		m.acceptLatency.Record(ctx, float64(d.Milliseconds()))
	}
}
