package buffer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Tzeusy/butlers/pkg/telemetry"
)

type metrics struct {
	attrs             metric.MeasurementOption
	queueDepth        metric.Int64UpDownCounter
	backpressureTotal metric.Int64Counter
	recoveredTotal    metric.Int64Counter
	latency           metric.Float64Histogram
}

func newMetrics(butlerName string) *metrics {
	meter := telemetry.Meter("butlers/buffer")
	m := &metrics{
		attrs: metric.WithAttributes(attribute.String("butler", butlerName)),
	}
	m.queueDepth, _ = meter.Int64UpDownCounter("butler.buffer.depth",
		metric.WithDescription("Messages pending or being processed"))
	m.backpressureTotal, _ = meter.Int64Counter("butler.buffer.backpressure_total",
		metric.WithDescription("Hot-path rejections due to a full ring"))
	m.recoveredTotal, _ = meter.Int64Counter("butler.buffer.scanner_recovered_total",
		metric.WithDescription("Messages re-enqueued by the cold-path scanner"))
	m.latency, _ = meter.Float64Histogram("butler.buffer.process_latency_ms",
		metric.WithDescription("Per-message processing latency"),
		metric.WithUnit("ms"))
	return m
}

func (m *metrics) depth(ctx context.Context, delta int64) {
	if m.queueDepth != nil {
		m.queueDepth.Add(ctx, delta, m.attrs)
	}
}

func (m *metrics) backpressure(ctx context.Context) {
	if m.backpressureTotal != nil {
		m.backpressureTotal.Add(ctx, 1, m.attrs)
	}
}

func (m *metrics) scannerRecovered(ctx context.Context, n int) {
	if m.recoveredTotal != nil {
		m.recoveredTotal.Add(ctx, int64(n), m.attrs)
	}
}

func (m *metrics) processLatency(ctx context.Context, d time.Duration, ok bool) {
	if m.latency != nil {
		m.latency.Record(ctx, float64(d.Milliseconds()), m.attrs,
			metric.WithAttributes(attribute.Bool("success", ok)))
	}
}
