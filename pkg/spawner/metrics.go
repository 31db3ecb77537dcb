package spawner

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Tzeusy/butlers/pkg/telemetry"
)

// metrics holds the spawner's instruments. Instrument creation failures fall
// back to nil instruments and recording becomes a no-op.
type metrics struct {
	attrs          metric.MeasurementOption
	activeSessions metric.Int64UpDownCounter
	queuedTriggers metric.Int64UpDownCounter
	rejectedTotal  metric.Int64Counter
	duration       metric.Float64Histogram
}

func newMetrics(butlerName string) *metrics {
	meter := telemetry.Meter("butlers/spawner")
	m := &metrics{
		attrs: metric.WithAttributes(attribute.String("butler", butlerName)),
	}
	m.activeSessions, _ = meter.Int64UpDownCounter("butler.sessions.active",
		metric.WithDescription("Sessions currently holding a concurrency slot"))
	m.queuedTriggers, _ = meter.Int64UpDownCounter("butler.sessions.queued",
		metric.WithDescription("Triggers waiting on a concurrency slot"))
	m.rejectedTotal, _ = meter.Int64Counter("butler.sessions.self_trigger_rejected_total",
		metric.WithDescription("Self-triggers rejected because every slot was busy"))
	m.duration, _ = meter.Float64Histogram("butler.session.duration_ms",
		metric.WithDescription("Wall clock duration of one session"),
		metric.WithUnit("ms"))
	return m
}

func (m *metrics) activeGauge(ctx context.Context, delta int64) {
	if m.activeSessions != nil {
		m.activeSessions.Add(ctx, delta, m.attrs)
	}
}

func (m *metrics) queuedGauge(ctx context.Context, delta int64) {
	if m.queuedTriggers != nil {
		m.queuedTriggers.Add(ctx, delta, m.attrs)
	}
}

func (m *metrics) selfTriggerRejected(ctx context.Context) {
	if m.rejectedTotal != nil {
		m.rejectedTotal.Add(ctx, 1, m.attrs)
	}
}

func (m *metrics) sessionDuration(ctx context.Context, d time.Duration) {
	if m.duration != nil {
		m.duration.Record(ctx, float64(d.Milliseconds()), m.attrs)
	}
}
