package triage

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Tzeusy/butlers/pkg/telemetry"
)

var (
	instrumentsOnce sync.Once
	ruleMatched     metric.Int64Counter
	passThrough     metric.Int64Counter
	evaluationMs    metric.Float64Histogram
)

func initInstruments() {
	instrumentsOnce.Do(func() {
		meter := telemetry.Meter("butlers/triage")
		ruleMatched, _ = meter.Int64Counter("triage.rule_matched_total",
			metric.WithDescription("Triage evaluations that matched a rule"))
		passThrough, _ = meter.Int64Counter("triage.pass_through_total",
			metric.WithDescription("Triage evaluations that fell through to the classifier"))
		evaluationMs, _ = meter.Float64Histogram("triage.evaluation_latency_ms",
			metric.WithDescription("Triage evaluation latency"),
			metric.WithUnit("ms"))
	})
}

func recordEvaluation(input Input, d Decision, elapsed time.Duration) {
	initInstruments()
	ctx := context.Background()

	if d.Decision == DecisionPassThrough {
		if passThrough != nil {
			passThrough.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", d.Reason)))
		}
	} else if ruleMatched != nil {
		ruleMatched.Add(ctx, 1, metric.WithAttributes(
			attribute.String("rule_type", d.MatchedRuleType),
			attribute.String("action", d.Decision),
			attribute.String("source_channel", input.Channel),
		))
	}
	if evaluationMs != nil {
		evaluationMs.Record(ctx, float64(elapsed.Microseconds())/1000,
			metric.WithAttributes(attribute.String("result", d.Decision)))
	}
}
