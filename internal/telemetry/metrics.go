// Package telemetry holds the OpenTelemetry instruments shared by the scoring
// and learning paths. Without a configured MeterProvider the global no-op
// provider is used, so instruments are always safe to record to.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "couponguard"

// Registry holds the domain metric instruments.
type Registry struct {
	meter metric.Meter

	TransactionsScored metric.Int64Counter
	NoSignalCounter    metric.Int64Counter
	RuleFailures       metric.Int64Counter
	ScoringDuration    metric.Float64Histogram

	FeedbackOutcomes  metric.Int64Counter
	RuleSuspensions   metric.Int64Counter
	CandidatesCreated metric.Int64Counter
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide registry, creating it on first use.
func Default() *Registry {
	defaultOnce.Do(func() {
		r, err := NewRegistry(meterName)
		if err != nil {
			// The global provider only fails on invalid instrument names.
			panic(err)
		}
		defaultRegistry = r
	})
	return defaultRegistry
}

// NewRegistry creates instruments on the named meter.
func NewRegistry(name string) (*Registry, error) {
	r := &Registry{meter: otel.Meter(name)}
	var err error

	r.TransactionsScored, err = r.meter.Int64Counter(
		"couponguard.scoring.transactions",
		metric.WithDescription("Transactions scored, by risk tier"),
	)
	if err != nil {
		return nil, err
	}

	r.NoSignalCounter, err = r.meter.Int64Counter(
		"couponguard.scoring.no_signal",
		metric.WithDescription("Transactions for which no rule had confidence"),
	)
	if err != nil {
		return nil, err
	}

	r.RuleFailures, err = r.meter.Int64Counter(
		"couponguard.scoring.rule_failures",
		metric.WithDescription("Rule evaluations that failed on input defects"),
	)
	if err != nil {
		return nil, err
	}

	r.ScoringDuration, err = r.meter.Float64Histogram(
		"couponguard.scoring.duration",
		metric.WithDescription("Time to score one transaction"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 50),
	)
	if err != nil {
		return nil, err
	}

	r.FeedbackOutcomes, err = r.meter.Int64Counter(
		"couponguard.feedback.outcomes",
		metric.WithDescription("Feedback records processed, by status"),
	)
	if err != nil {
		return nil, err
	}

	r.RuleSuspensions, err = r.meter.Int64Counter(
		"couponguard.learning.suspensions",
		metric.WithDescription("Rules moved to SUSPENDED"),
	)
	if err != nil {
		return nil, err
	}

	r.CandidatesCreated, err = r.meter.Int64Counter(
		"couponguard.learning.candidates",
		metric.WithDescription("Candidate rules proposed from missed fraud"),
	)
	if err != nil {
		return nil, err
	}

	return r, nil
}

// RecordScore records one scoring result.
func (r *Registry) RecordScore(ctx context.Context, tier string, noSignal bool, failures int, ms float64) {
	r.TransactionsScored.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
	if noSignal {
		r.NoSignalCounter.Add(ctx, 1)
	}
	if failures > 0 {
		r.RuleFailures.Add(ctx, int64(failures))
	}
	r.ScoringDuration.Record(ctx, ms)
}

// RecordFeedback records one feedback outcome.
func (r *Registry) RecordFeedback(ctx context.Context, status string) {
	r.FeedbackOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordSuspension records a rule moving to SUSPENDED.
func (r *Registry) RecordSuspension(ctx context.Context, rule string, corrupted bool) {
	r.RuleSuspensions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("rule", rule),
		attribute.Bool("corrupted", corrupted),
	))
}
