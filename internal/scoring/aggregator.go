// Package scoring combines rule signals into a fraud probability using the
// current learned weights.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/couponguard/internal/domain"
	"github.com/opensource-finance/couponguard/internal/identity"
	"github.com/opensource-finance/couponguard/internal/learning"
	"github.com/opensource-finance/couponguard/internal/rules"
	"github.com/opensource-finance/couponguard/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("couponguard-scoring")

// WeightSource provides the weight snapshot used for one score.
type WeightSource interface {
	Snapshot() *learning.Snapshot
}

// Aggregator scores transactions.
type Aggregator struct {
	index   *identity.Index
	catalog *rules.Catalog
	weights WeightSource
	cfg     domain.ScoringConfig
	metrics *telemetry.Registry
}

// NewAggregator creates an aggregator.
func NewAggregator(index *identity.Index, catalog *rules.Catalog, weights WeightSource, cfg domain.ScoringConfig) *Aggregator {
	return &Aggregator{
		index:   index,
		catalog: catalog,
		weights: weights,
		cfg:     cfg,
		metrics: telemetry.Default(),
	}
}

// Config returns the scoring configuration.
func (a *Aggregator) Config() domain.ScoringConfig {
	return a.cfg
}

// Score records the transaction in the identity index and scores it
// against the history that preceded it. Data-quality problems are
// reported in the result, not as an error.
func (a *Aggregator) Score(ctx context.Context, tx *domain.Transaction) (*domain.ScoredTransaction, error) {
	if err := a.record(tx); err != nil {
		return nil, err
	}
	return a.evaluate(ctx, tx), nil
}

// ScoreBatch records every transaction in slice order, then scores them in
// parallel. On cancellation no further transactions are started; entries
// not scored are nil and ctx.Err() is returned.
func (a *Aggregator) ScoreBatch(ctx context.Context, txs []*domain.Transaction, workers int) ([]*domain.ScoredTransaction, error) {
	for i, tx := range txs {
		if tx == nil || tx.ID == "" {
			return nil, fmt.Errorf("transaction %d: id is required", i)
		}
	}
	for _, tx := range txs {
		if err := a.record(tx); err != nil {
			return nil, err
		}
	}

	if workers < 1 {
		workers = 1
	}

	out := make([]*domain.ScoredTransaction, len(txs))
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for i, tx := range txs {
		if ctx.Err() != nil {
			break
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(i int, tx *domain.Transaction) {
			defer wg.Done()
			defer func() { <-sem }()
			out[i] = a.evaluate(ctx, tx)
		}(i, tx)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return out, err
	}
	return out, nil
}

func (a *Aggregator) record(tx *domain.Transaction) error {
	if tx == nil {
		return fmt.Errorf("transaction is required")
	}
	err := a.index.Record(tx)
	var malformed *identity.MalformedKeyError
	if errors.As(err, &malformed) {
		slog.Debug("transaction has malformed identity keys",
			"tx_id", tx.ID,
			"error", err,
		)
		return nil
	}
	return err
}

func (a *Aggregator) evaluate(ctx context.Context, tx *domain.Transaction) *domain.ScoredTransaction {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "scoring.evaluate",
		trace.WithAttributes(attribute.String("tx.id", tx.ID)),
	)
	defer span.End()

	results := a.catalog.Evaluate(tx, a.index.Before(tx.ID))
	scored := Aggregate(results, a.weights.Snapshot(), a.cfg)

	scored.TxID = tx.ID
	scored.Features = rules.Features(tx, a.cfg.DiscountCeiling)
	scored.ScoredAt = time.Now().UTC()
	scored.ProcessMicros = time.Since(start).Microseconds()

	span.SetAttributes(
		attribute.Float64("score.probability", scored.FraudProbability),
		attribute.String("score.tier", string(scored.RiskTier)),
		attribute.Bool("score.no_signal", scored.NoSignal),
	)
	a.metrics.RecordScore(ctx, string(scored.RiskTier), scored.NoSignal, len(scored.Errors),
		float64(time.Since(start).Microseconds())/1000)

	return scored
}

// Aggregate combines rule results with one weight snapshot:
//
//	P = Σ(w·c·v) / Σ(w·c)
//
// over rules with confidence. Suspended rules and rules without a weight
// entry are excluded from P but their raw signals are kept.
func Aggregate(results []rules.Result, snap *learning.Snapshot, cfg domain.ScoringConfig) *domain.ScoredTransaction {
	out := &domain.ScoredTransaction{
		Signals:        make([]domain.RuleSignal, 0, len(results)),
		Triggered:      []domain.TriggeredRule{},
		WeightsVersion: snap.Version,
	}

	var num, den float64
	for _, r := range results {
		rs := domain.RuleSignal{
			Rule:       r.Rule,
			Value:      r.Signal.Value,
			Confidence: r.Signal.Confidence,
		}
		if r.Err != nil {
			rs.Error = r.Err.Error()
			out.Errors = append(out.Errors, domain.RuleFailure{Rule: r.Rule, Error: rs.Error})
		}

		w, ok := snap.Get(r.Rule)
		switch {
		case !ok:
			rs.Excluded = true
		case w.Status == domain.RuleSuspended:
			rs.Excluded = true
			rs.Weight = w.Weight
		default:
			rs.Weight = w.Weight
			rs.Contribution = w.Weight * rs.Confidence * rs.Value
			num += rs.Contribution
			den += w.Weight * rs.Confidence
		}
		out.Signals = append(out.Signals, rs)

		if rs.Contribution > cfg.MinContribution {
			out.Triggered = append(out.Triggered, domain.TriggeredRule{
				Rule:         rs.Rule,
				Value:        rs.Value,
				Confidence:   rs.Confidence,
				Contribution: rs.Contribution,
			})
		}
	}

	if den > 0 {
		out.FraudProbability = clamp01(num / den)
	} else {
		out.NoSignal = true
	}
	out.RiskTier = cfg.TierFor(out.FraudProbability)
	out.ManualReview = !out.NoSignal && out.FraudProbability >= cfg.ReviewThreshold

	sort.Slice(out.Triggered, func(i, j int) bool {
		ti, tj := out.Triggered[i], out.Triggered[j]
		if ti.Contribution != tj.Contribution {
			return ti.Contribution > tj.Contribution
		}
		return ti.Rule < tj.Rule
	})
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Summarize aggregates a batch of scores. Nil entries are skipped.
func Summarize(scored []*domain.ScoredTransaction, cfg domain.ScoringConfig) domain.BatchSummary {
	sum := domain.BatchSummary{TierCounts: make(map[domain.RiskTier]int)}
	var total float64
	for _, s := range scored {
		if s == nil {
			continue
		}
		sum.Total++
		sum.TierCounts[s.RiskTier]++
		sum.FailedRuleCount += len(s.Errors)
		total += s.FraudProbability
		if s.NoSignal {
			sum.NoSignal++
		}
		if s.Flagged(cfg.ReviewThreshold) {
			sum.Flagged++
		}
		if !s.NoSignal && (s.RiskTier == domain.TierHigh || s.RiskTier == domain.TierCritical) {
			sum.HighRisk++
		}
	}
	if sum.Total > 0 {
		n := float64(sum.Total)
		sum.FlaggedPct = 100 * float64(sum.Flagged) / n
		sum.HighRiskPct = 100 * float64(sum.HighRisk) / n
		sum.AvgProbability = total / n
	}
	return sum
}
