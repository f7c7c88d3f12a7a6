package learning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/opensource-finance/couponguard/internal/domain"
	"github.com/opensource-finance/couponguard/internal/telemetry"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("couponguard-learning")

// ErrUnknownRule is returned when an operation names a rule that has
// neither a catalog entry nor stored weight state.
var ErrUnknownRule = errors.New("unknown rule")

// RuleSet reports which rules are currently loaded.
type RuleSet interface {
	Has(name string) bool
}

// Store persists learning state. It is satisfied by domain.Repository.
type Store interface {
	SaveFeedback(ctx context.Context, record *domain.FeedbackRecord) error
	GetFeedback(ctx context.Context, txID string) (*domain.FeedbackRecord, error)
	SaveWeights(ctx context.Context, weights []domain.RuleWeight, version uint64) error
	SaveCandidate(ctx context.Context, c *domain.CandidateRule) error
}

// Options holds the optional collaborators of an Updater.
type Options struct {
	Store     Store
	Bus       domain.EventBus
	Suggester *Suggester
	Metrics   *telemetry.Registry
}

// Updater is the single writer of the weight state.
type Updater struct {
	mu    sync.Mutex
	state *State
	rules RuleSet
	cfg   domain.LearningConfig

	// seen maps transaction id to the label that was applied for it.
	seen map[string]domain.Label

	effectiveness *Effectiveness
	store         Store
	bus           domain.EventBus
	suggester     *Suggester
	metrics       *telemetry.Registry
}

// NewUpdater creates an updater for the given state.
func NewUpdater(state *State, rules RuleSet, cfg domain.LearningConfig, opts Options) *Updater {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.Default()
	}
	return &Updater{
		state:         state,
		rules:         rules,
		cfg:           cfg,
		seen:          make(map[string]domain.Label),
		effectiveness: NewEffectiveness(cfg),
		store:         opts.Store,
		bus:           opts.Bus,
		suggester:     opts.Suggester,
		metrics:       metrics,
	}
}

// State returns the weight state the updater writes to.
func (u *Updater) State() *State {
	return u.state
}

// Effectiveness returns the per-rule outcome counters.
func (u *Updater) Effectiveness() *Effectiveness {
	return u.effectiveness
}

// Suggester returns the rule suggester, or nil when suggestion is disabled.
func (u *Updater) Suggester() *Suggester {
	return u.suggester
}

// Seen returns the label applied for a transaction, if any.
func (u *Updater) Seen(txID string) (domain.Label, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	l, ok := u.seen[txID]
	return l, ok
}

// LoadHistory restores the dedup set and the derived counters from
// previously applied feedback. Weights are restored separately.
func (u *Updater) LoadHistory(records []*domain.FeedbackRecord) {
	u.mu.Lock()
	defer u.mu.Unlock()

	for _, rec := range records {
		u.seen[rec.TxID] = rec.Label
	}
	u.effectiveness.Observe(records)
	if u.suggester != nil {
		u.suggester.Remember(records)
	}
}

// Apply processes a batch of feedback records. All weight changes of the
// batch become visible in one snapshot swap. Every record gets an outcome.
func (u *Updater) Apply(ctx context.Context, records []*domain.FeedbackRecord) []domain.FeedbackOutcome {
	ctx, span := tracer.Start(ctx, "learning.apply",
		trace.WithAttributes(attribute.Int("feedback.records", len(records))),
	)
	defer span.End()

	u.mu.Lock()
	defer u.mu.Unlock()

	outcomes := make([]domain.FeedbackOutcome, len(records))
	var applied []*domain.FeedbackRecord

	unavailable := u.recall(ctx, records)

	snap := u.state.Apply(func(s *Snapshot) bool {
		for i, rec := range records {
			if rec != nil && unavailable[rec.TxID] {
				outcomes[i] = domain.FeedbackOutcome{
					TxID:   rec.TxID,
					Status: domain.FeedbackInvalid,
					Reason: "feedback history unavailable",
				}
				continue
			}
			outcomes[i] = u.applyRecord(ctx, s, rec)
			if outcomes[i].Applied() {
				applied = append(applied, rec)
			}
		}
		return len(applied) > 0
	})

	for _, o := range outcomes {
		u.metrics.RecordFeedback(ctx, string(o.Status))
	}
	span.SetAttributes(attribute.Int("feedback.applied", len(applied)))

	if len(applied) == 0 {
		return outcomes
	}

	u.effectiveness.Observe(applied)

	var candidates []*domain.CandidateRule
	if u.suggester != nil {
		candidates = u.suggester.Observe(applied)
		u.metrics.CandidatesCreated.Add(ctx, int64(len(candidates)))
	}

	u.persist(ctx, snap, applied, candidates)
	u.publish(ctx, snap, candidates)

	slog.Debug("feedback batch applied",
		"records", len(records),
		"applied", len(applied),
		"version", snap.Version,
		"candidates", len(candidates),
	)
	return outcomes
}

// recall fills the dedup set from the store for transactions it does not
// hold, which covers labels older than the history loaded at startup. A
// transaction whose history cannot be read is returned so it is not applied.
// Callers hold u.mu.
func (u *Updater) recall(ctx context.Context, records []*domain.FeedbackRecord) map[string]bool {
	if u.store == nil {
		return nil
	}
	var unavailable map[string]bool
	for _, rec := range records {
		if rec == nil || rec.TxID == "" {
			continue
		}
		if _, ok := u.seen[rec.TxID]; ok {
			continue
		}
		stored, err := u.store.GetFeedback(ctx, rec.TxID)
		switch {
		case err == nil:
			u.seen[rec.TxID] = stored.Label
		case errors.Is(err, domain.ErrNotFound):
		default:
			slog.Error("failed to look up feedback history", "tx_id", rec.TxID, "error", err)
			if unavailable == nil {
				unavailable = make(map[string]bool)
			}
			unavailable[rec.TxID] = true
		}
	}
	return unavailable
}

func (u *Updater) applyRecord(ctx context.Context, s *Snapshot, rec *domain.FeedbackRecord) domain.FeedbackOutcome {
	if rec == nil || rec.TxID == "" {
		return domain.FeedbackOutcome{Status: domain.FeedbackInvalid, Reason: "missing transaction id"}
	}
	out := domain.FeedbackOutcome{TxID: rec.TxID}

	label, err := domain.ParseLabel(string(rec.Label))
	if err != nil {
		out.Status = domain.FeedbackInvalid
		out.Reason = err.Error()
		return out
	}
	rec.Label = label

	if prev, ok := u.seen[rec.TxID]; ok {
		if prev == label {
			out.Status = domain.FeedbackDuplicate
			out.Reason = "feedback already applied"
			return out
		}
		slog.Warn("conflicting feedback label ignored",
			"tx_id", rec.TxID,
			"applied_label", prev,
			"new_label", label,
			"reviewer", rec.Reviewer,
		)
		out.Status = domain.FeedbackConflict
		out.Reason = fmt.Sprintf("label %s already applied", prev)
		return out
	}
	u.seen[rec.TxID] = label

	inc := u.increment(rec.Impact)
	for _, sig := range rec.Signals {
		out.RuleUpdates = append(out.RuleUpdates, u.updateRule(ctx, s, sig, label, inc))
	}
	out.Status = domain.FeedbackApplied
	return out
}

func (u *Updater) updateRule(ctx context.Context, s *Snapshot, sig domain.RuleSignal, label domain.Label, inc float64) domain.RuleUpdate {
	up := domain.RuleUpdate{Rule: sig.Rule}

	if sig.Confidence <= 0 {
		up.Result = domain.UpdateSkipped
		up.Reason = domain.ReasonNotFired
		return up
	}
	if !u.rules.Has(sig.Rule) {
		slog.Warn("feedback references unknown rule", "rule", sig.Rule)
		up.Result = domain.UpdateSkipped
		up.Reason = domain.ReasonUnknownRule
		return up
	}

	w, ok := s.Weights[sig.Rule]
	if !ok {
		w = Prior(sig.Rule, u.state.InitialWeight(sig.Rule))
	}
	if w.Corrupted {
		up.Result = domain.UpdateSkipped
		up.Reason = domain.ReasonCorrupted
		return up
	}

	threshold := u.cfg.ThresholdFor(sig.Rule)
	predicted := sig.Value >= threshold
	fraud := label == domain.LabelFraud

	if predicted == fraud {
		w.Alpha += inc
		w.Successes++
		up.Result = domain.UpdateSuccess
	} else {
		w.Beta += inc
		w.Failures++
		up.Result = domain.UpdateFailure
	}

	if predicted {
		w.Window = append(w.Window, fraud)
		if over := len(w.Window) - u.cfg.PrecisionWindow; over > 0 {
			w.Window = append([]bool(nil), w.Window[over:]...)
		}
	}

	w.UpdatedAt = time.Now().UTC()

	if corrupted(w) {
		w.Corrupted = true
		w.Status = domain.RuleSuspended
		w.Weight = 0
		s.Weights[sig.Rule] = w

		slog.Error("rule weight state corrupted, rule suspended",
			"rule", sig.Rule,
			"alpha", w.Alpha,
			"beta", w.Beta,
		)
		u.metrics.RecordSuspension(ctx, sig.Rule, true)
		up.Result = domain.UpdateFailure
		up.Reason = domain.ReasonCorrupted
		return up
	}

	w.Weight = u.weightOf(w.Alpha, w.Beta)
	u.updateStatus(ctx, &w)
	s.Weights[sig.Rule] = w

	up.Weight = w.Weight
	return up
}

// updateStatus applies the rolling-precision suspension policy.
func (u *Updater) updateStatus(ctx context.Context, w *domain.RuleWeight) {
	if len(w.Window) < u.cfg.MinPrecisionSamples {
		return
	}
	hits := 0
	for _, v := range w.Window {
		if v {
			hits++
		}
	}
	w.Precision = float64(hits) / float64(len(w.Window))

	switch {
	case w.Precision < u.cfg.PrecisionFloor && w.Status != domain.RuleSuspended:
		w.Status = domain.RuleSuspended
		slog.Warn("rule suspended for low precision",
			"rule", w.Rule,
			"precision", w.Precision,
			"window", len(w.Window),
		)
		u.metrics.RecordSuspension(ctx, w.Rule, false)
	case w.Precision >= u.cfg.PrecisionFloor && w.Status == domain.RuleSuspended:
		w.Status = domain.RuleActive
		slog.Info("rule reactivated", "rule", w.Rule, "precision", w.Precision)
	}
}

// weightOf is the posterior mean, held at the exploration floor until the
// rule has MinSamples of evidence.
func (u *Updater) weightOf(alpha, beta float64) float64 {
	n := alpha + beta
	if n <= 0 {
		return 0
	}
	w := alpha / n
	if n < u.cfg.MinSamples && w < u.cfg.ExplorationFloor {
		w = u.cfg.ExplorationFloor
	}
	return w
}

// increment is 1, or scaled by financial impact when impact weighting is on.
func (u *Updater) increment(impact decimal.Decimal) float64 {
	if !u.cfg.ImpactWeighting || !impact.IsPositive() || u.cfg.ImpactUnit <= 0 {
		return 1
	}
	units, _ := impact.Div(decimal.NewFromFloat(u.cfg.ImpactUnit)).Float64()
	return math.Min(math.Max(units, 1), u.cfg.MaxImpactIncrement)
}

func corrupted(w domain.RuleWeight) bool {
	for _, v := range []float64{w.Alpha, w.Beta} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}

// Reset returns a rule to its prior, clearing suspension and corruption.
func (u *Updater) Reset(ctx context.Context, rule string) (domain.RuleWeight, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if _, ok := u.state.Snapshot().Get(rule); !ok && !u.rules.Has(rule) {
		return domain.RuleWeight{}, fmt.Errorf("%w: %s", ErrUnknownRule, rule)
	}

	prior := Prior(rule, u.state.InitialWeight(rule))
	snap := u.state.Apply(func(s *Snapshot) bool {
		s.Weights[rule] = prior
		return true
	})

	slog.Info("rule weight reset", "rule", rule, "version", snap.Version)
	u.persist(ctx, snap, nil, nil)
	u.publish(ctx, snap, nil)
	return prior, nil
}

func (u *Updater) persist(ctx context.Context, snap *Snapshot, applied []*domain.FeedbackRecord, candidates []*domain.CandidateRule) {
	if u.store == nil {
		return
	}
	for _, rec := range applied {
		if err := u.store.SaveFeedback(ctx, rec); err != nil {
			slog.Error("failed to save feedback", "tx_id", rec.TxID, "error", err)
		}
	}
	if err := u.store.SaveWeights(ctx, snap.List(), snap.Version); err != nil {
		slog.Error("failed to save weights", "version", snap.Version, "error", err)
	}
	for _, c := range candidates {
		if err := u.store.SaveCandidate(ctx, c); err != nil {
			slog.Error("failed to save candidate rule", "candidate_id", c.ID, "error", err)
		}
	}
}

// WeightsEvent is the payload published after every weight change.
type WeightsEvent struct {
	Version uint64              `json:"version"`
	Weights []domain.WeightView `json:"weights"`
}

func (u *Updater) publish(ctx context.Context, snap *Snapshot, candidates []*domain.CandidateRule) {
	if u.bus == nil {
		return
	}
	payload, err := json.Marshal(WeightsEvent{Version: snap.Version, Weights: snap.Views()})
	if err == nil {
		err = u.bus.Publish(ctx, domain.TopicWeightsUpdated, payload)
	}
	if err != nil {
		slog.Warn("failed to publish weights update", "version", snap.Version, "error", err)
	}

	for _, c := range candidates {
		payload, err := json.Marshal(c)
		if err == nil {
			err = u.bus.Publish(ctx, domain.TopicCandidateRule, payload)
		}
		if err != nil {
			slog.Warn("failed to publish candidate rule", "candidate_id", c.ID, "error", err)
		}
	}
}
