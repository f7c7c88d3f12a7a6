package learning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/opensource-finance/couponguard/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ruleSet map[string]bool

func (r ruleSet) Has(name string) bool { return r[name] }

type fakeStore struct {
	mu         sync.Mutex
	feedback   []*domain.FeedbackRecord
	versions   []uint64
	candidates []*domain.CandidateRule
	lookupErr  error
}

func (f *fakeStore) SaveFeedback(_ context.Context, rec *domain.FeedbackRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feedback = append(f.feedback, rec)
	return nil
}

func (f *fakeStore) GetFeedback(_ context.Context, txID string) (*domain.FeedbackRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	for _, rec := range f.feedback {
		if rec.TxID == txID {
			return rec, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeStore) SaveWeights(_ context.Context, _ []domain.RuleWeight, version uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions = append(f.versions, version)
	return nil
}

func (f *fakeStore) SaveCandidate(_ context.Context, c *domain.CandidateRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

type fakeBus struct {
	mu     sync.Mutex
	topics []string
}

func (b *fakeBus) Publish(_ context.Context, topic string, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = append(b.topics, topic)
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string, domain.MessageHandler) (domain.Subscription, error) {
	return nil, nil
}

func (b *fakeBus) Ping(context.Context) error { return nil }
func (b *fakeBus) Close() error               { return nil }

func newTestUpdater(cfg domain.LearningConfig, opts Options, rules ...string) *Updater {
	set := ruleSet{}
	for _, r := range rules {
		set[r] = true
	}
	return NewUpdater(NewState(rules, nil), set, cfg, opts)
}

func record(txID string, label domain.Label, signals ...domain.RuleSignal) *domain.FeedbackRecord {
	return &domain.FeedbackRecord{TxID: txID, Label: label, Signals: signals}
}

func fired(rule string, value float64) domain.RuleSignal {
	return domain.RuleSignal{Rule: rule, Value: value, Confidence: 1, Weight: 0.5, Contribution: 0.5 * value}
}

func TestMoreSuccessesGiveHigherWeight(t *testing.T) {
	u := newTestUpdater(domain.DefaultConfig().Learning, Options{}, "a", "b")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		u.Apply(ctx, []*domain.FeedbackRecord{record(fmt.Sprintf("a-%d", i), domain.LabelFraud, fired("a", 0.9))})
	}
	for i := 0; i < 4; i++ {
		u.Apply(ctx, []*domain.FeedbackRecord{record(fmt.Sprintf("b-%d", i), domain.LabelFraud, fired("b", 0.9))})
	}

	snap := u.State().Snapshot()
	a, _ := snap.Get("a")
	b, _ := snap.Get("b")

	assert.InDelta(t, 6.0/7.0, a.Weight, 1e-9)
	assert.InDelta(t, 5.0/6.0, b.Weight, 1e-9)
	assert.Greater(t, a.Weight, b.Weight)
	assert.Equal(t, int64(5), a.Successes)
}

func TestWeightMovesMonotonicallyWithDiminishingSteps(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name  string
		label domain.Label
		value float64
		up    bool
	}{
		{"Successes", domain.LabelFraud, 0.9, true},
		{"Failures", domain.LabelLegitimate, 0.9, false},
		{"CorrectAbstain", domain.LabelLegitimate, 0.1, true},
		{"MissedFraud", domain.LabelFraud, 0.1, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			u := newTestUpdater(domain.DefaultConfig().Learning, Options{}, "r")
			prev := 0.5
			prevStep := 1.0
			for i := 0; i < 7; i++ {
				u.Apply(ctx, []*domain.FeedbackRecord{record(fmt.Sprintf("tx-%d", i), tc.label, fired("r", tc.value))})
				w, _ := u.State().Snapshot().Get("r")
				step := w.Weight - prev
				if !tc.up {
					step = -step
				}
				require.Greater(t, step, 0.0, "update %d moved the wrong way", i)
				require.Less(t, step, prevStep, "update %d did not shrink", i)
				prev, prevStep = w.Weight, step
			}
		})
	}
}

func TestConfiguredPriorsMoveMonotonically(t *testing.T) {
	ctx := context.Background()
	cfg := domain.DefaultConfig()
	initial := cfg.Scoring.InitialWeights

	var rules []string
	set := ruleSet{}
	for rule := range initial {
		rules = append(rules, rule)
		set[rule] = true
	}

	for _, rule := range rules {
		t.Run(rule, func(t *testing.T) {
			for _, fraud := range []bool{true, false} {
				u := NewUpdater(NewState(rules, initial), set, cfg.Learning, Options{})
				prior, _ := u.State().Snapshot().Get(rule)
				require.InDelta(t, initial[rule], prior.Weight, 1e-9)

				label := domain.LabelLegitimate
				if fraud {
					label = domain.LabelFraud
				}
				prev := prior.Weight
				prevStep := 1.0
				for i := 0; i < 7; i++ {
					u.Apply(ctx, []*domain.FeedbackRecord{record(fmt.Sprintf("tx-%d", i), label, fired(rule, 0.9))})
					w, _ := u.State().Snapshot().Get(rule)
					step := w.Weight - prev
					if !fraud {
						step = -step
					}
					require.Greater(t, step, 0.0, "%s update %d moved the wrong way", label, i)
					require.Less(t, step, prevStep, "%s update %d did not shrink", label, i)
					prev, prevStep = w.Weight, step
				}
			}
		})
	}

	t.Run("FirstSuccessRaisesVendorWeight", func(t *testing.T) {
		u := NewUpdater(NewState(rules, initial), set, cfg.Learning, Options{})
		u.Apply(ctx, []*domain.FeedbackRecord{record("tx-1", domain.LabelFraud, fired(domain.RuleVendorBlacklist, 1))})
		w, _ := u.State().Snapshot().Get(domain.RuleVendorBlacklist)
		assert.InDelta(t, 2.8/3.0, w.Weight, 1e-9)
		assert.Greater(t, w.Weight, 0.9)
	})
}

func TestExplorationFloor(t *testing.T) {
	cfg := domain.DefaultConfig().Learning
	cfg.ExplorationFloor = 0.3
	cfg.MinSamples = 10
	u := newTestUpdater(cfg, Options{}, "r")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		u.Apply(ctx, []*domain.FeedbackRecord{record(fmt.Sprintf("tx-%d", i), domain.LabelLegitimate, fired("r", 0.9))})
	}
	w, _ := u.State().Snapshot().Get("r")
	assert.InDelta(t, 0.2, w.Mean(), 1e-9)
	assert.Equal(t, 0.3, w.Weight, "weight held at floor below min samples")

	for i := 3; i < 8; i++ {
		u.Apply(ctx, []*domain.FeedbackRecord{record(fmt.Sprintf("tx-%d", i), domain.LabelLegitimate, fired("r", 0.9))})
	}
	w, _ = u.State().Snapshot().Get("r")
	assert.Equal(t, 10.0, w.Samples())
	assert.InDelta(t, 0.1, w.Weight, 1e-9, "floor released once evidence is sufficient")
}

func TestFeedbackIsAppliedAtMostOnce(t *testing.T) {
	u := newTestUpdater(domain.DefaultConfig().Learning, Options{}, "r")
	ctx := context.Background()

	out := u.Apply(ctx, []*domain.FeedbackRecord{record("tx-1", domain.LabelFraud, fired("r", 0.9))})
	require.Len(t, out, 1)
	assert.Equal(t, domain.FeedbackApplied, out[0].Status)
	version := u.State().Snapshot().Version

	out = u.Apply(ctx, []*domain.FeedbackRecord{record("tx-1", domain.LabelFraud, fired("r", 0.9))})
	assert.Equal(t, domain.FeedbackDuplicate, out[0].Status)
	assert.Equal(t, version, u.State().Snapshot().Version, "duplicate must not change state")

	out = u.Apply(ctx, []*domain.FeedbackRecord{record("tx-1", domain.LabelLegitimate, fired("r", 0.9))})
	assert.Equal(t, domain.FeedbackConflict, out[0].Status)
	assert.Equal(t, version, u.State().Snapshot().Version)

	t.Run("WithinOneBatch", func(t *testing.T) {
		out := u.Apply(ctx, []*domain.FeedbackRecord{
			record("tx-2", domain.LabelFraud, fired("r", 0.9)),
			record("tx-2", domain.LabelFraud, fired("r", 0.9)),
		})
		assert.Equal(t, domain.FeedbackApplied, out[0].Status)
		assert.Equal(t, domain.FeedbackDuplicate, out[1].Status)
		w, _ := u.State().Snapshot().Get("r")
		assert.Equal(t, 3.0, w.Alpha)
	})

	t.Run("HistoryReload", func(t *testing.T) {
		fresh := newTestUpdater(domain.DefaultConfig().Learning, Options{}, "r")
		fresh.LoadHistory([]*domain.FeedbackRecord{record("tx-9", domain.LabelFraud)})
		out := fresh.Apply(ctx, []*domain.FeedbackRecord{record("tx-9", domain.LabelFraud, fired("r", 0.9))})
		assert.Equal(t, domain.FeedbackDuplicate, out[0].Status)
	})

	t.Run("StoredOutsideHistory", func(t *testing.T) {
		store := &fakeStore{feedback: []*domain.FeedbackRecord{record("tx-old", domain.LabelFraud)}}
		fresh := newTestUpdater(domain.DefaultConfig().Learning, Options{Store: store}, "r")

		out := fresh.Apply(ctx, []*domain.FeedbackRecord{record("tx-old", domain.LabelFraud, fired("r", 0.9))})
		assert.Equal(t, domain.FeedbackDuplicate, out[0].Status)
		out = fresh.Apply(ctx, []*domain.FeedbackRecord{record("tx-old", domain.LabelLegitimate, fired("r", 0.9))})
		assert.Equal(t, domain.FeedbackConflict, out[0].Status)

		assert.Equal(t, uint64(0), fresh.State().Snapshot().Version)
		w, _ := fresh.State().Snapshot().Get("r")
		assert.Equal(t, 1.0, w.Alpha)
		assert.Len(t, store.feedback, 1)
		assert.Empty(t, store.versions)

		label, ok := fresh.Seen("tx-old")
		assert.True(t, ok)
		assert.Equal(t, domain.LabelFraud, label)
	})

	t.Run("HistoryUnavailable", func(t *testing.T) {
		store := &fakeStore{lookupErr: errors.New("database is locked")}
		fresh := newTestUpdater(domain.DefaultConfig().Learning, Options{Store: store}, "r")

		out := fresh.Apply(ctx, []*domain.FeedbackRecord{record("tx-1", domain.LabelFraud, fired("r", 0.9))})
		assert.Equal(t, domain.FeedbackInvalid, out[0].Status)
		assert.Equal(t, "tx-1", out[0].TxID)
		assert.Equal(t, uint64(0), fresh.State().Snapshot().Version)
		_, ok := fresh.Seen("tx-1")
		assert.False(t, ok, "a transaction that was not applied stays retryable")
	})

	t.Run("Invalid", func(t *testing.T) {
		out := u.Apply(ctx, []*domain.FeedbackRecord{
			record("", domain.LabelFraud),
			record("tx-3", domain.Label("MAYBE")),
		})
		assert.Equal(t, domain.FeedbackInvalid, out[0].Status)
		assert.Equal(t, domain.FeedbackInvalid, out[1].Status)
	})
}

func TestSkippedSignals(t *testing.T) {
	u := newTestUpdater(domain.DefaultConfig().Learning, Options{}, "r")

	out := u.Apply(context.Background(), []*domain.FeedbackRecord{record("tx-1", domain.LabelFraud,
		fired("retired_rule", 0.9),
		domain.RuleSignal{Rule: "r", Value: 0, Confidence: 0},
	)})

	require.Len(t, out[0].RuleUpdates, 2)
	assert.Equal(t, domain.UpdateSkipped, out[0].RuleUpdates[0].Result)
	assert.Equal(t, domain.ReasonUnknownRule, out[0].RuleUpdates[0].Reason)
	assert.Equal(t, domain.ReasonNotFired, out[0].RuleUpdates[1].Reason)

	w, _ := u.State().Snapshot().Get("r")
	assert.Equal(t, 1.0, w.Alpha)
	assert.Equal(t, 1.0, w.Beta)
}

func TestSuspensionAndReactivation(t *testing.T) {
	cfg := domain.DefaultConfig().Learning
	u := newTestUpdater(cfg, Options{}, "r")
	ctx := context.Background()

	apply := func(id string, label domain.Label) domain.RuleWeight {
		u.Apply(ctx, []*domain.FeedbackRecord{record(id, label, fired("r", 0.9))})
		w, _ := u.State().Snapshot().Get("r")
		return w
	}

	for i := 0; i < 9; i++ {
		w := apply(fmt.Sprintf("fp-%d", i), domain.LabelLegitimate)
		require.Equal(t, domain.RuleActive, w.Status, "too few samples to judge precision")
	}
	w := apply("fp-9", domain.LabelLegitimate)
	assert.Equal(t, domain.RuleSuspended, w.Status)
	assert.Equal(t, 0.0, w.Precision)

	for i := 0; i < 4; i++ {
		w = apply(fmt.Sprintf("tp-%d", i), domain.LabelFraud)
	}
	assert.Equal(t, domain.RuleSuspended, w.Status, "4/14 is below the floor")
	assert.Equal(t, int64(4), w.Successes, "suspended rules keep learning")

	w = apply("tp-4", domain.LabelFraud)
	assert.Equal(t, domain.RuleActive, w.Status)
	assert.InDelta(t, 5.0/15.0, w.Precision, 1e-9)

	t.Run("WindowIsBounded", func(t *testing.T) {
		for i := 0; i < 60; i++ {
			w = apply(fmt.Sprintf("more-%d", i), domain.LabelFraud)
		}
		assert.Len(t, w.Window, cfg.PrecisionWindow)
		assert.Equal(t, 1.0, w.Precision)
	})
}

func TestCorruptedStateSuspendsOnlyThatRule(t *testing.T) {
	store := &fakeStore{}
	u := newTestUpdater(domain.DefaultConfig().Learning, Options{Store: store}, "a", "b")
	ctx := context.Background()

	u.State().Restore([]domain.RuleWeight{{Rule: "a", Alpha: -3, Beta: 1, Status: domain.RuleActive}}, 0)

	out := u.Apply(ctx, []*domain.FeedbackRecord{record("tx-1", domain.LabelFraud, fired("a", 0.9), fired("b", 0.9))})
	require.Len(t, out[0].RuleUpdates, 2)
	assert.Equal(t, domain.UpdateFailure, out[0].RuleUpdates[0].Result)
	assert.Equal(t, domain.ReasonCorrupted, out[0].RuleUpdates[0].Reason)
	assert.Equal(t, domain.UpdateSuccess, out[0].RuleUpdates[1].Result)

	a, _ := u.State().Snapshot().Get("a")
	assert.True(t, a.Corrupted)
	assert.Equal(t, domain.RuleSuspended, a.Status)

	out = u.Apply(ctx, []*domain.FeedbackRecord{record("tx-2", domain.LabelFraud, fired("a", 0.9))})
	assert.Equal(t, domain.ReasonCorrupted, out[0].RuleUpdates[0].Reason)

	reset, err := u.Reset(ctx, "a")
	require.NoError(t, err)
	assert.False(t, reset.Corrupted)
	assert.Equal(t, domain.RuleActive, reset.Status)
	assert.Equal(t, 1.0, reset.Alpha)

	_, err = u.Reset(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownRule)
}

func TestBatchIsPublishedAtomically(t *testing.T) {
	store := &fakeStore{}
	bus := &fakeBus{}
	u := newTestUpdater(domain.DefaultConfig().Learning, Options{Store: store, Bus: bus}, "r")
	ctx := context.Background()

	const batches, size = 20, 5
	var stop atomic.Bool
	var torn atomic.Int64
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for !stop.Load() {
			w, _ := u.State().Snapshot().Get("r")
			if w.Successes%size != 0 {
				torn.Add(1)
			}
		}
	}()

	for b := 0; b < batches; b++ {
		recs := make([]*domain.FeedbackRecord, size)
		for i := range recs {
			recs[i] = record(fmt.Sprintf("tx-%d-%d", b, i), domain.LabelFraud, fired("r", 0.9))
		}
		u.Apply(ctx, recs)
	}
	stop.Store(true)
	wg.Wait()

	assert.Zero(t, torn.Load(), "reader observed a partially applied batch")
	assert.Equal(t, uint64(batches), u.State().Snapshot().Version)
	assert.Len(t, store.feedback, batches*size)
	assert.Len(t, store.versions, batches)
	assert.Contains(t, bus.topics, domain.TopicWeightsUpdated)
}

func TestImpactWeighting(t *testing.T) {
	cfg := domain.DefaultConfig().Learning
	cfg.ImpactWeighting = true
	u := newTestUpdater(cfg, Options{}, "r")

	tests := []struct {
		impact string
		want   float64
	}{
		{"10", 1},
		{"100", 2},
		{"125", 2.5},
		{"100000", 5},
		{"0", 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, u.increment(decimal.RequireFromString(tt.impact)), "impact %s", tt.impact)
	}

	rec := record("tx-1", domain.LabelFraud, fired("r", 0.9))
	rec.Impact = decimal.NewFromInt(150)
	u.Apply(context.Background(), []*domain.FeedbackRecord{rec})
	w, _ := u.State().Snapshot().Get("r")
	assert.Equal(t, 4.0, w.Alpha)
}

func TestPerRuleDecisionThreshold(t *testing.T) {
	cfg := domain.DefaultConfig().Learning
	cfg.DecisionThresholds = map[string]float64{"r": 0.95}
	u := newTestUpdater(cfg, Options{}, "r")

	out := u.Apply(context.Background(), []*domain.FeedbackRecord{record("tx-1", domain.LabelLegitimate, fired("r", 0.9))})
	assert.Equal(t, domain.UpdateSuccess, out[0].RuleUpdates[0].Result, "0.9 is below the rule's own threshold")
}
