package service

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/couponguard/internal/bus"
	"github.com/opensource-finance/couponguard/internal/cache"
	"github.com/opensource-finance/couponguard/internal/domain"
	"github.com/opensource-finance/couponguard/internal/identity"
	"github.com/opensource-finance/couponguard/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc   *Service
	cfg   *domain.Config
	repo  *repository.SQLRepository
	cache *cache.LRUCache
	bus   *bus.ChannelBus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "service.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	lru := cache.NewLRUCache(100)
	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	cfg := domain.DefaultConfig()
	svc, err := Bootstrap(context.Background(), cfg, Backends{Repo: repo, Cache: lru, Bus: eventBus})
	require.NoError(t, err)

	return &fixture{svc: svc, cfg: cfg, repo: repo, cache: lru, bus: eventBus}
}

func suspicious(id string) *domain.Transaction {
	return &domain.Transaction{
		ID:             id,
		UserName:       "Jane Doe",
		Phone:          "+1 555 0100",
		Email:          "jane@mail.com",
		VendorName:     "ScamStore",
		CouponCode:     "HOLIDAY50",
		OriginalAmount: decimal.NewFromInt(100),
		DiscountAmount: decimal.NewFromInt(90),
		FinalAmount:    decimal.NewFromInt(10),
		DiscountRatio:  0.9,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestScorePersistsCachesAndAlerts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alerts := make(chan *domain.Message, 1)
	_, err := f.bus.Subscribe(ctx, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
		alerts <- msg
		return nil
	})
	require.NoError(t, err)

	scored, err := f.svc.Score(ctx, suspicious("tx-1"))
	require.NoError(t, err)

	// vendor 0.9·1·1, discount 0.8·0.9·0.8, identity 0.85·(1/3)·0
	want := (0.9 + 0.576) / (0.9 + 0.72 + 0.85/3)
	assert.InDelta(t, want, scored.FraudProbability, 1e-9)
	assert.Equal(t, domain.TierHigh, scored.RiskTier)
	assert.True(t, scored.ManualReview)
	require.NotEmpty(t, scored.Triggered)
	assert.Equal(t, domain.RuleVendorBlacklist, scored.Triggered[0].Rule)

	stored, err := f.repo.GetScore(ctx, "tx-1")
	require.NoError(t, err)
	assert.InDelta(t, scored.FraudProbability, stored.FraudProbability, 1e-12)

	cached, err := f.cache.GetScore(ctx, "tx-1")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, scored.RiskTier, cached.RiskTier)

	select {
	case msg := <-alerts:
		var payload domain.ScoredTransaction
		require.NoError(t, json.Unmarshal(msg.Payload, &payload))
		assert.Equal(t, "tx-1", payload.TxID)
	case <-time.After(time.Second):
		t.Fatal("expected an alert for a HIGH score")
	}

	again, err := f.svc.Score(ctx, suspicious("tx-1"))
	require.NoError(t, err)
	assert.True(t, scored.ScoredAt.Equal(again.ScoredAt), "a stored transaction is not rescored")
	assert.Equal(t, 1, f.svc.Index().ReuseCount(identity.KindEmail, "jane@mail.com"))

	_, err = f.svc.Score(ctx, &domain.Transaction{})
	assert.Error(t, err)
}

func TestScoreBatchSummarizes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txs := []*domain.Transaction{suspicious("b-1"), suspicious("b-2"), suspicious("b-3")}
	scored, summary, err := f.svc.ScoreBatch(ctx, txs)
	require.NoError(t, err)
	require.Len(t, scored, 3)

	assert.Equal(t, 3, summary.Total)
	assert.Less(t, scored[0].FraudProbability, scored[2].FraudProbability, "later transactions see identity reuse")

	for _, id := range []string{"b-1", "b-2", "b-3"} {
		_, err := f.repo.GetTransaction(ctx, id)
		assert.NoError(t, err)
	}

	_, _, err = f.svc.ScoreBatch(ctx, []*domain.Transaction{{ID: "ok"}, nil})
	assert.Error(t, err)
}

func TestFeedbackResolvesStoredSignals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Score(ctx, suspicious("tx-1"))
	require.NoError(t, err)

	outcomes := f.svc.Feedback(ctx, []*domain.FeedbackRecord{
		{TxID: "tx-1", Label: "fraud", Reviewer: "analyst"},
		{TxID: "never-scored", Label: domain.LabelFraud},
		{TxID: "tx-2", Label: "unsure"},
		{Label: domain.LabelFraud},
	}, false)
	require.Len(t, outcomes, 4)

	assert.Equal(t, domain.FeedbackApplied, outcomes[0].Status)
	assert.NotEmpty(t, outcomes[0].RuleUpdates)
	assert.Equal(t, domain.FeedbackUnknownTransaction, outcomes[1].Status)
	assert.Equal(t, domain.FeedbackInvalid, outcomes[2].Status)
	assert.Equal(t, domain.FeedbackInvalid, outcomes[3].Status)

	rec, err := f.repo.GetFeedback(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, domain.LabelFraud, rec.Label)
	assert.NotEmpty(t, rec.Signals)
	assert.Equal(t, "HOLIDAY50", rec.Features[domain.FeatureCouponCode])

	w, ok := f.svc.Weights().Get(domain.RuleVendorBlacklist)
	require.True(t, ok)
	assert.InDelta(t, 2.8, w.Alpha, 1e-9)

	again := f.svc.Feedback(ctx, []*domain.FeedbackRecord{{TxID: "tx-1", Label: domain.LabelLegitimate}}, false)
	assert.Equal(t, domain.FeedbackConflict, again[0].Status)
}

func TestBufferedFeedback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Score(ctx, suspicious("tx-1"))
	require.NoError(t, err)
	before := f.svc.Weights().Version

	out := f.svc.Feedback(ctx, []*domain.FeedbackRecord{{TxID: "tx-1", Label: domain.LabelFraud}}, true)
	assert.Equal(t, domain.FeedbackBuffered, out[0].Status)
	assert.Equal(t, 1, f.svc.PendingFeedback())
	assert.Equal(t, before, f.svc.Weights().Version)

	flushed := f.svc.FlushFeedback(ctx)
	require.Len(t, flushed, 1)
	assert.Equal(t, domain.FeedbackApplied, flushed[0].Status)
	assert.Equal(t, before+1, f.svc.Weights().Version)

	out = f.svc.Feedback(ctx, []*domain.FeedbackRecord{{TxID: "tx-1", Label: domain.LabelFraud}}, true)
	assert.Equal(t, domain.FeedbackDuplicate, out[0].Status)
	assert.Zero(t, f.svc.PendingFeedback())
}

func TestCandidateReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := &domain.CandidateRule{
		ID:         "cand-1",
		Predicate:  map[string]string{domain.FeatureCouponCode: "HOLIDAY50", domain.FeatureVendor: "storec"},
		Expression: `coupon_code == "HOLIDAY50" && vendor == "storec"`,
		Support:    5,
		Status:     domain.CandidatePending,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, f.repo.SaveCandidate(ctx, c))
	require.NoError(t, f.repo.SaveCandidate(ctx, &domain.CandidateRule{
		ID: "cand-2", Expression: `merchant == "x"`, Predicate: map[string]string{domain.FeatureMerchant: "x"},
		Support: 5, Status: domain.CandidatePending,
	}))

	pending, err := f.svc.ListCandidates(ctx, domain.CandidatePending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	rule, err := f.svc.ApproveCandidate(ctx, "cand-1")
	require.NoError(t, err)
	assert.Equal(t, "suggested_cand1", rule.ID)
	assert.Equal(t, "cand-1", rule.CandidateID)
	assert.True(t, f.svc.Catalog().Has(rule.ID))

	_, ok := f.svc.Weights().Get(rule.ID)
	assert.True(t, ok, "an installed rule gets weight state")

	_, err = f.svc.ApproveCandidate(ctx, "cand-1")
	assert.ErrorIs(t, err, ErrAlreadyReviewed)

	rejected, err := f.svc.RejectCandidate(ctx, "cand-2")
	require.NoError(t, err)
	assert.Equal(t, domain.CandidateRejected, rejected.Status)
	assert.NotNil(t, rejected.ReviewedAt)

	_, err = f.svc.RejectCandidate(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	scored, err := f.svc.Score(ctx, &domain.Transaction{
		ID: "tx-c", VendorName: "StoreC", CouponCode: "holiday50", Email: "a@b.com",
	})
	require.NoError(t, err)
	var fired bool
	for _, s := range scored.Signals {
		if s.Rule == rule.ID {
			fired = s.Value == 1
		}
	}
	assert.True(t, fired, "the approved rule evaluates new transactions")
}

func TestSaveRuleValidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Error(t, f.svc.SaveRule(ctx, &domain.RuleConfig{ID: "bad", Expression: "vendor ==", Enabled: true}))
	assert.Error(t, f.svc.SaveRule(ctx, &domain.RuleConfig{ID: domain.RuleVendorBlacklist, Expression: "true", Enabled: true}))

	rule := &domain.RuleConfig{Name: "Web channel", Expression: `channel == "web"`, Enabled: true}
	require.NoError(t, f.svc.SaveRule(ctx, rule))
	assert.NotEmpty(t, rule.ID)
	assert.True(t, f.svc.Catalog().Has(rule.ID))

	rule.Enabled = false
	require.NoError(t, f.svc.SaveRule(ctx, rule))
	assert.False(t, f.svc.Catalog().Has(rule.ID))
}

func TestBlacklistVendor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	added, err := f.svc.BlacklistVendor(ctx, "Coupon Mill", "chargebacks")
	require.NoError(t, err)
	assert.True(t, added)
	assert.True(t, f.svc.Index().IsBlacklistedVendor("coupon mill"))

	added, err = f.svc.BlacklistVendor(ctx, "COUPON MILL", "")
	require.NoError(t, err)
	assert.False(t, added)

	_, err = f.svc.BlacklistVendor(ctx, "  ", "")
	assert.Error(t, err)

	vendors, err := f.repo.ListBlacklistedVendors(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"coupon mill"}, vendors)
}

func TestBootstrapRestoresState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Score(ctx, suspicious("tx-1"))
	require.NoError(t, err)
	f.svc.Feedback(ctx, []*domain.FeedbackRecord{{TxID: "tx-1", Label: domain.LabelFraud}}, false)
	_, err = f.svc.BlacklistVendor(ctx, "Coupon Mill", "")
	require.NoError(t, err)
	version := f.svc.Weights().Version

	restarted, err := Bootstrap(ctx, f.cfg, Backends{Repo: f.repo})
	require.NoError(t, err)

	assert.Equal(t, version, restarted.Weights().Version)
	w, _ := restarted.Weights().Get(domain.RuleVendorBlacklist)
	assert.InDelta(t, 2.8, w.Alpha, 1e-9)

	label, ok := restarted.Updater().Seen("tx-1")
	assert.True(t, ok)
	assert.Equal(t, domain.LabelFraud, label)

	assert.True(t, restarted.Index().IsBlacklistedVendor("coupon mill"))
	assert.True(t, restarted.Index().Recorded("tx-1"))

	out := restarted.Feedback(ctx, []*domain.FeedbackRecord{{TxID: "tx-1", Label: domain.LabelFraud}}, false)
	assert.Equal(t, domain.FeedbackDuplicate, out[0].Status, "dedup survives restart")
}

func TestFeedbackDedupSurvivesRestartBeyondLookback(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "restart.db")
	cfg := domain.DefaultConfig()

	open := func() (*Service, *repository.SQLRepository) {
		repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: path})
		require.NoError(t, err)
		svc, err := Bootstrap(ctx, cfg, Backends{Repo: repo})
		require.NoError(t, err)
		return svc, repo
	}

	svc, repo := open()
	_, err := svc.Score(ctx, suspicious("tx-old"))
	require.NoError(t, err)

	labeled := time.Now().UTC().Add(-60 * 24 * time.Hour)
	out := svc.Feedback(ctx, []*domain.FeedbackRecord{{TxID: "tx-old", Label: domain.LabelFraud, Timestamp: labeled}}, false)
	require.Equal(t, domain.FeedbackApplied, out[0].Status)
	before, _ := svc.Weights().Get(domain.RuleVendorBlacklist)
	version := svc.Weights().Version
	require.NoError(t, repo.Close())

	restarted, repo := open()
	t.Cleanup(func() { repo.Close() })
	_, seen := restarted.Updater().Seen("tx-old")
	require.False(t, seen, "label is older than the reloaded history")

	out = restarted.Feedback(ctx, []*domain.FeedbackRecord{{TxID: "tx-old", Label: domain.LabelFraud}}, false)
	assert.Equal(t, domain.FeedbackDuplicate, out[0].Status)
	out = restarted.Feedback(ctx, []*domain.FeedbackRecord{{TxID: "tx-old", Label: domain.LabelLegitimate}}, false)
	assert.Equal(t, domain.FeedbackConflict, out[0].Status)

	after, _ := restarted.Weights().Get(domain.RuleVendorBlacklist)
	assert.Equal(t, before.Alpha, after.Alpha)
	assert.Equal(t, before.Beta, after.Beta)
	assert.Equal(t, version, restarted.Weights().Version)

	stored, err := repo.GetFeedback(ctx, "tx-old")
	require.NoError(t, err)
	assert.WithinDuration(t, labeled, stored.Timestamp, time.Second)
}

func TestMetricsReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Score(ctx, suspicious("tx-1"))
	require.NoError(t, err)
	clean := &domain.Transaction{ID: "tx-2", VendorName: "GoodShop", Email: "x@y.com", DiscountRatio: 0.1}
	_, err = f.svc.Score(ctx, clean)
	require.NoError(t, err)

	f.svc.Feedback(ctx, []*domain.FeedbackRecord{
		{TxID: "tx-1", Label: domain.LabelFraud},
		{TxID: "tx-2", Label: domain.LabelLegitimate},
	}, false)

	report, err := f.svc.Metrics(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Classification.Samples)
	assert.Equal(t, 1, report.Classification.Confusion.TruePositives)
	assert.Equal(t, 1, report.Classification.Confusion.TrueNegatives)
	assert.NotEmpty(t, report.Rules)
	assert.Equal(t, f.svc.Weights().Version, report.WeightsVersion)
}

func TestScoreDerivesDiscountRatio(t *testing.T) {
	f := newFixture(t)

	tx := &domain.Transaction{
		ID:             "tx-amounts",
		Email:          "a@b.com",
		VendorName:     "GoodShop",
		OriginalAmount: decimal.RequireFromString("80.00"),
		DiscountAmount: decimal.RequireFromString("60.00"),
	}
	scored, err := f.svc.Score(context.Background(), tx)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, tx.DiscountRatio, 1e-9)

	for _, s := range scored.Signals {
		if s.Rule == domain.RuleDiscountAnomaly {
			assert.InDelta(t, 0.5, s.Value, 1e-9)
		}
	}
}
