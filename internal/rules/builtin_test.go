package rules

import (
	"errors"
	"math"
	"testing"

	"github.com/opensource-finance/couponguard/internal/domain"
	"github.com/opensource-finance/couponguard/internal/identity"
)

const eps = 1e-9

func near(a, b float64) bool { return math.Abs(a-b) < eps }

func TestIdentityReuseRule(t *testing.T) {
	rule := IdentityReuseRule{Threshold: 2}

	tests := []struct {
		reuse    int
		wantVal  float64
		wantConf float64
	}{
		{0, 0, 1.0 / 3},
		{1, 0.5, 2.0 / 3},
		{2, 1, 1},
		{3, 1, 1},
	}
	for _, tt := range tests {
		sig := ReuseSignal(tt.reuse, rule.Threshold)
		if !near(sig.Value, tt.wantVal) || !near(sig.Confidence, tt.wantConf) {
			t.Errorf("reuse %d: expected (%.3f, %.3f), got (%.3f, %.3f)",
				tt.reuse, tt.wantVal, tt.wantConf, sig.Value, sig.Confidence)
		}
	}

	t.Run("CountsOnlyPriorTransactions", func(t *testing.T) {
		idx := identity.NewIndex(nil)
		txs := []*domain.Transaction{
			{ID: "tx-1", Phone: "+27600000001", Email: "a@x.com", UserName: "a"},
			{ID: "tx-2", Phone: "+27600000001", Email: "b@x.com", UserName: "b"},
			{ID: "tx-3", Phone: "+27600000001", Email: "c@x.com", UserName: "c"},
			{ID: "tx-4", Phone: "+27600000001", Email: "d@x.com", UserName: "d"},
		}
		for _, tx := range txs {
			idx.Record(tx)
		}

		sig, err := rule.Evaluate(txs[0], idx.Before("tx-1"))
		if err != nil || sig.Value != 0 {
			t.Errorf("first use should have value 0, got %.2f (err %v)", sig.Value, err)
		}
		sig, _ = rule.Evaluate(txs[3], idx.Before("tx-4"))
		if sig.Value != 1.0 {
			t.Errorf("reuse 3 with threshold 2 should cap at 1.0, got %.2f", sig.Value)
		}
	})

	t.Run("NoUsableKey", func(t *testing.T) {
		_, err := rule.Evaluate(&domain.Transaction{ID: "tx-x"}, identity.NewIndex(nil))
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestVendorBlacklistRule(t *testing.T) {
	idx := identity.NewIndex([]string{"FakeShop", "ScamStore", "FraudMart"})
	rule := VendorBlacklistRule{}

	sig, _ := rule.Evaluate(&domain.Transaction{VendorName: "FraudMart"}, idx)
	if sig.Value != 1 || sig.Confidence != 1 {
		t.Errorf("expected (1,1) for blacklisted vendor, got %+v", sig)
	}
	sig, _ = rule.Evaluate(&domain.Transaction{VendorName: "StoreB"}, idx)
	if sig.Value != 0 || sig.Confidence != 1 {
		t.Errorf("expected (0,1) for clean vendor, got %+v", sig)
	}
	if _, err := rule.Evaluate(&domain.Transaction{VendorName: " "}, idx); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for empty vendor, got %v", err)
	}
}

func TestDiscountAnomalyRule(t *testing.T) {
	rule := DiscountAnomalyRule{Ceiling: 0.5}

	t.Run("Values", func(t *testing.T) {
		tests := []struct {
			ratio float64
			want  float64
		}{
			{0.0, 0}, {0.3, 0}, {0.5, 0}, {0.75, 0.5}, {0.9, 0.8}, {1.0, 1},
		}
		for _, tt := range tests {
			sig, err := rule.Evaluate(&domain.Transaction{DiscountRatio: tt.ratio}, nil)
			if err != nil {
				t.Fatalf("ratio %.2f: unexpected error %v", tt.ratio, err)
			}
			if !near(sig.Value, tt.want) {
				t.Errorf("ratio %.2f: expected value %.2f, got %.4f", tt.ratio, tt.want, sig.Value)
			}
		}
	})

	t.Run("ConfidenceLowestAtCeiling", func(t *testing.T) {
		at := DiscountSignal(0.5, 0.5).Confidence
		near1 := DiscountSignal(0.55, 0.5).Confidence
		far := DiscountSignal(0.95, 0.5).Confidence
		low := DiscountSignal(0.05, 0.5).Confidence
		if !(at < near1 && near1 < far) {
			t.Errorf("confidence should rise away from ceiling: %.2f %.2f %.2f", at, near1, far)
		}
		if at != 0.5 || low <= at {
			t.Errorf("expected 0.5 at ceiling and higher toward 0, got %.2f / %.2f", at, low)
		}
	})

	t.Run("OutOfRangeIsInputDefect", func(t *testing.T) {
		for _, r := range []float64{-0.1, 1.2, math.NaN()} {
			sig, err := rule.Evaluate(&domain.Transaction{DiscountRatio: r}, nil)
			if !errors.Is(err, ErrInvalidInput) || sig.Fired() {
				t.Errorf("ratio %v: expected zero-confidence input defect, got %+v / %v", r, sig, err)
			}
		}
	})
}

func TestBaseProbabilityRule(t *testing.T) {
	rule := BaseProbabilityRule{Confidence: 0.5}

	sig, err := rule.Evaluate(&domain.Transaction{}, nil)
	if err != nil || sig.Fired() {
		t.Errorf("absent base probability should abstain, got %+v / %v", sig, err)
	}

	p := 0.42
	sig, _ = rule.Evaluate(&domain.Transaction{BaseProbability: &p}, nil)
	if sig.Value != 0.42 || sig.Confidence != 0.5 {
		t.Errorf("expected (0.42, 0.5), got %+v", sig)
	}

	bad := 1.5
	if _, err := rule.Evaluate(&domain.Transaction{BaseProbability: &bad}, nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestFeatures(t *testing.T) {
	tx := &domain.Transaction{
		VendorName:    "Scam Store",
		Email:         "fraud1@Mail.com",
		CouponCode:    " holiday50",
		Channel:       "online",
		DiscountRatio: 1.0,
	}
	f := Features(tx, 0.5)

	want := map[string]string{
		domain.FeatureVendor:       "scam store",
		domain.FeatureEmailDomain:  "mail.com",
		domain.FeatureCouponCode:   "HOLIDAY50",
		domain.FeatureChannel:      "online",
		domain.FeatureDiscountBand: BandFull,
	}
	if len(f) != len(want) {
		t.Fatalf("expected %d features, got %v", len(want), f)
	}
	for k, v := range want {
		if f[k] != v {
			t.Errorf("%s: expected %q, got %q", k, v, f[k])
		}
	}
}
