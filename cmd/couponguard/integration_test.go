//go:build integration

// End-to-end tests against a running couponguard server.
//
// Run with: COUPONGUARD_TEST_URL=http://localhost:8080 go test -tags=integration -v ./cmd/couponguard/...
//
// The server keeps state between runs, so every test uses identities and
// transaction ids unique to the run and asserts on signal values rather than
// on learned weights.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/couponguard/internal/api"
	"github.com/opensource-finance/couponguard/internal/domain"
	"github.com/shopspring/decimal"
)

func baseURL() string {
	if u := os.Getenv("COUPONGUARD_TEST_URL"); u != "" {
		return u
	}
	return "http://localhost:8080"
}

var runID = time.Now().UnixNano()

func unique(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, runID)
}

func post(t *testing.T, path string, body any) (int, []byte) {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	resp, err := http.Post(baseURL()+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, data
}

func score(t *testing.T, req api.TransactionRequest) domain.ScoredTransaction {
	t.Helper()
	status, data := post(t, "/score", req)
	if status != http.StatusOK {
		t.Fatalf("expected 200 from /score, got %d: %s", status, data)
	}
	var result domain.ScoredTransaction
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("decode score: %v", err)
	}
	return result
}

func signal(result domain.ScoredTransaction, rule string) (domain.RuleSignal, bool) {
	for _, s := range result.Signals {
		if s.Rule == rule {
			return s, true
		}
	}
	return domain.RuleSignal{}, false
}

func redemption(id, email, vendor string, original, discount int64) api.TransactionRequest {
	o := decimal.NewFromInt(original)
	d := decimal.NewFromInt(discount)
	return api.TransactionRequest{
		ID:             id,
		UserName:       "User " + email,
		Email:          email,
		Phone:          "+2782" + fmt.Sprint(runID%10000000),
		VendorName:     vendor,
		Merchant:       "StoreA",
		Channel:        "online",
		CouponCode:     "SAVE10",
		ItemsCount:     1,
		OriginalAmount: o,
		DiscountAmount: d,
		FinalAmount:    o.Sub(d),
	}
}

func TestMain(m *testing.M) {
	resp, err := http.Get(baseURL() + "/health")
	if err != nil {
		fmt.Printf("couponguard not reachable at %s: %v\n", baseURL(), err)
		os.Exit(1)
	}
	resp.Body.Close()
	os.Exit(m.Run())
}

func TestLegitimateRedemption_LowRisk(t *testing.T) {
	req := redemption(unique("legit"), unique("legit")+"@example.com", "StoreA", 100, 10)
	req.Phone = ""
	result := score(t, req)

	if result.FraudProbability != 0 {
		t.Errorf("expected probability 0, got %v", result.FraudProbability)
	}
	if result.RiskTier != domain.TierLow {
		t.Errorf("expected LOW, got %s", result.RiskTier)
	}
	if result.ManualReview {
		t.Error("legitimate redemption should not need review")
	}
}

func TestBlacklistedVendorWithDeepDiscount_Flagged(t *testing.T) {
	req := redemption(unique("abuse"), unique("abuse")+"@example.com", "ScamStore", 100, 90)
	req.Phone = ""
	result := score(t, req)

	vendor, ok := signal(result, domain.RuleVendorBlacklist)
	if !ok || vendor.Value != 1 {
		t.Errorf("expected vendor_blacklist value 1, got %+v", vendor)
	}
	discount, ok := signal(result, domain.RuleDiscountAnomaly)
	if !ok || discount.Value < 0.79 || discount.Value > 0.81 {
		t.Errorf("expected discount_anomaly value 0.8, got %+v", discount)
	}
	if result.FraudProbability < 0.5 {
		t.Errorf("expected probability above 0.5, got %v", result.FraudProbability)
	}
}

func TestRepeatedIdentity_RaisesReuse(t *testing.T) {
	email := unique("repeat") + "@example.com"

	first := score(t, redemption(unique("repeat-1"), email, "StoreB", 50, 5))
	second := score(t, redemption(unique("repeat-2"), email, "StoreB", 50, 5))

	a, _ := signal(first, domain.RuleIdentityReuse)
	b, ok := signal(second, domain.RuleIdentityReuse)
	if !ok {
		t.Fatal("expected an identity_reuse signal")
	}
	if b.Value <= a.Value {
		t.Errorf("expected reuse to grow, got %v then %v", a.Value, b.Value)
	}
}

func TestDuplicateTransaction_ReturnsStoredScore(t *testing.T) {
	req := redemption(unique("dup"), unique("dup")+"@example.com", "StoreC", 80, 8)
	first := score(t, req)
	second := score(t, req)

	if first.FraudProbability != second.FraudProbability || !first.ScoredAt.Equal(second.ScoredAt) {
		t.Errorf("expected the stored score back, got %+v and %+v", first, second)
	}
}

func TestFeedback_AppliedOnce(t *testing.T) {
	req := redemption(unique("fb"), unique("fb")+"@example.com", "FraudMart", 100, 70)
	result := score(t, req)

	body := api.FeedbackRequest{Records: []api.FeedbackRecordRequest{{
		TxID: result.TxID, Label: "FRAUD", Reviewer: "integration",
	}}}

	status, data := post(t, "/feedback", body)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", status, data)
	}
	var resp api.FeedbackResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Applied != 1 {
		t.Errorf("expected 1 applied record, got %+v", resp)
	}

	_, data = post(t, "/feedback", body)
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Applied != 0 || resp.Outcomes[0].Status != domain.FeedbackDuplicate {
		t.Errorf("expected duplicate on resubmission, got %+v", resp)
	}
}

func TestInvalidJSON_BadRequest(t *testing.T) {
	resp, err := http.Post(baseURL()+"/score", "application/json", bytes.NewReader([]byte("{bad")))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}
