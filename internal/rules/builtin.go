package rules

import (
	"math"

	"github.com/opensource-finance/couponguard/internal/domain"
	"github.com/opensource-finance/couponguard/internal/identity"
)

// IdentityReuseRule flags phone, email or user-name reuse across transactions.
type IdentityReuseRule struct {
	Threshold int
}

func (r IdentityReuseRule) Name() string { return domain.RuleIdentityReuse }

func (r IdentityReuseRule) Evaluate(tx *domain.Transaction, lookup identity.Lookup) (domain.Signal, error) {
	reuse, usable := maxReuse(tx, lookup)
	if !usable {
		return domain.NoSignal, invalid("no usable identity key")
	}
	return ReuseSignal(reuse, r.Threshold), nil
}

// ReuseSignal maps a prior reuse count onto a signal.
// The value saturates at the threshold; confidence grows with each repeat.
func ReuseSignal(reuse, threshold int) domain.Signal {
	if threshold < 1 {
		threshold = 1
	}
	return domain.Signal{
		Value:      math.Min(1, float64(reuse)/float64(threshold)),
		Confidence: math.Min(1, float64(reuse+1)/float64(threshold+1)),
	}
}

// VendorBlacklistRule is a deterministic membership check.
type VendorBlacklistRule struct{}

func (VendorBlacklistRule) Name() string { return domain.RuleVendorBlacklist }

func (VendorBlacklistRule) Evaluate(tx *domain.Transaction, lookup identity.Lookup) (domain.Signal, error) {
	if identity.NormalizeVendor(tx.VendorName) == "" {
		return domain.NoSignal, invalid("vendor name is empty")
	}
	if lookup.IsBlacklistedVendor(tx.VendorName) {
		return domain.Signal{Value: 1, Confidence: 1}, nil
	}
	return domain.Signal{Value: 0, Confidence: 1}, nil
}

// DiscountAnomalyRule scores discounts above the expected legitimate ceiling.
type DiscountAnomalyRule struct {
	Ceiling float64
}

func (DiscountAnomalyRule) Name() string { return domain.RuleDiscountAnomaly }

func (r DiscountAnomalyRule) Evaluate(tx *domain.Transaction, _ identity.Lookup) (domain.Signal, error) {
	ratio := tx.DiscountRatio
	if math.IsNaN(ratio) || ratio < 0 || ratio > 1 {
		return domain.NoSignal, invalid("discount ratio %v outside [0,1]", ratio)
	}
	return DiscountSignal(ratio, r.Ceiling), nil
}

// DiscountSignal maps a ratio onto a signal. Confidence is lowest at the
// ceiling and rises toward either extreme.
func DiscountSignal(ratio, ceiling float64) domain.Signal {
	value := clamp01((ratio - ceiling) / (1 - ceiling))
	span := math.Max(ceiling, 1-ceiling)
	dist := math.Min(1, math.Abs(ratio-ceiling)/span)
	return domain.Signal{Value: value, Confidence: 0.5 + 0.5*dist}
}

// BaseProbabilityRule carries an upstream estimate into the weighted scheme.
type BaseProbabilityRule struct {
	Confidence float64
}

func (BaseProbabilityRule) Name() string { return domain.RuleBaseProbability }

func (r BaseProbabilityRule) Evaluate(tx *domain.Transaction, _ identity.Lookup) (domain.Signal, error) {
	if tx.BaseProbability == nil {
		return domain.NoSignal, nil
	}
	p := *tx.BaseProbability
	if math.IsNaN(p) || p < 0 || p > 1 {
		return domain.NoSignal, invalid("base probability %v outside [0,1]", p)
	}
	return domain.Signal{Value: p, Confidence: r.Confidence}, nil
}

// Builtins returns the canonical rules configured from scoring settings.
func Builtins(cfg domain.ScoringConfig) []Rule {
	return []Rule{
		IdentityReuseRule{Threshold: cfg.ReuseThreshold},
		VendorBlacklistRule{},
		DiscountAnomalyRule{Ceiling: cfg.DiscountCeiling},
		BaseProbabilityRule{Confidence: cfg.BaseConfidence},
	}
}
