// Package rules provides the coupon-abuse rule catalog.
package rules

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/opensource-finance/couponguard/internal/domain"
	"github.com/opensource-finance/couponguard/internal/identity"
)

// ErrInvalidInput marks a transaction field a rule cannot interpret.
var ErrInvalidInput = errors.New("invalid input")

// Rule is a pure function from a transaction and identity history to a signal.
type Rule interface {
	Name() string
	Evaluate(tx *domain.Transaction, lookup identity.Lookup) (domain.Signal, error)
}

// Result is one rule's evaluation of one transaction.
type Result struct {
	Rule   string
	Signal domain.Signal
	Err    error
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
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

func validSignal(s domain.Signal) bool {
	for _, v := range []float64{s.Value, s.Confidence} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// maxReuse returns the highest prior reuse count across identity fields
// and whether any field carried a usable key.
func maxReuse(tx *domain.Transaction, lookup identity.Lookup) (int, bool) {
	values := map[identity.Kind]string{
		identity.KindPhone:    tx.Phone,
		identity.KindEmail:    tx.Email,
		identity.KindUserName: tx.UserName,
	}
	best, usable := 0, false
	for _, kind := range identity.Kinds {
		if identity.Normalize(kind, values[kind]) == "" {
			continue
		}
		usable = true
		if n := lookup.ReuseCount(kind, values[kind]); n > best {
			best = n
		}
	}
	return best, usable
}

// Discount bands used as a rule-suggestion feature.
const (
	BandBelowCeiling = "below_ceiling"
	BandAboveCeiling = "above_ceiling"
	BandFull         = "full"
)

// DiscountBand buckets a ratio relative to the legitimate ceiling.
func DiscountBand(ratio, ceiling float64) string {
	switch {
	case ratio >= 0.999:
		return BandFull
	case ratio > ceiling:
		return BandAboveCeiling
	default:
		return BandBelowCeiling
	}
}

// Features extracts the categorical features used by rule suggestion and expression rules.
func Features(tx *domain.Transaction, ceiling float64) map[string]string {
	f := map[string]string{
		domain.FeatureVendor:       identity.NormalizeVendor(tx.VendorName),
		domain.FeatureEmailDomain:  tx.EmailDomain(),
		domain.FeatureCouponCode:   strings.ToUpper(strings.TrimSpace(tx.CouponCode)),
		domain.FeatureChannel:      identity.NormalizeName(tx.Channel),
		domain.FeatureMerchant:     identity.NormalizeName(tx.Merchant),
		domain.FeatureDiscountBand: DiscountBand(tx.DiscountRatio, ceiling),
	}
	for k, v := range f {
		if v == "" {
			delete(f, k)
		}
	}
	return f
}
