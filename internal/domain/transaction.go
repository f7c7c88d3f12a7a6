package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is a normalized coupon redemption to be scored.
// Transactions are immutable once built; every component references them read-only.
type Transaction struct {
	ID string `json:"id"`

	// Identity fields
	UserID   string `json:"userId,omitempty"`
	UserName string `json:"userName"`
	Phone    string `json:"phone"`
	Email    string `json:"email"`

	// Commerce context
	VendorName string `json:"vendorName"`
	Merchant   string `json:"merchant,omitempty"`
	Channel    string `json:"channel,omitempty"`
	CouponCode string `json:"couponCode,omitempty"`
	ItemsCount int    `json:"itemsCount,omitempty"`

	// Financial details
	OriginalAmount decimal.Decimal `json:"originalAmount"`
	DiscountAmount decimal.Decimal `json:"discountAmount"`
	FinalAmount    decimal.Decimal `json:"finalAmount"`

	// DiscountRatio is discount/original. Values above 1 indicate a bad upstream record.
	DiscountRatio float64 `json:"discountRatio"`

	// BaseProbability is an optional upstream fraud estimate.
	BaseProbability *float64 `json:"baseProbability,omitempty"`

	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`
}

// EmailDomain returns the lower-cased domain part of the email, or "".
func (t *Transaction) EmailDomain() string {
	at := strings.LastIndexByte(t.Email, '@')
	if at < 0 || at == len(t.Email)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(t.Email[at+1:]))
}

// RatioFromAmounts derives the discount ratio from the amounts.
// It returns false when the original amount is not positive.
func RatioFromAmounts(original, discount decimal.Decimal) (float64, bool) {
	if !original.IsPositive() {
		return 0, false
	}
	ratio, _ := discount.DivRound(original, 6).Float64()
	return ratio, true
}
