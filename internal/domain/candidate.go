package domain

import "time"

// CandidateStatus tracks operator review of a suggested rule.
type CandidateStatus string

const (
	CandidatePending  CandidateStatus = "pending"
	CandidateApproved CandidateStatus = "approved"
	CandidateRejected CandidateStatus = "rejected"
)

// CandidateRule is a suggested predicate mined from missed fraud.
// Candidates are never installed automatically.
type CandidateRule struct {
	ID         string            `json:"id"`
	Predicate  map[string]string `json:"predicate"`
	Expression string            `json:"expression"`
	Support    int               `json:"support"`
	TxIDs      []string          `json:"txIds"`
	Status     CandidateStatus   `json:"status"`
	CreatedAt  time.Time         `json:"createdAt"`
	ReviewedAt *time.Time        `json:"reviewedAt,omitempty"`
}

// Feature keys shared by scoring and rule suggestion.
const (
	FeatureVendor       = "vendor"
	FeatureEmailDomain  = "email_domain"
	FeatureCouponCode   = "coupon_code"
	FeatureChannel      = "channel"
	FeatureMerchant     = "merchant"
	FeatureDiscountBand = "discount_band"
)
