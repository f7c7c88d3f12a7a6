package domain

// RuleConfig defines an operator-installed expression rule.
type RuleConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL expression returning bool, int or double; the result is clamped to [0,1].
	Expression string `json:"expression"`

	// Confidence attached to the rule's signal when the expression evaluates cleanly.
	Confidence float64 `json:"confidence"`

	// CandidateID is set when the rule came from an approved suggestion.
	CandidateID string `json:"candidateId,omitempty"`

	Enabled bool `json:"enabled"`
}

// Built-in rule names.
const (
	RuleIdentityReuse   = "identity_reuse"
	RuleVendorBlacklist = "vendor_blacklist"
	RuleDiscountAnomaly = "discount_anomaly"
	RuleBaseProbability = "base_probability"
)
