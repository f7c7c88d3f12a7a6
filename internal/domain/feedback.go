package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Label is a human-confirmed outcome.
type Label string

const (
	LabelFraud      Label = "FRAUD"
	LabelLegitimate Label = "LEGITIMATE"
)

// ParseLabel accepts the canonical labels case-insensitively.
func ParseLabel(s string) (Label, error) {
	switch Label(strings.ToUpper(strings.TrimSpace(s))) {
	case LabelFraud:
		return LabelFraud, nil
	case LabelLegitimate, "LEGIT":
		return LabelLegitimate, nil
	default:
		return "", fmt.Errorf("unknown label %q", s)
	}
}

// FeedbackRecord is a reviewer's confirmation of a scored transaction.
// It is consumed at most once by the weight updater.
type FeedbackRecord struct {
	TxID  string `json:"txId"`
	Label Label  `json:"label"`

	// Signals are the per-rule signals of the original score.
	Signals []RuleSignal `json:"signals,omitempty"`

	// Features of the original transaction, used for rule suggestion.
	Features map[string]string `json:"features,omitempty"`

	// Impact is the financial magnitude of the case, zero if unknown.
	Impact decimal.Decimal `json:"impact"`

	Reviewer  string    `json:"reviewer,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// FeedbackStatus is the per-record outcome of feedback processing.
type FeedbackStatus string

const (
	FeedbackApplied            FeedbackStatus = "applied"
	FeedbackDuplicate          FeedbackStatus = "duplicate"
	FeedbackConflict           FeedbackStatus = "conflict"
	FeedbackUnknownTransaction FeedbackStatus = "unknown_transaction"
	FeedbackInvalid            FeedbackStatus = "invalid"
	FeedbackBuffered           FeedbackStatus = "buffered"
)

// UpdateResult is what happened to a single rule for one record.
type UpdateResult string

const (
	UpdateSuccess UpdateResult = "success"
	UpdateFailure UpdateResult = "failure"
	UpdateSkipped UpdateResult = "skipped"
)

// Skip reasons reported in RuleUpdate.Reason.
const (
	ReasonNotFired    = "not_fired"
	ReasonUnknownRule = "unknown_rule"
	ReasonCorrupted   = "corrupted"
)

// RuleUpdate describes the effect of a record on one rule.
type RuleUpdate struct {
	Rule   string       `json:"rule"`
	Result UpdateResult `json:"result"`
	Reason string       `json:"reason,omitempty"`
	Weight float64      `json:"weight,omitempty"`
}

// FeedbackOutcome lets callers audit which labels influenced learning.
type FeedbackOutcome struct {
	TxID        string         `json:"txId"`
	Status      FeedbackStatus `json:"status"`
	Reason      string         `json:"reason,omitempty"`
	RuleUpdates []RuleUpdate   `json:"ruleUpdates,omitempty"`
}

// Applied reports whether the record changed the weight state.
func (o FeedbackOutcome) Applied() bool {
	return o.Status == FeedbackApplied
}
