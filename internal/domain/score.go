package domain

import (
	"time"
)

// Signal is a rule's verdict on one transaction.
type Signal struct {
	Value      float64 `json:"value"`
	Confidence float64 `json:"confidence"`
}

// NoSignal is returned by rules that abstain or fail.
var NoSignal = Signal{}

// Fired reports whether the rule had any confidence in its value.
func (s Signal) Fired() bool {
	return s.Confidence > 0
}

// RiskTier is the discretized fraud probability.
type RiskTier string

const (
	TierLow      RiskTier = "LOW"
	TierMedium   RiskTier = "MEDIUM"
	TierHigh     RiskTier = "HIGH"
	TierCritical RiskTier = "CRITICAL"
)

// RuleSignal is the full record of one rule's participation in a score.
type RuleSignal struct {
	Rule         string  `json:"rule"`
	Value        float64 `json:"value"`
	Confidence   float64 `json:"confidence"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`

	// Excluded is set when the rule was suspended or had no weight entry.
	Excluded bool   `json:"excluded,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Signal returns the raw (value, confidence) pair.
func (r RuleSignal) Signal() Signal {
	return Signal{Value: r.Value, Confidence: r.Confidence}
}

// TriggeredRule is a rule whose contribution passed the reporting threshold.
type TriggeredRule struct {
	Rule         string  `json:"rule"`
	Value        float64 `json:"value"`
	Confidence   float64 `json:"confidence"`
	Contribution float64 `json:"contribution"`
}

// RuleFailure records a rule that could not evaluate a transaction.
type RuleFailure struct {
	Rule  string `json:"rule"`
	Error string `json:"error"`
}

// ScoredTransaction is the immutable output of scoring one transaction.
type ScoredTransaction struct {
	TxID             string   `json:"txId"`
	FraudProbability float64  `json:"fraudProbability"`
	RiskTier         RiskTier `json:"riskTier"`

	// NoSignal means no rule had confidence. It is not a legitimacy verdict.
	NoSignal     bool `json:"noSignal"`
	ManualReview bool `json:"manualReview"`

	// Triggered is ordered by descending contribution.
	Triggered []TriggeredRule `json:"triggered"`
	Signals   []RuleSignal    `json:"signals"`
	Errors    []RuleFailure   `json:"errors,omitempty"`

	// Features is the transaction feature set used for rule suggestion.
	Features map[string]string `json:"features,omitempty"`

	WeightsVersion uint64    `json:"weightsVersion"`
	ScoredAt       time.Time `json:"scoredAt"`
	ProcessMicros  int64     `json:"processMicros"`
}

// Flagged reports whether the score reaches the given probability threshold.
func (s *ScoredTransaction) Flagged(threshold float64) bool {
	return !s.NoSignal && s.FraudProbability >= threshold
}

// BatchSummary aggregates a batch of scores.
type BatchSummary struct {
	Total           int              `json:"total"`
	Flagged         int              `json:"flagged"`
	FlaggedPct      float64          `json:"flaggedPct"`
	HighRisk        int              `json:"highRisk"`
	HighRiskPct     float64          `json:"highRiskPct"`
	NoSignal        int              `json:"noSignal"`
	AvgProbability  float64          `json:"avgProbability"`
	TierCounts      map[RiskTier]int `json:"tierCounts"`
	FailedRuleCount int              `json:"failedRuleCount"`
}
