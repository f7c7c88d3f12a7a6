package domain

import (
	"math"
	"time"
)

// RuleStatus is the lifecycle state of a rule's learned weight.
type RuleStatus string

const (
	RuleActive    RuleStatus = "ACTIVE"
	RuleSuspended RuleStatus = "SUSPENDED"
)

// RuleWeight is the learnable state of one rule.
// Alpha and Beta are Beta-distribution pseudo-counts of successes and failures.
type RuleWeight struct {
	Rule   string     `json:"rule"`
	Weight float64    `json:"weight"`
	Alpha  float64    `json:"alpha"`
	Beta   float64    `json:"beta"`
	Status RuleStatus `json:"status"`

	// Corrupted is set when an invariant check failed; the rule stays
	// suspended until an operator resets it.
	Corrupted bool `json:"corrupted,omitempty"`

	// Window holds recent positive calls: true when the label was FRAUD.
	Window    []bool  `json:"window,omitempty"`
	Precision float64 `json:"precision"`

	Successes int64     `json:"successes"`
	Failures  int64     `json:"failures"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Samples returns alpha+beta.
func (w RuleWeight) Samples() float64 {
	return w.Alpha + w.Beta
}

// Mean is the Beta posterior mean.
func (w RuleWeight) Mean() float64 {
	n := w.Alpha + w.Beta
	if n <= 0 {
		return 0
	}
	return w.Alpha / n
}

// Interval returns an approximate 95% credible interval of the posterior.
func (w RuleWeight) Interval() (lo, hi float64) {
	n := w.Alpha + w.Beta
	if n <= 0 {
		return 0, 1
	}
	mean := w.Alpha / n
	sd := math.Sqrt(w.Alpha * w.Beta / (n * n * (n + 1)))
	return math.Max(0, mean-1.96*sd), math.Min(1, mean+1.96*sd)
}

// Clone returns a deep copy.
func (w RuleWeight) Clone() RuleWeight {
	c := w
	if w.Window != nil {
		c.Window = append([]bool(nil), w.Window...)
	}
	return c
}

// WeightView is the JSON projection of a rule weight for monitoring.
type WeightView struct {
	Rule       string     `json:"rule"`
	Weight     float64    `json:"weight"`
	Alpha      float64    `json:"alpha"`
	Beta       float64    `json:"beta"`
	IntervalLo float64    `json:"intervalLo"`
	IntervalHi float64    `json:"intervalHi"`
	Status     RuleStatus `json:"status"`
	Corrupted  bool       `json:"corrupted,omitempty"`
	Precision  float64    `json:"precision"`
	WindowSize int        `json:"windowSize"`
	Successes  int64      `json:"successes"`
	Failures   int64      `json:"failures"`
}

// View projects the weight for monitoring consumers. Non-finite values of
// a corrupted entry are reported as zero so the view stays encodable.
func (w RuleWeight) View() WeightView {
	lo, hi := w.Interval()
	return WeightView{
		Rule:       w.Rule,
		Weight:     finite(w.Weight),
		Alpha:      finite(w.Alpha),
		Beta:       finite(w.Beta),
		IntervalLo: finite(lo),
		IntervalHi: finite(hi),
		Status:     w.Status,
		Corrupted:  w.Corrupted,
		Precision:  w.Precision,
		WindowSize: len(w.Window),
		Successes:  w.Successes,
		Failures:   w.Failures,
	}
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
