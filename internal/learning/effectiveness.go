package learning

import (
	"sort"
	"sync"

	"github.com/opensource-finance/couponguard/internal/domain"
)

// RuleStats summarizes how often a rule's call agreed with reviewers.
type RuleStats struct {
	Rule           string  `json:"rule"`
	Correct        int64   `json:"correct"`
	Incorrect      int64   `json:"incorrect"`
	FalsePositives int64   `json:"falsePositives"`
	FalseNegatives int64   `json:"falseNegatives"`
	Accuracy       float64 `json:"accuracy"`
}

// Effectiveness accumulates per-rule outcome counts over applied feedback.
type Effectiveness struct {
	mu    sync.Mutex
	cfg   domain.LearningConfig
	stats map[string]*RuleStats
}

// NewEffectiveness creates empty counters.
func NewEffectiveness(cfg domain.LearningConfig) *Effectiveness {
	return &Effectiveness{cfg: cfg, stats: make(map[string]*RuleStats)}
}

// Observe counts every fired signal of the given records.
func (e *Effectiveness) Observe(records []*domain.FeedbackRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, rec := range records {
		fraud := rec.Label == domain.LabelFraud
		for _, sig := range rec.Signals {
			if sig.Confidence <= 0 {
				continue
			}
			st, ok := e.stats[sig.Rule]
			if !ok {
				st = &RuleStats{Rule: sig.Rule}
				e.stats[sig.Rule] = st
			}
			flagged := sig.Value >= e.cfg.ThresholdFor(sig.Rule)
			switch {
			case flagged == fraud:
				st.Correct++
			case flagged:
				st.Incorrect++
				st.FalsePositives++
			default:
				st.Incorrect++
				st.FalseNegatives++
			}
			st.Accuracy = float64(st.Correct) / float64(st.Correct+st.Incorrect)
		}
	}
}

// Stats returns a copy of the counters sorted by rule name.
func (e *Effectiveness) Stats() []RuleStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]RuleStats, 0, len(e.stats))
	for _, st := range e.stats {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rule < out[j].Rule })
	return out
}

// Confusion is a binary confusion matrix.
type Confusion struct {
	TruePositives  int `json:"truePositives"`
	FalsePositives int `json:"falsePositives"`
	TrueNegatives  int `json:"trueNegatives"`
	FalseNegatives int `json:"falseNegatives"`
}

// ClassificationMetrics evaluates scores against labels at a flag threshold.
type ClassificationMetrics struct {
	Threshold float64   `json:"threshold"`
	Samples   int       `json:"samples"`
	Confusion Confusion `json:"confusion"`
	Precision float64   `json:"precision"`
	Recall    float64   `json:"recall"`
	F1        float64   `json:"f1"`
	Accuracy  float64   `json:"accuracy"`
}

// Metrics compares scored transactions with confirmed labels. Scores without
// a label are ignored; a no-signal score counts as not flagged.
func Metrics(scored []*domain.ScoredTransaction, labels map[string]domain.Label, threshold float64) ClassificationMetrics {
	m := ClassificationMetrics{Threshold: threshold}
	for _, s := range scored {
		if s == nil {
			continue
		}
		label, ok := labels[s.TxID]
		if !ok {
			continue
		}
		m.Samples++
		fraud := label == domain.LabelFraud
		flagged := s.Flagged(threshold)
		switch {
		case flagged && fraud:
			m.Confusion.TruePositives++
		case flagged:
			m.Confusion.FalsePositives++
		case fraud:
			m.Confusion.FalseNegatives++
		default:
			m.Confusion.TrueNegatives++
		}
	}

	c := m.Confusion
	m.Precision = ratio(c.TruePositives, c.TruePositives+c.FalsePositives)
	m.Recall = ratio(c.TruePositives, c.TruePositives+c.FalseNegatives)
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	m.Accuracy = ratio(c.TruePositives+c.TrueNegatives, m.Samples)
	return m
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}
