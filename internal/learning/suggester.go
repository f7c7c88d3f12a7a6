package learning

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/couponguard/internal/domain"
	"github.com/opensource-finance/couponguard/internal/rules"
)

// Validator checks that an expression can be installed as a rule.
type Validator interface {
	Validate(expression string) error
}

type missedFraud struct {
	txID     string
	features map[string]string
}

// Suggester mines confirmed fraud that the rule set missed for recurring
// feature combinations and proposes them as candidate rules.
type Suggester struct {
	mu sync.Mutex

	lowConfidence   float64
	minContribution float64
	minSupport      int
	memory          int
	validator       Validator

	missed []missedFraud

	// known holds expressions already proposed, whatever their review status.
	known map[string]bool
}

// NewSuggester creates a suggester.
func NewSuggester(cfg domain.LearningConfig, minContribution float64, validator Validator) *Suggester {
	return &Suggester{
		lowConfidence:   cfg.LowConfidenceBound,
		minContribution: minContribution,
		minSupport:      cfg.MinClusterSize,
		memory:          cfg.SuggestionMemory,
		validator:       validator,
		known:           make(map[string]bool),
	}
}

// IsMissed reports whether a record is fraud that no rule caught: every
// rule had low confidence or contributed almost nothing.
func (s *Suggester) IsMissed(rec *domain.FeedbackRecord) bool {
	if rec.Label != domain.LabelFraud {
		return false
	}
	lowConf, lowContrib := true, true
	for _, sig := range rec.Signals {
		if sig.Confidence > s.lowConfidence {
			lowConf = false
		}
		if sig.Contribution > s.minContribution {
			lowContrib = false
		}
	}
	return lowConf || lowContrib
}

// LoadKnown marks existing candidates so they are not proposed again.
func (s *Suggester) LoadKnown(candidates []*domain.CandidateRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range candidates {
		s.known[c.Expression] = true
	}
}

// Remember retains missed-fraud records without proposing candidates.
func (s *Suggester) Remember(records []*domain.FeedbackRecord) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remember(records)
}

func (s *Suggester) remember(records []*domain.FeedbackRecord) int {
	n := 0
	for _, rec := range records {
		if len(rec.Features) == 0 || !s.IsMissed(rec) {
			continue
		}
		s.missed = append(s.missed, missedFraud{txID: rec.TxID, features: rec.Features})
		n++
	}
	if over := len(s.missed) - s.memory; over > 0 {
		s.missed = append([]missedFraud(nil), s.missed[over:]...)
	}
	return n
}

// Observe retains the batch's missed fraud and returns new candidates.
func (s *Suggester) Observe(records []*domain.FeedbackRecord) []*domain.CandidateRule {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.remember(records) == 0 {
		return nil
	}
	return s.propose()
}

type cluster struct {
	predicate map[string]string
	txIDs     []string
}

// propose counts single features and feature pairs across retained records.
func (s *Suggester) propose() []*domain.CandidateRule {
	clusters := make(map[string]*cluster)
	add := func(pred map[string]string, txID string) {
		key := rules.RenderPredicate(pred)
		c, ok := clusters[key]
		if !ok {
			c = &cluster{predicate: pred}
			clusters[key] = c
		}
		c.txIDs = append(c.txIDs, txID)
	}

	for _, m := range s.missed {
		keys := make([]string, 0, len(m.features))
		for k := range m.features {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, a := range keys {
			add(map[string]string{a: m.features[a]}, m.txID)
			for _, b := range keys[i+1:] {
				add(map[string]string{a: m.features[a], b: m.features[b]}, m.txID)
			}
		}
	}

	// A single feature is redundant when a qualifying pair containing it
	// covers the same records.
	covered := make(map[string]int)
	for _, c := range clusters {
		if len(c.predicate) != 2 || len(c.txIDs) < s.minSupport {
			continue
		}
		for k, v := range c.predicate {
			single := rules.RenderPredicate(map[string]string{k: v})
			if len(c.txIDs) > covered[single] {
				covered[single] = len(c.txIDs)
			}
		}
	}

	var out []*domain.CandidateRule
	now := time.Now().UTC()
	for expr, c := range clusters {
		support := len(c.txIDs)
		if support < s.minSupport || s.known[expr] {
			continue
		}
		if len(c.predicate) == 1 && covered[expr] >= support {
			continue
		}
		if s.validator != nil {
			if err := s.validator.Validate(expr); err != nil {
				slog.Warn("candidate rule failed validation", "expression", expr, "error", err)
				continue
			}
		}
		s.known[expr] = true
		out = append(out, &domain.CandidateRule{
			ID:         uuid.New().String(),
			Predicate:  c.predicate,
			Expression: expr,
			Support:    support,
			TxIDs:      append([]string(nil), c.txIDs...),
			Status:     domain.CandidatePending,
			CreatedAt:  now,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Support != out[j].Support {
			return out[i].Support > out[j].Support
		}
		return out[i].Expression < out[j].Expression
	})

	for _, c := range out {
		slog.Info("candidate rule proposed", "candidate_id", c.ID, "expression", c.Expression, "support", c.Support)
	}
	return out
}

// Retained returns the number of missed-fraud records held.
func (s *Suggester) Retained() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.missed)
}
