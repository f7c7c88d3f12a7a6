// Package learning maintains per-rule weights and updates them from
// confirmed outcomes using a Beta-Bernoulli model.
package learning

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/couponguard/internal/domain"
)

// Snapshot is an immutable view of all rule weights. Never modify a
// snapshot obtained from State.Snapshot.
type Snapshot struct {
	Version   uint64
	Weights   map[string]domain.RuleWeight
	UpdatedAt time.Time
}

// Get returns the weight entry for a rule.
func (s *Snapshot) Get(rule string) (domain.RuleWeight, bool) {
	w, ok := s.Weights[rule]
	return w, ok
}

// List returns weights sorted by rule name.
func (s *Snapshot) List() []domain.RuleWeight {
	out := make([]domain.RuleWeight, 0, len(s.Weights))
	for _, w := range s.Weights {
		out = append(out, w.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rule < out[j].Rule })
	return out
}

// Views returns the monitoring projection of every weight.
func (s *Snapshot) Views() []domain.WeightView {
	list := s.List()
	out := make([]domain.WeightView, len(list))
	for i, w := range list {
		out[i] = w.View()
	}
	return out
}

func (s *Snapshot) clone() *Snapshot {
	c := &Snapshot{
		Version:   s.Version,
		Weights:   make(map[string]domain.RuleWeight, len(s.Weights)),
		UpdatedAt: s.UpdatedAt,
	}
	for k, w := range s.Weights {
		c.Weights[k] = w.Clone()
	}
	return c
}

// PriorMass is the pseudo-count a configured initial weight is worth. Two
// pseudo-observations at 0.5 is the uniform Beta(1,1).
const PriorMass = 2.0

// Prior returns the starting state of a rule. The initial weight is encoded
// as pseudo-counts, α = m·w₀ and β = m·(1−w₀), so the weight is always the
// posterior mean and evidence moves it monotonically. A missing initial
// weight means 0.5, which is Beta(1,1).
func Prior(rule string, initial float64) domain.RuleWeight {
	if initial <= 0 || initial > 1 || math.IsNaN(initial) {
		initial = 0.5
	}
	alpha := PriorMass * initial
	beta := PriorMass * (1 - initial)
	return domain.RuleWeight{
		Rule:      rule,
		Weight:    alpha / (alpha + beta),
		Alpha:     alpha,
		Beta:      beta,
		Status:    domain.RuleActive,
		UpdatedAt: time.Now().UTC(),
	}
}

// State publishes weight snapshots. Reads are lock-free; writes are
// serialized and each one publishes a new snapshot with a higher version.
type State struct {
	current atomic.Pointer[Snapshot]
	mu      sync.Mutex
	initial map[string]float64
}

// NewState creates a state with every rule at its prior.
func NewState(rules []string, initial map[string]float64) *State {
	s := &State{initial: initial}
	snap := &Snapshot{Weights: make(map[string]domain.RuleWeight, len(rules)), UpdatedAt: time.Now().UTC()}
	for _, r := range rules {
		snap.Weights[r] = Prior(r, initial[r])
	}
	s.current.Store(snap)
	return s
}

// Snapshot returns the current weights.
func (s *State) Snapshot() *Snapshot {
	return s.current.Load()
}

// Apply copies the current snapshot, runs fn on the copy and publishes it
// if fn reports a change. Readers see either the old or the new snapshot.
func (s *State) Apply(fn func(*Snapshot) bool) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.Load().clone()
	if !fn(next) {
		return s.current.Load()
	}
	next.Version++
	next.UpdatedAt = time.Now().UTC()
	s.current.Store(next)
	return next
}

// Ensure adds a prior for every named rule that has no entry yet.
func (s *State) Ensure(rules []string) *Snapshot {
	return s.Apply(func(snap *Snapshot) bool {
		changed := false
		for _, r := range rules {
			if _, ok := snap.Weights[r]; !ok {
				snap.Weights[r] = Prior(r, s.initial[r])
				changed = true
			}
		}
		return changed
	})
}

// Restore overrides entries with stored weights. Stored entries for rules
// that are not in the current state are kept so their history survives
// a rule being temporarily disabled.
func (s *State) Restore(stored []domain.RuleWeight, version uint64) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.Load().clone()
	for _, w := range stored {
		next.Weights[w.Rule] = w.Clone()
	}
	if version > next.Version {
		next.Version = version
	}
	s.current.Store(next)
	return next
}

// InitialWeight returns the configured prior mean for a rule.
func (s *State) InitialWeight(rule string) float64 {
	return s.initial[rule]
}
