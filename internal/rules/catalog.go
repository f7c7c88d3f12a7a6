package rules

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/opensource-finance/couponguard/internal/domain"
	"github.com/opensource-finance/couponguard/internal/identity"
)

// Catalog is the ordered set of rules evaluated for every transaction.
// Built-in rules are fixed at startup; expression rules can be reloaded.
type Catalog struct {
	mu          sync.RWMutex
	builtin     []Rule
	expressions []*ExpressionRule
	engine      *Engine
	confidence  float64
}

// NewCatalog creates a catalog from the given built-in rules.
func NewCatalog(engine *Engine, exprConfidence float64, builtin ...Rule) *Catalog {
	return &Catalog{
		builtin:    builtin,
		engine:     engine,
		confidence: exprConfidence,
	}
}

// Rules returns a snapshot of the current rule list.
func (c *Catalog) Rules() []Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Rule, 0, len(c.builtin)+len(c.expressions))
	out = append(out, c.builtin...)
	for _, r := range c.expressions {
		out = append(out, r)
	}
	return out
}

// Names returns rule names in evaluation order.
func (c *Catalog) Names() []string {
	rules := c.Rules()
	names := make([]string, len(rules))
	for i, r := range rules {
		names[i] = r.Name()
	}
	return names
}

// BuiltinNames returns the names of the fixed rules.
func (c *Catalog) BuiltinNames() []string {
	names := make([]string, len(c.builtin))
	for i, r := range c.builtin {
		names[i] = r.Name()
	}
	return names
}

// Has reports whether a rule with the given name is loaded.
func (c *Catalog) Has(name string) bool {
	for _, r := range c.Rules() {
		if r.Name() == name {
			return true
		}
	}
	return false
}

// Expressions returns the configurations of loaded expression rules.
func (c *Catalog) Expressions() []*domain.RuleConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*domain.RuleConfig, len(c.expressions))
	for i, r := range c.expressions {
		out[i] = r.Config
	}
	return out
}

// Engine returns the expression engine.
func (c *Catalog) Engine() *Engine {
	return c.engine
}

// ReloadExpressions compiles the enabled configs and swaps them in atomically.
// On any compile error the current set is kept.
func (c *Catalog) ReloadExpressions(configs []*domain.RuleConfig) error {
	if c.engine == nil {
		return fmt.Errorf("expression engine not available")
	}

	reserved := make(map[string]bool, len(c.builtin))
	for _, r := range c.builtin {
		reserved[r.Name()] = true
	}

	compiled := make([]*ExpressionRule, 0, len(configs))
	seen := make(map[string]bool)
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		if reserved[cfg.ID] || seen[cfg.ID] {
			return fmt.Errorf("duplicate rule id %q", cfg.ID)
		}
		r, err := c.engine.Compile(cfg, c.confidence)
		if err != nil {
			return err
		}
		seen[cfg.ID] = true
		compiled = append(compiled, r)
	}

	c.mu.Lock()
	c.expressions = compiled
	c.mu.Unlock()
	return nil
}

// Evaluate runs every rule. A failing or panicking rule yields a zero signal
// and its error; evaluation of the other rules continues.
func (c *Catalog) Evaluate(tx *domain.Transaction, lookup identity.Lookup) []Result {
	rules := c.Rules()
	results := make([]Result, len(rules))
	for i, r := range rules {
		results[i] = evaluate(r, tx, lookup)
	}
	return results
}

func evaluate(r Rule, tx *domain.Transaction, lookup identity.Lookup) (res Result) {
	res.Rule = r.Name()
	defer func() {
		if p := recover(); p != nil {
			slog.Error("rule panicked", "rule", res.Rule, "tx_id", tx.ID, "panic", p)
			res.Signal = domain.NoSignal
			res.Err = fmt.Errorf("rule panicked: %v", p)
		}
	}()

	sig, err := r.Evaluate(tx, lookup)
	if err != nil {
		return Result{Rule: res.Rule, Signal: domain.NoSignal, Err: err}
	}
	if !validSignal(sig) {
		return Result{Rule: res.Rule, Signal: domain.NoSignal, Err: fmt.Errorf("rule returned non-finite signal")}
	}
	sig.Value = clamp01(sig.Value)
	sig.Confidence = clamp01(sig.Confidence)
	return Result{Rule: res.Rule, Signal: sig}
}
