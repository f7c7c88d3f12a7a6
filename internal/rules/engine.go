package rules

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/couponguard/internal/domain"
	"github.com/opensource-finance/couponguard/internal/identity"
)

// Engine compiles operator-defined CEL expressions into rules.
type Engine struct {
	env     *cel.Env
	ceiling float64
}

// NewEngine creates the CEL environment shared by expression rules and
// candidate-rule validation.
func NewEngine(discountCeiling float64) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("tx", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable(domain.FeatureVendor, cel.StringType),
		cel.Variable(domain.FeatureEmailDomain, cel.StringType),
		cel.Variable(domain.FeatureCouponCode, cel.StringType),
		cel.Variable(domain.FeatureChannel, cel.StringType),
		cel.Variable(domain.FeatureMerchant, cel.StringType),
		cel.Variable(domain.FeatureDiscountBand, cel.StringType),
		cel.Variable("discount_ratio", cel.DoubleType),
		cel.Variable("items_count", cel.IntType),
		cel.Variable("reuse_count", cel.IntType),
		cel.Variable("vendor_blacklisted", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Engine{env: env, ceiling: discountCeiling}, nil
}

// ExpressionRule evaluates a compiled CEL program.
type ExpressionRule struct {
	Config     *domain.RuleConfig
	program    cel.Program
	ceiling    float64
	confidence float64
}

func (r *ExpressionRule) Name() string { return r.Config.ID }

// Evaluate runs the expression. The result is clamped to [0,1].
func (r *ExpressionRule) Evaluate(tx *domain.Transaction, lookup identity.Lookup) (domain.Signal, error) {
	out, _, err := r.program.Eval(activation(tx, lookup, r.ceiling))
	if err != nil {
		return domain.NoSignal, fmt.Errorf("evaluation error: %w", err)
	}
	return domain.Signal{Value: clamp01(toScore(out)), Confidence: r.confidence}, nil
}

// Compile validates and compiles a rule configuration.
func (e *Engine) Compile(cfg *domain.RuleConfig, defaultConfidence float64) (*ExpressionRule, error) {
	if cfg == nil {
		return nil, fmt.Errorf("rule config is required")
	}
	if cfg.ID == "" {
		return nil, fmt.Errorf("rule id is required")
	}

	program, err := e.program(cfg.Expression)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", cfg.ID, err)
	}

	conf := cfg.Confidence
	if conf <= 0 || conf > 1 {
		conf = defaultConfidence
	}

	return &ExpressionRule{
		Config:     cfg,
		program:    program,
		ceiling:    e.ceiling,
		confidence: conf,
	}, nil
}

// Validate checks that an expression compiles to a scorable type.
func (e *Engine) Validate(expression string) error {
	_, err := e.program(expression)
	return err
}

func (e *Engine) program(expression string) (cel.Program, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, fmt.Errorf("expression is required")
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("expression must return bool, int, or double, got %s", outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}
	return program, nil
}

func activation(tx *domain.Transaction, lookup identity.Lookup, ceiling float64) map[string]any {
	features := Features(tx, ceiling)
	reuse, _ := maxReuse(tx, lookup)

	vars := map[string]any{
		"tx": map[string]any{
			"id":          tx.ID,
			"user_id":     tx.UserID,
			"vendor_name": tx.VendorName,
			"merchant":    tx.Merchant,
			"channel":     tx.Channel,
			"coupon_code": tx.CouponCode,
		},
		"discount_ratio":     tx.DiscountRatio,
		"items_count":        int64(tx.ItemsCount),
		"reuse_count":        int64(reuse),
		"vendor_blacklisted": lookup.IsBlacklistedVendor(tx.VendorName),
	}
	for _, k := range []string{
		domain.FeatureVendor, domain.FeatureEmailDomain, domain.FeatureCouponCode,
		domain.FeatureChannel, domain.FeatureMerchant, domain.FeatureDiscountBand,
	} {
		vars[k] = features[k]
	}
	return vars
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}

// RenderPredicate turns a feature predicate into a CEL conjunction with a stable key order.
func RenderPredicate(predicate map[string]string) string {
	keys := make([]string, 0, len(predicate))
	for k := range predicate {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clauses := make([]string, len(keys))
	for i, k := range keys {
		clauses[i] = k + " == " + strconv.Quote(predicate[k])
	}
	return strings.Join(clauses, " && ")
}
