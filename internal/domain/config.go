package domain

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidConfig is returned by Validate for any configuration defect.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the complete couponguard configuration.
type Config struct {
	Server ServerConfig `yaml:"server" json:"server"`

	// Tier determines which backends are used by default
	Tier Tier `yaml:"tier" json:"tier"`

	Repository RepositoryConfig `yaml:"repository" json:"repository"`
	Cache      CacheConfig      `yaml:"cache" json:"cache"`
	EventBus   EventBusConfig   `yaml:"event_bus" json:"eventBus"`

	Scoring  ScoringConfig  `yaml:"scoring" json:"scoring"`
	Learning LearningConfig `yaml:"learning" json:"learning"`

	// AsyncWorker enables the bus-driven scoring and feedback consumers.
	AsyncWorker bool `yaml:"async_worker" json:"asyncWorker"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `yaml:"host" json:"host"`
	Port         int    `yaml:"port" json:"port"`
	ReadTimeout  int    `yaml:"read_timeout" json:"readTimeout"`   // seconds
	WriteTimeout int    `yaml:"write_timeout" json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	ServiceName string `yaml:"service_name" json:"serviceName"`
}

// ScoringConfig holds the rule and aggregation knobs.
type ScoringConfig struct {
	// ReuseThreshold is the reuse count at which identity reuse saturates.
	ReuseThreshold int `yaml:"reuse_threshold" json:"reuseThreshold"`

	// DiscountCeiling is the highest discount ratio expected from legitimate use.
	DiscountCeiling float64 `yaml:"discount_ceiling" json:"discountCeiling"`

	BaseConfidence       float64 `yaml:"base_confidence" json:"baseConfidence"`
	ExpressionConfidence float64 `yaml:"expression_confidence" json:"expressionConfidence"`

	// Tier cutoffs: LOW < Medium <= MEDIUM < High <= HIGH < Critical <= CRITICAL
	MediumCutoff   float64 `yaml:"medium_cutoff" json:"mediumCutoff"`
	HighCutoff     float64 `yaml:"high_cutoff" json:"highCutoff"`
	CriticalCutoff float64 `yaml:"critical_cutoff" json:"criticalCutoff"`

	MinContribution float64 `yaml:"min_contribution" json:"minContribution"`
	ReviewThreshold float64 `yaml:"review_threshold" json:"reviewThreshold"`

	BlacklistedVendors []string           `yaml:"blacklisted_vendors" json:"blacklistedVendors"`
	InitialWeights     map[string]float64 `yaml:"initial_weights" json:"initialWeights"`

	// BatchWorkers bounds parallelism of batch scoring.
	BatchWorkers int `yaml:"batch_workers" json:"batchWorkers"`
}

// LearningConfig holds the weight updater knobs.
type LearningConfig struct {
	DecisionThreshold  float64            `yaml:"decision_threshold" json:"decisionThreshold"`
	DecisionThresholds map[string]float64 `yaml:"decision_thresholds" json:"decisionThresholds"`

	ExplorationFloor float64 `yaml:"exploration_floor" json:"explorationFloor"`
	MinSamples       float64 `yaml:"min_samples" json:"minSamples"`

	PrecisionFloor      float64 `yaml:"precision_floor" json:"precisionFloor"`
	PrecisionWindow     int     `yaml:"precision_window" json:"precisionWindow"`
	MinPrecisionSamples int     `yaml:"min_precision_samples" json:"minPrecisionSamples"`

	ImpactWeighting    bool    `yaml:"impact_weighting" json:"impactWeighting"`
	ImpactUnit         float64 `yaml:"impact_unit" json:"impactUnit"`
	MaxImpactIncrement float64 `yaml:"max_impact_increment" json:"maxImpactIncrement"`

	BatchSize     int    `yaml:"batch_size" json:"batchSize"`
	FlushSchedule string `yaml:"flush_schedule" json:"flushSchedule"`

	LowConfidenceBound float64 `yaml:"low_confidence_bound" json:"lowConfidenceBound"`
	MinClusterSize     int     `yaml:"min_cluster_size" json:"minClusterSize"`
	SuggestionMemory   int     `yaml:"suggestion_memory" json:"suggestionMemory"`

	// FeedbackLookback bounds how far back the dedup set is reloaded at startup.
	FeedbackLookback time.Duration `yaml:"feedback_lookback" json:"feedbackLookback"`
}

// ThresholdFor returns the decision threshold for a rule.
func (c LearningConfig) ThresholdFor(rule string) float64 {
	if t, ok := c.DecisionThresholds[rule]; ok {
		return t
	}
	return c.DecisionThreshold
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity uses SQLite, an in-process cache and channels
	TierCommunity Tier = "community"

	// TierPro uses PostgreSQL, Redis and NATS
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./couponguard.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			ScoreTTL:     72 * time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Scoring: ScoringConfig{
			ReuseThreshold:       2,
			DiscountCeiling:      0.5,
			BaseConfidence:       0.5,
			ExpressionConfidence: 0.8,
			MediumCutoff:         0.3,
			HighCutoff:           0.6,
			CriticalCutoff:       0.85,
			MinContribution:      0.05,
			ReviewThreshold:      0.7,
			BlacklistedVendors:   []string{"FakeShop", "ScamStore", "FraudMart"},
			InitialWeights: map[string]float64{
				RuleIdentityReuse:   0.85,
				RuleVendorBlacklist: 0.90,
				RuleDiscountAnomaly: 0.80,
				RuleBaseProbability: 0.75,
			},
			BatchWorkers: 8,
		},
		Learning: LearningConfig{
			DecisionThreshold:   0.5,
			ExplorationFloor:    0.05,
			MinSamples:          10,
			PrecisionFloor:      0.3,
			PrecisionWindow:     50,
			MinPrecisionSamples: 10,
			ImpactUnit:          50,
			MaxImpactIncrement:  5,
			BatchSize:           20,
			FlushSchedule:       "*/30 * * * * *",
			LowConfidenceBound:  0.2,
			MinClusterSize:      5,
			SuggestionMemory:    500,
			FeedbackLookback:    30 * 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "couponguard",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "couponguard",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		ScoreTTL:       72 * time.Hour,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueue:         "couponguard-workers",
	}
	cfg.AsyncWorker = true
	cfg.Tracing.Enabled = true
	return cfg
}

// Validate checks thresholds and cutoffs. Any defect is fatal at startup.
func (c *Config) Validate() error {
	s, l := c.Scoring, c.Learning

	unit := map[string]float64{
		"scoring.discount_ceiling":      s.DiscountCeiling,
		"scoring.base_confidence":       s.BaseConfidence,
		"scoring.expression_confidence": s.ExpressionConfidence,
		"scoring.medium_cutoff":         s.MediumCutoff,
		"scoring.high_cutoff":           s.HighCutoff,
		"scoring.critical_cutoff":       s.CriticalCutoff,
		"scoring.min_contribution":      s.MinContribution,
		"scoring.review_threshold":      s.ReviewThreshold,
		"learning.decision_threshold":   l.DecisionThreshold,
		"learning.exploration_floor":    l.ExplorationFloor,
		"learning.precision_floor":      l.PrecisionFloor,
		"learning.low_confidence_bound": l.LowConfidenceBound,
	}
	for rule, w := range s.InitialWeights {
		unit["scoring.initial_weights."+rule] = w
	}
	for rule, t := range l.DecisionThresholds {
		unit["learning.decision_thresholds."+rule] = t
	}
	for name, v := range unit {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("%w: %s must be within [0,1], got %v", ErrInvalidConfig, name, v)
		}
	}

	if !(s.MediumCutoff < s.HighCutoff && s.HighCutoff < s.CriticalCutoff) {
		return fmt.Errorf("%w: tier cutoffs must increase strictly (medium %v, high %v, critical %v)",
			ErrInvalidConfig, s.MediumCutoff, s.HighCutoff, s.CriticalCutoff)
	}
	if s.DiscountCeiling >= 1 {
		return fmt.Errorf("%w: scoring.discount_ceiling must be below 1", ErrInvalidConfig)
	}
	if s.ReuseThreshold < 1 {
		return fmt.Errorf("%w: scoring.reuse_threshold must be at least 1", ErrInvalidConfig)
	}
	if l.MinSamples < 0 {
		return fmt.Errorf("%w: learning.min_samples must not be negative", ErrInvalidConfig)
	}
	if l.PrecisionWindow < 1 || l.MinPrecisionSamples < 1 {
		return fmt.Errorf("%w: learning precision window and min samples must be at least 1", ErrInvalidConfig)
	}
	if l.MinPrecisionSamples > l.PrecisionWindow {
		return fmt.Errorf("%w: learning.min_precision_samples exceeds precision_window", ErrInvalidConfig)
	}
	if l.BatchSize < 1 {
		return fmt.Errorf("%w: learning.batch_size must be at least 1", ErrInvalidConfig)
	}
	if l.MinClusterSize < 1 || l.SuggestionMemory < l.MinClusterSize {
		return fmt.Errorf("%w: learning.min_cluster_size must be at least 1 and fit in suggestion_memory", ErrInvalidConfig)
	}
	if l.ImpactWeighting && (l.ImpactUnit <= 0 || l.MaxImpactIncrement < 1) {
		return fmt.Errorf("%w: impact weighting needs a positive unit and a cap of at least 1", ErrInvalidConfig)
	}
	return nil
}

// TierFor maps a probability onto the configured risk tiers.
func (s ScoringConfig) TierFor(p float64) RiskTier {
	switch {
	case p >= s.CriticalCutoff:
		return TierCritical
	case p >= s.HighCutoff:
		return TierHigh
	case p >= s.MediumCutoff:
		return TierMedium
	default:
		return TierLow
	}
}
