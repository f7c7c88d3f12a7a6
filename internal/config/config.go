// Package config loads the couponguard configuration from tier defaults,
// an optional YAML file and COUPONGUARD_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/opensource-finance/couponguard/internal/domain"
	"github.com/opensource-finance/couponguard/internal/learning"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "COUPONGUARD_"

// Load builds the configuration. An empty path or a missing file falls back
// to the defaults of the selected tier. The result is validated.
func Load(path string) (*domain.Config, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}

	cfg, err := base(data)
	if err != nil {
		return nil, err
	}

	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(cfg, os.Getenv); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the config file path from the flag value or COUPONGUARD_CONFIG.
func Path(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(EnvPrefix + "CONFIG")
}

// Validate runs the domain checks plus the flush schedule syntax.
func Validate(cfg *domain.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Learning.FlushSchedule != "" {
		if err := learning.ParseSchedule(cfg.Learning.FlushSchedule); err != nil {
			return fmt.Errorf("%w: learning.flush_schedule: %v", domain.ErrInvalidConfig, err)
		}
	}
	switch cfg.Repository.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: unsupported repository driver %q", domain.ErrInvalidConfig, cfg.Repository.Driver)
	}
	return nil
}

func readFile(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return data, nil
}

// base picks the tier defaults. The environment wins over the file.
func base(data []byte) (*domain.Config, error) {
	tier := domain.TierCommunity
	if len(data) > 0 {
		var head struct {
			Tier domain.Tier `yaml:"tier"`
		}
		if err := yaml.Unmarshal(data, &head); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		if head.Tier != "" {
			tier = head.Tier
		}
	}
	if v := os.Getenv(EnvPrefix + "TIER"); v != "" {
		tier = domain.Tier(strings.ToLower(v))
	}

	switch tier {
	case domain.TierCommunity:
		return domain.DefaultConfig(), nil
	case domain.TierPro:
		return domain.ProConfig(), nil
	default:
		return nil, fmt.Errorf("%w: unknown tier %q", domain.ErrInvalidConfig, tier)
	}
}

// applyEnv overrides individual settings from the environment.
func applyEnv(cfg *domain.Config, getenv func(string) string) error {
	env := func(name string) string { return getenv(EnvPrefix + name) }

	strs := map[string]*string{
		"HOST":              &cfg.Server.Host,
		"DB_DRIVER":         &cfg.Repository.Driver,
		"SQLITE_PATH":       &cfg.Repository.SQLitePath,
		"POSTGRES_HOST":     &cfg.Repository.PostgresHost,
		"POSTGRES_USER":     &cfg.Repository.PostgresUser,
		"POSTGRES_PASSWORD": &cfg.Repository.PostgresPassword,
		"POSTGRES_DB":       &cfg.Repository.PostgresDB,
		"POSTGRES_SSLMODE":  &cfg.Repository.PostgresSSLMode,
		"CACHE_TYPE":        &cfg.Cache.Type,
		"REDIS_ADDR":        &cfg.Cache.RedisAddr,
		"REDIS_PASSWORD":    &cfg.Cache.RedisPassword,
		"BUS_TYPE":          &cfg.EventBus.Type,
		"NATS_URL":          &cfg.EventBus.NATSUrl,
		"NATS_TOKEN":        &cfg.EventBus.NATSToken,
		"NATS_QUEUE":        &cfg.EventBus.NATSQueue,
		"FLUSH_SCHEDULE":    &cfg.Learning.FlushSchedule,
		"LOG_LEVEL":         &cfg.Logging.Level,
		"LOG_FORMAT":        &cfg.Logging.Format,
	}
	for name, dst := range strs {
		if v := env(name); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"PORT":          &cfg.Server.Port,
		"POSTGRES_PORT": &cfg.Repository.PostgresPort,
		"REDIS_DB":      &cfg.Cache.RedisDB,
		"BATCH_SIZE":    &cfg.Learning.BatchSize,
		"BATCH_WORKERS": &cfg.Scoring.BatchWorkers,
	}
	for name, dst := range ints {
		if v := env(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%w: %s%s: %v", domain.ErrInvalidConfig, EnvPrefix, name, err)
			}
			*dst = n
		}
	}

	floats := map[string]*float64{
		"REVIEW_THRESHOLD":   &cfg.Scoring.ReviewThreshold,
		"DISCOUNT_CEILING":   &cfg.Scoring.DiscountCeiling,
		"DECISION_THRESHOLD": &cfg.Learning.DecisionThreshold,
		"EXPLORATION_FLOOR":  &cfg.Learning.ExplorationFloor,
	}
	for name, dst := range floats {
		if v := env(name); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("%w: %s%s: %v", domain.ErrInvalidConfig, EnvPrefix, name, err)
			}
			*dst = f
		}
	}

	bools := map[string]*bool{
		"ASYNC_WORKER":     &cfg.AsyncWorker,
		"TRACING":          &cfg.Tracing.Enabled,
		"IMPACT_WEIGHTING": &cfg.Learning.ImpactWeighting,
		"TWO_PHASE_CACHE":  &cfg.Cache.EnableTwoPhase,
	}
	for name, dst := range bools {
		if v := env(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%w: %s%s: %v", domain.ErrInvalidConfig, EnvPrefix, name, err)
			}
			*dst = b
		}
	}

	if env("DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}
	if v := env("BLACKLISTED_VENDORS"); v != "" {
		cfg.Scoring.BlacklistedVendors = splitList(v)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
