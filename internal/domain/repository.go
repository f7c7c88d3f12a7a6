// Package domain defines the core interfaces and types for couponguard.
package domain

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Repository lookups that match no record.
var ErrNotFound = errors.New("record not found")

// Repository defines the interface for data persistence.
type Repository interface {
	// Transaction operations
	SaveTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	// ListTransactions returns transactions created at or after since, in processing order.
	ListTransactions(ctx context.Context, since time.Time) ([]*Transaction, error)

	// Scores
	SaveScore(ctx context.Context, score *ScoredTransaction) error
	GetScore(ctx context.Context, txID string) (*ScoredTransaction, error)

	// Feedback is keyed by transaction id; a second save returns ErrDuplicate.
	SaveFeedback(ctx context.Context, record *FeedbackRecord) error
	GetFeedback(ctx context.Context, txID string) (*FeedbackRecord, error)
	ListFeedback(ctx context.Context, since time.Time) ([]*FeedbackRecord, error)

	// Weight state
	SaveWeights(ctx context.Context, weights []RuleWeight, version uint64) error
	LoadWeights(ctx context.Context) ([]RuleWeight, uint64, error)

	// Candidate rules
	SaveCandidate(ctx context.Context, c *CandidateRule) error
	GetCandidate(ctx context.Context, id string) (*CandidateRule, error)
	ListCandidates(ctx context.Context, status CandidateStatus) ([]*CandidateRule, error)

	// Expression rule configuration
	SaveRuleConfig(ctx context.Context, rule *RuleConfig) error
	ListRuleConfigs(ctx context.Context) ([]*RuleConfig, error)

	// Vendor blacklist extensions beyond the configured seed list
	AddBlacklistedVendor(ctx context.Context, name, reason string) error
	ListBlacklistedVendors(ctx context.Context) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `yaml:"driver"`

	SQLitePath string `yaml:"sqlite_path"`

	PostgresHost     string `yaml:"postgres_host"`
	PostgresPort     int    `yaml:"postgres_port"`
	PostgresUser     string `yaml:"postgres_user"`
	PostgresPassword string `yaml:"postgres_password"`
	PostgresDB       string `yaml:"postgres_db"`
	PostgresSSLMode  string `yaml:"postgres_sslmode"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}
