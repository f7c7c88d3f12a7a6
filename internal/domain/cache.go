package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	Delete(ctx context.Context, key string) error

	// GetScore retrieves a cached score so feedback can recover its signals.
	GetScore(ctx context.Context, txID string) (*ScoredTransaction, error)

	// SetScore caches a score until its feedback is expected to arrive.
	SetScore(ctx context.Context, score *ScoredTransaction, ttl time.Duration) error

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `yaml:"type"`

	LocalMaxSize int           `yaml:"local_max_size"`
	LocalTTL     time.Duration `yaml:"local_ttl"`

	// ScoreTTL bounds how long scores stay cached for feedback lookups.
	ScoreTTL time.Duration `yaml:"score_ttl"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// If true, check local first, then Redis
	EnableTwoPhase bool `yaml:"enable_two_phase"`
}
