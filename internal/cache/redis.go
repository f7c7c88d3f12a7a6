package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/couponguard/internal/domain"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "couponguard:"

// RedisCache implements Cache using Redis.
// Used as the Pro tier cache and as L2 in two-phase caching.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache and verifies the connection.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Get retrieves a value from Redis. Returns nil, nil on a miss.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, fmt.Errorf("key is required")
	}

	val, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores a value in Redis with TTL.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("key is required")
	}
	return c.client.Set(ctx, keyPrefix+key, value, ttl).Err()
}

// Delete removes a value from Redis.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, keyPrefix+key).Err()
}

// GetScore retrieves a cached score.
func (c *RedisCache) GetScore(ctx context.Context, txID string) (*domain.ScoredTransaction, error) {
	data, err := c.Get(ctx, scoreKey(txID))
	if err != nil || data == nil {
		return nil, err
	}
	return decodeScore(data)
}

// SetScore caches a score.
func (c *RedisCache) SetScore(ctx context.Context, score *domain.ScoredTransaction, ttl time.Duration) error {
	data, err := encodeScore(score)
	if err != nil {
		return err
	}
	return c.Set(ctx, scoreKey(score.TxID), data, ttl)
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
