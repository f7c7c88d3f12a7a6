package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/opensource-finance/couponguard/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	c, err := NewRedisCache(mr.Addr(), "", 0)
	require.NoError(t, err)

	t.Cleanup(func() {
		c.Close()
		mr.Close()
	})
	return c, mr
}

func TestRedisCache(t *testing.T) {
	c, mr := setupTestRedis(t)
	ctx := context.Background()

	t.Run("Prefix", func(t *testing.T) {
		require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
		assert.True(t, mr.Exists("couponguard:k"))

		val, err := c.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), val)
	})

	t.Run("MissIsNil", func(t *testing.T) {
		val, err := c.Get(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, val)
	})

	t.Run("ScoreExpires", func(t *testing.T) {
		score := &domain.ScoredTransaction{TxID: "tx-1", FraudProbability: 0.4, RiskTier: domain.TierMedium}
		require.NoError(t, c.SetScore(ctx, score, time.Hour))

		got, err := c.GetScore(ctx, "tx-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, 0.4, got.FraudProbability)

		mr.FastForward(2 * time.Hour)

		got, err = c.GetScore(ctx, "tx-1")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, c.Set(ctx, "gone", []byte("x"), time.Minute))
		require.NoError(t, c.Delete(ctx, "gone"))
		assert.False(t, mr.Exists("couponguard:gone"))
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, c.Ping(ctx))
	})
}

func TestNewRedisCacheUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = NewRedisCache(addr, "", 0)
	assert.Error(t, err)
}

func TestTwoPhaseCache(t *testing.T) {
	remote, mr := setupTestRedis(t)
	local := NewLRUCache(10)
	c := newTwoPhase(local, remote, time.Minute)
	ctx := context.Background()

	score := &domain.ScoredTransaction{TxID: "tx-2", FraudProbability: 0.9, RiskTier: domain.TierCritical}
	require.NoError(t, c.SetScore(ctx, score, time.Hour))

	inLocal, _ := local.GetScore(ctx, "tx-2")
	require.NotNil(t, inLocal, "write goes to L1")
	assert.True(t, mr.Exists("couponguard:score:tx-2"), "write goes to L2")

	require.NoError(t, local.Delete(ctx, "score:tx-2"))

	got, err := c.GetScore(ctx, "tx-2")
	require.NoError(t, err)
	require.NotNil(t, got, "L2 hit after L1 eviction")
	assert.Equal(t, domain.TierCritical, got.RiskTier)

	refilled, _ := local.GetScore(ctx, "tx-2")
	assert.NotNil(t, refilled, "L2 hit repopulates L1")

	require.NoError(t, c.Delete(ctx, "score:tx-2"))
	got, err = c.GetScore(ctx, "tx-2")
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.NoError(t, c.Ping(ctx))
	size, capacity := c.Stats()
	assert.Equal(t, 0, size)
	assert.Equal(t, 10, capacity)
}
