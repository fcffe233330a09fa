package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRateLimiter_AllowWithDetails(t *testing.T) {
	t.Run("allows requests within limit", func(t *testing.T) {
		limiter := NewRateLimiter(setupTestRedis(t))
		ctx := context.Background()
		limit := 5

		for i := 0; i < 5; i++ {
			allowed, remaining, resetAt, err := limiter.AllowWithDetails(ctx, "user-1", limit)
			require.NoError(t, err)
			assert.True(t, allowed)
			assert.Equal(t, limit-i-1, remaining)
			assert.False(t, resetAt.IsZero())
		}
	})

	t.Run("blocks requests over limit", func(t *testing.T) {
		limiter := NewRateLimiter(setupTestRedis(t))
		ctx := context.Background()
		limit := 3

		for i := 0; i < 3; i++ {
			allowed, _, _, err := limiter.AllowWithDetails(ctx, "user-2", limit)
			require.NoError(t, err)
			assert.True(t, allowed)
		}

		allowed, remaining, resetAt, err := limiter.AllowWithDetails(ctx, "user-2", limit)
		require.NoError(t, err)
		assert.False(t, allowed)
		assert.Equal(t, 0, remaining)
		assert.False(t, resetAt.IsZero())
	})

	t.Run("unlimited when limit is 0", func(t *testing.T) {
		limiter := NewRateLimiter(setupTestRedis(t))
		ctx := context.Background()

		for i := 0; i < 100; i++ {
			allowed, remaining, resetAt, err := limiter.AllowWithDetails(ctx, "user-3", 0)
			require.NoError(t, err)
			assert.True(t, allowed)
			assert.Equal(t, -1, remaining)
			assert.True(t, resetAt.IsZero())
		}
	})

	t.Run("keys are independent", func(t *testing.T) {
		limiter := NewRateLimiter(setupTestRedis(t))
		ctx := context.Background()

		allowed, _, _, err := limiter.AllowWithDetails(ctx, "user-a", 1)
		require.NoError(t, err)
		assert.True(t, allowed)

		allowed, _, _, err = limiter.AllowWithDetails(ctx, "user-a", 1)
		require.NoError(t, err)
		assert.False(t, allowed)

		allowed, _, _, err = limiter.AllowWithDetails(ctx, "user-b", 1)
		require.NoError(t, err)
		assert.True(t, allowed)
	})
}

func TestRateLimiter_Allow(t *testing.T) {
	limiter := NewRateLimiter(setupTestRedis(t))
	ctx := context.Background()

	allowed, err := limiter.Allow(ctx, "user-4", 1)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = limiter.Allow(ctx, "user-4", 1)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestRateLimiter_CurrentUsageAndReset(t *testing.T) {
	limiter := NewRateLimiter(setupTestRedis(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, _, err := limiter.AllowWithDetails(ctx, "user-5", 10)
		require.NoError(t, err)
	}

	count, err := limiter.CurrentUsage(ctx, "user-5")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	require.NoError(t, limiter.Reset(ctx, "user-5"))

	count, err = limiter.CurrentUsage(ctx, "user-5")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestRateLimiter_ResetAtReflectsOldestEntry(t *testing.T) {
	limiter := NewRateLimiter(setupTestRedis(t))
	ctx := context.Background()

	start := time.Now()
	allowed, _, _, err := limiter.AllowWithDetails(ctx, "user-6", 1)
	require.NoError(t, err)
	require.True(t, allowed)

	_, _, resetAt, err := limiter.AllowWithDetails(ctx, "user-6", 1)
	require.NoError(t, err)
	// The window frees a slot one minute after the first request.
	assert.WithinDuration(t, start.Add(time.Minute), resetAt, 2*time.Second)
}
