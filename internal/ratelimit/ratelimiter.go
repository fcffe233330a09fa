// Package ratelimit enforces per-identity request rates using a Redis
// sliding window.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	window    = time.Minute
	keyPrefix = "ratelimit:"
)

// RateLimiter implements distributed rate limiting with Redis sorted
// sets, one entry per request scored by its millisecond timestamp.
type RateLimiter struct {
	client *redis.Client
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{client: client}
}

// Allow checks if a request should be allowed for the given key.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int) (bool, error) {
	allowed, _, _, err := rl.AllowWithDetails(ctx, key, limit)
	return allowed, err
}

// AllowWithDetails checks the limit and returns the remaining budget in
// the current window plus the time at which the window frees a slot.
// A limit of 0 or less means unlimited (remaining -1, zero resetAt).
func (rl *RateLimiter) AllowWithDetails(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	if limit <= 0 {
		return true, -1, time.Time{}, nil
	}

	redisKey := keyPrefix + key
	now := time.Now()
	windowStart := now.Add(-window)

	pipe := rl.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(windowStart.UnixMilli(), 10))
	countCmd := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit check failed: %w", err)
	}

	count := int(countCmd.Val())
	if count >= limit {
		resetAt := now.Add(window)
		if entries, err := rl.client.ZRangeWithScores(ctx, redisKey, 0, 0).Result(); err == nil && len(entries) > 0 {
			resetAt = time.UnixMilli(int64(entries[0].Score)).Add(window)
		}
		return false, 0, resetAt, nil
	}

	member := fmt.Sprintf("%d:%d", now.UnixNano(), count)
	pipe = rl.client.Pipeline()
	pipe.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: member,
	})
	pipe.Expire(ctx, redisKey, 2*window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit update failed: %w", err)
	}

	return true, limit - count - 1, now.Add(window), nil
}

// CurrentUsage returns the request count in the current window.
func (rl *RateLimiter) CurrentUsage(ctx context.Context, key string) (int64, error) {
	redisKey := keyPrefix + key
	windowStart := time.Now().Add(-window)

	if err := rl.client.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(windowStart.UnixMilli(), 10)).Err(); err != nil {
		return 0, fmt.Errorf("failed to clean old entries: %w", err)
	}

	count, err := rl.client.ZCard(ctx, redisKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get current usage: %w", err)
	}
	return count, nil
}

// Reset clears the rate limit window for a key.
func (rl *RateLimiter) Reset(ctx context.Context, key string) error {
	return rl.client.Del(ctx, keyPrefix+key).Err()
}
