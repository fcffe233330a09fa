package quota

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// claimScript performs the compare-and-increment atomically. The hash
// holds three fields: used, limit, open. The limit field is written on
// first contact so later limit changes don't affect existing identities
// mid-cycle.
var claimScript = redis.NewScript(`
	local key = KEYS[1]
	local default_limit = tonumber(ARGV[1])

	local limit = tonumber(redis.call('HGET', key, 'limit'))
	if not limit then
		limit = default_limit
		redis.call('HSET', key, 'limit', limit)
	end

	local used = tonumber(redis.call('HGET', key, 'used')) or 0
	local remaining = limit - used
	if remaining <= 0 then
		return {0, 0, limit}
	end

	redis.call('HINCRBY', key, 'used', 1)
	redis.call('HINCRBY', key, 'open', 1)
	return {1, remaining, limit}
`)

// releaseScript undoes a claim only when an open claim is tracked.
var releaseScript = redis.NewScript(`
	local key = KEYS[1]
	local open = tonumber(redis.call('HGET', key, 'open')) or 0
	if open <= 0 then
		return 0
	end
	redis.call('HINCRBY', key, 'open', -1)
	redis.call('HINCRBY', key, 'used', -1)
	return 1
`)

// commitScript closes an open claim without touching the counter.
var commitScript = redis.NewScript(`
	local key = KEYS[1]
	local open = tonumber(redis.call('HGET', key, 'open')) or 0
	if open <= 0 then
		return 0
	end
	redis.call('HINCRBY', key, 'open', -1)
	return 1
`)

// RedisLedger is a Ledger backed by a Redis hash per identity, for
// deployments where multiple gateway pods share the free-tier counter.
type RedisLedger struct {
	client    *redis.Client
	freeLimit int
}

// NewRedisLedger creates a new Redis-backed ledger
func NewRedisLedger(client *redis.Client, freeLimit int) *RedisLedger {
	if freeLimit <= 0 {
		freeLimit = DefaultFreeLimit
	}
	return &RedisLedger{
		client:    client,
		freeLimit: freeLimit,
	}
}

// TryClaim atomically claims one unit of free quota
func (l *RedisLedger) TryClaim(ctx context.Context, identity string) (ClaimResult, error) {
	result, err := claimScript.Run(ctx, l.client, []string{l.key(identity)}, l.freeLimit).Int64Slice()
	if err != nil {
		return ClaimResult{}, fmt.Errorf("quota claim failed: %w", err)
	}
	if len(result) != 3 {
		return ClaimResult{}, fmt.Errorf("quota claim returned unexpected result: %v", result)
	}

	return ClaimResult{
		Granted:         result[0] == 1,
		RemainingBefore: int(result[1]),
		FreeLimit:       int(result[2]),
	}, nil
}

// Commit closes an open claim without touching the counter
func (l *RedisLedger) Commit(ctx context.Context, identity string) error {
	if err := commitScript.Run(ctx, l.client, []string{l.key(identity)}).Err(); err != nil {
		return fmt.Errorf("quota commit failed: %w", err)
	}
	return nil
}

// Release rolls back a granted claim, guarded by the open-claim count
func (l *RedisLedger) Release(ctx context.Context, identity string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key(identity)}).Err(); err != nil {
		return fmt.Errorf("quota release failed: %w", err)
	}
	return nil
}

// Remaining returns the identity's current ledger state
func (l *RedisLedger) Remaining(ctx context.Context, identity string) (Snapshot, error) {
	fields, err := l.client.HGetAll(ctx, l.key(identity)).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("quota lookup failed: %w", err)
	}

	snap := Snapshot{FreeLimit: l.freeLimit}
	if v, ok := fields["limit"]; ok {
		fmt.Sscanf(v, "%d", &snap.FreeLimit)
	}
	if v, ok := fields["used"]; ok {
		fmt.Sscanf(v, "%d", &snap.Used)
	}
	if v, ok := fields["open"]; ok {
		fmt.Sscanf(v, "%d", &snap.OpenClaims)
	}

	return snap, nil
}

func (l *RedisLedger) key(identity string) string {
	return fmt.Sprintf("quota:%s", identity)
}
