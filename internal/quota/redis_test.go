package quota

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) *redis.Client {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { client.Close() })

	return client
}

func TestRedisLedger_TryClaim(t *testing.T) {
	t.Run("grants until limit reached", func(t *testing.T) {
		ledger := NewRedisLedger(setupTestRedis(t), 3)
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			result, err := ledger.TryClaim(ctx, "user-1")
			require.NoError(t, err)
			assert.True(t, result.Granted)
			assert.Equal(t, 3-i, result.RemainingBefore)
		}

		result, err := ledger.TryClaim(ctx, "user-1")
		require.NoError(t, err)
		assert.False(t, result.Granted)
		assert.Equal(t, 0, result.RemainingBefore)
		assert.Equal(t, 3, result.FreeLimit)
	})

	t.Run("limit is pinned at first contact", func(t *testing.T) {
		client := setupTestRedis(t)
		ctx := context.Background()

		first := NewRedisLedger(client, 2)
		_, err := first.TryClaim(ctx, "user-1")
		require.NoError(t, err)

		// A ledger with a different default still honors the pinned limit.
		second := NewRedisLedger(client, 100)
		_, err = second.TryClaim(ctx, "user-1")
		require.NoError(t, err)

		result, err := second.TryClaim(ctx, "user-1")
		require.NoError(t, err)
		assert.False(t, result.Granted)
		assert.Equal(t, 2, result.FreeLimit)
	})
}

func TestRedisLedger_ReleaseAndCommit(t *testing.T) {
	t.Run("release restores counter", func(t *testing.T) {
		ledger := NewRedisLedger(setupTestRedis(t), 10)
		ctx := context.Background()

		_, err := ledger.TryClaim(ctx, "user-1")
		require.NoError(t, err)
		require.NoError(t, ledger.Release(ctx, "user-1"))

		snap, err := ledger.Remaining(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, 0, snap.Used)
		assert.Equal(t, 0, snap.OpenClaims)
	})

	t.Run("release after commit is a no-op", func(t *testing.T) {
		ledger := NewRedisLedger(setupTestRedis(t), 10)
		ctx := context.Background()

		_, err := ledger.TryClaim(ctx, "user-1")
		require.NoError(t, err)
		require.NoError(t, ledger.Commit(ctx, "user-1"))
		require.NoError(t, ledger.Release(ctx, "user-1"))

		snap, err := ledger.Remaining(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, 1, snap.Used)
	})

	t.Run("release on untouched identity is safe", func(t *testing.T) {
		ledger := NewRedisLedger(setupTestRedis(t), 10)
		ctx := context.Background()

		require.NoError(t, ledger.Release(ctx, "user-unknown"))

		snap, err := ledger.Remaining(ctx, "user-unknown")
		require.NoError(t, err)
		assert.Equal(t, 0, snap.Used)
	})
}

func TestRedisLedger_ConcurrentClaims(t *testing.T) {
	const (
		limit   = 5
		workers = 25
	)

	ledger := NewRedisLedger(setupTestRedis(t), limit)
	ctx := context.Background()

	var wg sync.WaitGroup
	granted := make(chan bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := ledger.TryClaim(ctx, "user-1")
			require.NoError(t, err)
			granted <- result.Granted
		}()
	}

	wg.Wait()
	close(granted)

	grants := 0
	for ok := range granted {
		if ok {
			grants++
		}
	}

	assert.Equal(t, limit, grants)
}

func TestRedisLedger_Remaining(t *testing.T) {
	ledger := NewRedisLedger(setupTestRedis(t), 10)
	ctx := context.Background()

	snap, err := ledger.Remaining(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 10, snap.Remaining())

	_, err = ledger.TryClaim(ctx, "user-1")
	require.NoError(t, err)

	snap, err = ledger.Remaining(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 9, snap.Remaining())
	assert.Equal(t, 1, snap.OpenClaims)
}
