package reservation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat_gateway/internal/billing"
	"chat_gateway/internal/models"
	"chat_gateway/internal/quota"
)

type fakeAdapter struct {
	mu        sync.Mutex
	standing  billing.Standing
	recordErr error
	recorded  []billing.Usage
}

func (f *fakeAdapter) CheckStanding(ctx context.Context, identity string) billing.Standing {
	return f.standing
}

func (f *fakeAdapter) RecordUsage(ctx context.Context, identity string, usage billing.Usage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, usage)
	return f.recordErr
}

type fakeSink struct {
	mu      sync.Mutex
	records []*models.UsageRecord
}

func (f *fakeSink) Enqueue(ctx context.Context, record *models.UsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
	return nil
}

func unconfigured() *fakeAdapter {
	return &fakeAdapter{standing: billing.Standing{Status: billing.StatusNotConfigured}}
}

func usedUnits(t *testing.T, ledger quota.Ledger, identity string) int {
	t.Helper()
	snap, err := ledger.Remaining(context.Background(), identity)
	require.NoError(t, err)
	return snap.Used
}

func TestReserve_FreeAdmission_ClaimsImmediately(t *testing.T) {
	ledger := quota.NewMemoryLedger(10)
	mgr := NewManager(ledger, unconfigured(), nil)
	ctx := context.Background()

	decision, res, err := mgr.Reserve(ctx, "user-1", RequestMetadata{Provider: "openai", Model: "gpt-4o"})
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.True(t, decision.Allowed)
	assert.Equal(t, ModeFree, decision.Mode)
	assert.Equal(t, 10, decision.FreeLimit)
	assert.Equal(t, 9, decision.Usage.FreeMessagesRemaining)

	// The unit is claimed at Reserve time, before any Complete.
	assert.Equal(t, 1, usedUnits(t, ledger, "user-1"))
	assert.Equal(t, StateReserved, res.State())
}

func TestReserve_LastUnitThenExhausted(t *testing.T) {
	ledger := quota.NewMemoryLedger(10)
	mgr := NewManager(ledger, unconfigured(), nil)
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		_, res, err := mgr.Reserve(ctx, "user-1", RequestMetadata{})
		require.NoError(t, err)
		res.Complete(ctx, billing.Usage{})
	}

	decision, res, err := mgr.Reserve(ctx, "user-1", RequestMetadata{})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, decision.Allowed)
	assert.Equal(t, ModeFree, decision.Mode)
	assert.Equal(t, 0, decision.Usage.FreeMessagesRemaining)

	// A second reservation before the first settles is denied; the
	// billing backend is absent so the caller cannot upgrade.
	denied, deniedRes, err := mgr.Reserve(ctx, "user-1", RequestMetadata{})
	require.NoError(t, err)
	assert.Nil(t, deniedRes)
	assert.False(t, denied.Allowed)
	assert.Equal(t, ReasonBillingNotConfigured, denied.Reason)
	assert.False(t, denied.RequiresUpgrade)
}

func TestReserve_QuotaExhausted_RequiresUpgrade(t *testing.T) {
	ledger := quota.NewMemoryLedger(1)
	adapter := &fakeAdapter{standing: billing.Standing{Status: billing.StatusUnsubscribed}}
	mgr := NewManager(ledger, adapter, nil)
	ctx := context.Background()

	_, res, err := mgr.Reserve(ctx, "user-1", RequestMetadata{})
	require.NoError(t, err)
	res.Complete(ctx, billing.Usage{})

	denied, _, err := mgr.Reserve(ctx, "user-1", RequestMetadata{})
	require.NoError(t, err)
	assert.False(t, denied.Allowed)
	assert.Equal(t, ReasonQuotaExhausted, denied.Reason)
	assert.True(t, denied.RequiresUpgrade)
	assert.Equal(t, 1, denied.FreeLimit)
	assert.Equal(t, 0, denied.Usage.FreeMessagesRemaining)
}

func TestReserve_BillingCheckFailed(t *testing.T) {
	ledger := quota.NewMemoryLedger(1)
	adapter := &fakeAdapter{standing: billing.Standing{
		Status: billing.StatusCheckFailed,
		Err:    "stripe: 503 service unavailable",
	}}
	mgr := NewManager(ledger, adapter, nil)
	ctx := context.Background()

	// Free quota remaining: a failed billing check does not block.
	decision, res, err := mgr.Reserve(ctx, "user-1", RequestMetadata{})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, decision.Allowed)
	assert.Equal(t, ModeFree, decision.Mode)
	res.Complete(ctx, billing.Usage{})

	// Exhausted: the deny reason carries the underlying message.
	denied, _, err := mgr.Reserve(ctx, "user-1", RequestMetadata{})
	require.NoError(t, err)
	assert.False(t, denied.Allowed)
	assert.Equal(t, ReasonBillingCheckFailed, denied.Reason)
	assert.Equal(t, "stripe: 503 service unavailable", denied.ErrorMessage)
}

func TestReserve_Subscribed_BypassesLedger(t *testing.T) {
	ledger := quota.NewMemoryLedger(10)
	adapter := &fakeAdapter{standing: billing.Standing{Status: billing.StatusSubscribed, Unlimited: true}}
	mgr := NewManager(ledger, adapter, nil)
	ctx := context.Background()

	decision, res, err := mgr.Reserve(ctx, "user-1", RequestMetadata{})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, decision.Allowed)
	assert.Equal(t, ModePaid, decision.Mode)
	assert.Equal(t, 0, usedUnits(t, ledger, "user-1"))

	usage := billing.Usage{Provider: "openai", Model: "gpt-4o", TotalTokens: 42}
	result := res.Complete(ctx, usage)
	assert.Empty(t, result.TrackError)

	require.Len(t, adapter.recorded, 1)
	assert.Equal(t, 42, adapter.recorded[0].TotalTokens)
	// Paid completion never touches the free counter.
	assert.Equal(t, 0, usedUnits(t, ledger, "user-1"))
}

func TestComplete_PaidTrackErrorIsAdvisory(t *testing.T) {
	ledger := quota.NewMemoryLedger(10)
	adapter := &fakeAdapter{
		standing:  billing.Standing{Status: billing.StatusSubscribed},
		recordErr: errors.New("usage endpoint timed out"),
	}
	mgr := NewManager(ledger, adapter, nil)
	ctx := context.Background()

	_, res, err := mgr.Reserve(ctx, "user-1", RequestMetadata{})
	require.NoError(t, err)

	result := res.Complete(ctx, billing.Usage{})
	assert.Equal(t, "usage endpoint timed out", result.TrackError)
	assert.Equal(t, StateCompleted, res.State())

	// Idempotent: the same recorded result comes back, the backend is
	// not called again.
	again := res.Complete(ctx, billing.Usage{})
	assert.Equal(t, result, again)
	assert.Len(t, adapter.recorded, 1)
}

func TestRelease_RestoresCounter(t *testing.T) {
	ledger := quota.NewMemoryLedger(10)
	mgr := NewManager(ledger, unconfigured(), nil)
	ctx := context.Background()

	_, res, err := mgr.Reserve(ctx, "user-1", RequestMetadata{})
	require.NoError(t, err)
	assert.Equal(t, 1, usedUnits(t, ledger, "user-1"))

	res.Release(ctx)
	assert.Equal(t, StateReleased, res.State())
	assert.Equal(t, 0, usedUnits(t, ledger, "user-1"))

	// Repeated release never double-decrements.
	res.Release(ctx)
	assert.Equal(t, 0, usedUnits(t, ledger, "user-1"))
}

func TestRelease_AfterComplete_IsNoOp(t *testing.T) {
	ledger := quota.NewMemoryLedger(10)
	mgr := NewManager(ledger, unconfigured(), nil)
	ctx := context.Background()

	_, res, err := mgr.Reserve(ctx, "user-1", RequestMetadata{})
	require.NoError(t, err)
	res.Complete(ctx, billing.Usage{})
	assert.Equal(t, 1, usedUnits(t, ledger, "user-1"))

	res.Release(ctx)
	assert.Equal(t, StateCompleted, res.State())
	assert.Equal(t, 1, usedUnits(t, ledger, "user-1"))

	// A late Complete just replays the recorded result.
	result := res.Complete(ctx, billing.Usage{})
	assert.Empty(t, result.TrackError)
}

func TestComplete_EnqueuesAuditRecord(t *testing.T) {
	ledger := quota.NewMemoryLedger(10)
	sink := &fakeSink{}
	mgr := NewManager(ledger, unconfigured(), sink)
	ctx := context.Background()

	_, res, err := mgr.Reserve(ctx, "user-1", RequestMetadata{Provider: "openai", Model: "gpt-4o"})
	require.NoError(t, err)
	res.Complete(ctx, billing.Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30})

	require.Len(t, sink.records, 1)
	record := sink.records[0]
	assert.Equal(t, "user-1", record.Identity)
	assert.Equal(t, "openai", record.Provider)
	assert.Equal(t, "gpt-4o", record.Model)
	assert.Equal(t, ModeFree, record.Mode)
	assert.Equal(t, 30, record.TotalTokens)
}

func TestReserve_ConcurrentSingleUnit(t *testing.T) {
	ledger := quota.NewMemoryLedger(1)
	mgr := NewManager(ledger, unconfigured(), nil)
	ctx := context.Background()

	const workers = 20
	granted := make(chan *Reservation, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, res, err := mgr.Reserve(ctx, "user-1", RequestMetadata{})
			require.NoError(t, err)
			if decision.Allowed {
				granted <- res
			}
		}()
	}
	wg.Wait()
	close(granted)

	var admitted []*Reservation
	for res := range granted {
		admitted = append(admitted, res)
	}
	require.Len(t, admitted, 1)
	assert.Equal(t, 1, usedUnits(t, ledger, "user-1"))
}
