package quota

import (
	"context"
	"sync"
)

type memoryRecord struct {
	used       int
	freeLimit  int
	openClaims int
}

// MemoryLedger is an in-memory Ledger for standalone deployments and
// tests. Records are created lazily on first claim and never deleted.
type MemoryLedger struct {
	mu        sync.Mutex
	records   map[string]*memoryRecord
	freeLimit int
}

// NewMemoryLedger creates a new in-memory ledger. A freeLimit of 0 or
// less falls back to DefaultFreeLimit.
func NewMemoryLedger(freeLimit int) *MemoryLedger {
	if freeLimit <= 0 {
		freeLimit = DefaultFreeLimit
	}
	return &MemoryLedger{
		records:   make(map[string]*memoryRecord),
		freeLimit: freeLimit,
	}
}

// TryClaim atomically claims one unit of free quota
func (l *MemoryLedger) TryClaim(_ context.Context, identity string) (ClaimResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.record(identity)
	remaining := rec.freeLimit - rec.used

	if rec.used >= rec.freeLimit {
		return ClaimResult{
			Granted:         false,
			RemainingBefore: 0,
			FreeLimit:       rec.freeLimit,
		}, nil
	}

	rec.used++
	rec.openClaims++

	return ClaimResult{
		Granted:         true,
		RemainingBefore: remaining,
		FreeLimit:       rec.freeLimit,
	}, nil
}

// Commit closes an open claim without touching the counter
func (l *MemoryLedger) Commit(_ context.Context, identity string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.record(identity)
	if rec.openClaims > 0 {
		rec.openClaims--
	}
	return nil
}

// Release rolls back a granted claim, guarded by the open-claim count
func (l *MemoryLedger) Release(_ context.Context, identity string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.record(identity)
	if rec.openClaims > 0 {
		rec.openClaims--
		rec.used--
	}
	return nil
}

// Remaining returns the identity's current ledger state
func (l *MemoryLedger) Remaining(_ context.Context, identity string) (Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.record(identity)
	return Snapshot{
		Used:       rec.used,
		FreeLimit:  rec.freeLimit,
		OpenClaims: rec.openClaims,
	}, nil
}

func (l *MemoryLedger) record(identity string) *memoryRecord {
	rec, ok := l.records[identity]
	if !ok {
		rec = &memoryRecord{freeLimit: l.freeLimit}
		l.records[identity] = rec
	}
	return rec
}
