// Package quota implements the free-tier message ledger: a per-identity
// counter with an atomic claim-if-under-limit primitive.
//
// A claim is taken optimistically at admission time. Claiming after the
// operation completes would leave a window where two concurrent requests
// both read "1 remaining" and both proceed; incrementing up front closes
// it. The cost is that an operation that fails or is cancelled must call
// Release, which the reservation layer guarantees.
package quota

import "context"

// DefaultFreeLimit is the number of free messages granted to an
// identity that has no ledger row yet.
const DefaultFreeLimit = 10

// ClaimResult reports the outcome of a TryClaim call.
type ClaimResult struct {
	// Granted is true when one unit of free quota was claimed.
	Granted bool

	// RemainingBefore is the free quota available at the moment of the
	// call, before this claim was applied.
	RemainingBefore int

	// FreeLimit is the identity's configured free-tier limit.
	FreeLimit int
}

// Snapshot is a read-only view of an identity's ledger state.
type Snapshot struct {
	Used       int
	FreeLimit  int
	OpenClaims int
}

// Remaining returns the free quota left, never negative.
func (s Snapshot) Remaining() int {
	remaining := s.FreeLimit - s.Used
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Ledger is the per-identity free-tier counter. Implementations must
// make TryClaim linearizable per identity: two concurrent claims must
// never both succeed when only one unit remains. Callers get no
// read-then-write path; the three mutating operations below are the
// whole surface.
type Ledger interface {
	// TryClaim atomically claims one unit of free quota. When the
	// identity is at its limit it reports Granted=false without
	// mutating state. An error means the backend failed, not that the
	// quota is exhausted.
	TryClaim(ctx context.Context, identity string) (ClaimResult, error)

	// Commit finalizes a previously granted claim. The counter was
	// already incremented at claim time, so this only closes the open
	// claim; it exists to make the claim lifecycle explicit.
	Commit(ctx context.Context, identity string) error

	// Release rolls back a granted claim that was never finalized.
	// It only decrements when an open claim is tracked, so calling it
	// after Commit, or twice, never produces a negative counter.
	Release(ctx context.Context, identity string) error

	// Remaining returns the identity's current ledger state.
	Remaining(ctx context.Context, identity string) (Snapshot, error)
}
