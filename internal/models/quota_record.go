package models

import "time"

// QuotaRecord is the persisted free-tier counter for one identity.
// One row per identity, created lazily on first claim, never deleted.
//
// Invariant: FreeMessagesUsed <= FreeLimit once no claim is open.
// OpenClaims counts granted-but-unfinalized claims so a release can be
// guarded against double-decrementing.
type QuotaRecord struct {
	Identity         string    `db:"identity"`
	FreeMessagesUsed int       `db:"free_messages_used"`
	FreeLimit        int       `db:"free_limit"`
	OpenClaims       int       `db:"open_claims"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

// Remaining returns the free messages left, never negative.
func (q *QuotaRecord) Remaining() int {
	remaining := q.FreeLimit - q.FreeMessagesUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}
