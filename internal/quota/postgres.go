package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"chat_gateway/internal/storage"
)

// PostgresLedger is a Ledger persisted as one quota_records row per
// identity. The claim is a single conditional UPDATE, so concurrent
// claims for the same identity serialize on the row lock and never
// both pass the limit check.
//
// Schema:
//
//	CREATE TABLE quota_records (
//	    identity            TEXT PRIMARY KEY,
//	    free_messages_used  INT NOT NULL DEFAULT 0,
//	    free_limit          INT NOT NULL,
//	    open_claims         INT NOT NULL DEFAULT 0,
//	    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	)
type PostgresLedger struct {
	db        *storage.DB
	freeLimit int
}

// NewPostgresLedger creates a new Postgres-backed ledger
func NewPostgresLedger(db *storage.DB, freeLimit int) *PostgresLedger {
	if freeLimit <= 0 {
		freeLimit = DefaultFreeLimit
	}
	return &PostgresLedger{db: db, freeLimit: freeLimit}
}

// TryClaim atomically claims one unit of free quota
func (l *PostgresLedger) TryClaim(ctx context.Context, identity string) (ClaimResult, error) {
	// Lazily create the row; the claim itself is the conditional UPDATE.
	insert := `
		INSERT INTO quota_records (identity, free_messages_used, free_limit, open_claims)
		VALUES ($1, 0, $2, 0)
		ON CONFLICT (identity) DO NOTHING
	`
	if _, err := l.db.Conn().ExecContext(ctx, insert, identity, l.freeLimit); err != nil {
		return ClaimResult{}, fmt.Errorf("quota row create failed: %w", err)
	}

	claim := `
		UPDATE quota_records
		SET free_messages_used = free_messages_used + 1,
		    open_claims = open_claims + 1,
		    updated_at = NOW()
		WHERE identity = $1 AND free_messages_used < free_limit
		RETURNING free_messages_used, free_limit
	`

	var usedAfter, limit int
	err := l.db.Conn().QueryRowContext(ctx, claim, identity).Scan(&usedAfter, &limit)
	if err == nil {
		return ClaimResult{
			Granted:         true,
			RemainingBefore: limit - usedAfter + 1,
			FreeLimit:       limit,
		}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return ClaimResult{}, fmt.Errorf("quota claim failed: %w", err)
	}

	// Not granted; read the row for the denial details.
	snap, err := l.Remaining(ctx, identity)
	if err != nil {
		return ClaimResult{}, err
	}

	return ClaimResult{
		Granted:         false,
		RemainingBefore: snap.Remaining(),
		FreeLimit:       snap.FreeLimit,
	}, nil
}

// Commit closes an open claim without touching the counter
func (l *PostgresLedger) Commit(ctx context.Context, identity string) error {
	query := `
		UPDATE quota_records
		SET open_claims = open_claims - 1, updated_at = NOW()
		WHERE identity = $1 AND open_claims > 0
	`
	if _, err := l.db.Conn().ExecContext(ctx, query, identity); err != nil {
		return fmt.Errorf("quota commit failed: %w", err)
	}
	return nil
}

// Release rolls back a granted claim, guarded by the open-claim count
func (l *PostgresLedger) Release(ctx context.Context, identity string) error {
	query := `
		UPDATE quota_records
		SET free_messages_used = free_messages_used - 1,
		    open_claims = open_claims - 1,
		    updated_at = NOW()
		WHERE identity = $1 AND open_claims > 0
	`
	if _, err := l.db.Conn().ExecContext(ctx, query, identity); err != nil {
		return fmt.Errorf("quota release failed: %w", err)
	}
	return nil
}

// Remaining returns the identity's current ledger state
func (l *PostgresLedger) Remaining(ctx context.Context, identity string) (Snapshot, error) {
	query := `
		SELECT free_messages_used, free_limit, open_claims
		FROM quota_records
		WHERE identity = $1
	`

	var snap Snapshot
	err := l.db.Conn().QueryRowContext(ctx, query, identity).Scan(&snap.Used, &snap.FreeLimit, &snap.OpenClaims)
	if errors.Is(err, sql.ErrNoRows) {
		// No row yet: full free quota.
		return Snapshot{FreeLimit: l.freeLimit}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("quota lookup failed: %w", err)
	}

	return snap, nil
}
