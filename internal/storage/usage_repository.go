package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"chat_gateway/internal/models"
)

// UsageRepository handles usage record database operations
type UsageRepository struct {
	db *DB
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// Insert writes a single usage record
func (r *UsageRepository) Insert(ctx context.Context, record *models.UsageRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}

	query := `
		INSERT INTO usage_records (
			id, identity, request_id, provider, model, mode,
			input_tokens, output_tokens, total_tokens
		) VALUES (
			:id, :identity, :request_id, :provider, :model, :mode,
			:input_tokens, :output_tokens, :total_tokens
		)
	`

	if _, err := r.db.conn.NamedExecContext(ctx, query, record); err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}

	return nil
}

// InsertBatch writes multiple usage records in one transaction
func (r *UsageRepository) InsertBatch(ctx context.Context, records []*models.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO usage_records (
			id, identity, request_id, provider, model, mode,
			input_tokens, output_tokens, total_tokens
		) VALUES (
			:id, :identity, :request_id, :provider, :model, :mode,
			:input_tokens, :output_tokens, :total_tokens
		)
	`

	for _, record := range records {
		if record.ID == uuid.Nil {
			record.ID = uuid.New()
		}
		if _, err := tx.NamedExecContext(ctx, query, record); err != nil {
			return fmt.Errorf("failed to insert usage record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit usage batch: %w", err)
	}

	return nil
}

// ListByIdentity returns recent usage rows for one identity, newest first.
func (r *UsageRepository) ListByIdentity(ctx context.Context, identity string, limit int) ([]*models.UsageRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, identity, request_id, provider, model, mode,
		       input_tokens, output_tokens, total_tokens, created_at
		FROM usage_records
		WHERE identity = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	var records []*models.UsageRecord
	err := r.db.conn.SelectContext(ctx, &records, query, identity, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}

	return records, nil
}
