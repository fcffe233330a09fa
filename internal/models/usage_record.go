package models

import (
	"time"

	"github.com/google/uuid"
)

// UsageRecord represents a single finalized chat request audit row.
// Purely informational; failures writing it never affect admission.
type UsageRecord struct {
	ID           uuid.UUID `db:"id" json:"id"`
	Identity     string    `db:"identity" json:"identity"`
	RequestID    uuid.UUID `db:"request_id" json:"request_id"`
	Provider     string    `db:"provider" json:"provider"`
	Model        string    `db:"model" json:"model"`
	Mode         string    `db:"mode" json:"mode"` // "free" or "paid"
	InputTokens  int       `db:"input_tokens" json:"input_tokens"`
	OutputTokens int       `db:"output_tokens" json:"output_tokens"`
	TotalTokens  int       `db:"total_tokens" json:"total_tokens"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}
