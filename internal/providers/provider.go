// Package providers talks to OpenAI-compatible generation backends and
// normalizes their streamed output into a flat chunk sequence.
package providers

import "context"

// Chunk types emitted on a ChunkStream. A well-formed stream is one
// metadata chunk, zero or more text chunks, then exactly one complete
// chunk carrying the usage totals.
const (
	ChunkTypeMetadata = "metadata"
	ChunkTypeText     = "text"
	ChunkTypeComplete = "complete"
)

// TokenUsage is the token accounting reported on the terminal chunk.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Chunk is one normalized event in a streamed generation.
type Chunk struct {
	Type         string      `json:"type"`
	Provider     string      `json:"provider,omitempty"`
	Model        string      `json:"model,omitempty"`
	Content      string      `json:"content,omitempty"`
	Usage        *TokenUsage `json:"usage,omitempty"`
	FinishReason string      `json:"finish_reason,omitempty"`
	// TrackError is attached to the complete chunk when usage
	// reporting failed; advisory only.
	TrackError string `json:"track_error,omitempty"`
}

// ChatMessage is a single turn in the conversation payload.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a normalized request to a generation backend.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

// ChunkStream is a lazy, finite, non-restartable chunk sequence. Next
// returns io.EOF after the final chunk. Close releases the underlying
// connection and is safe to call more than once.
type ChunkStream interface {
	Next() (*Chunk, error)
	Close() error
}

// Provider is implemented by each generation backend.
type Provider interface {
	// Name returns the backend identifier used in metadata chunks and
	// usage records.
	Name() string

	// StreamChat starts a streamed generation. The returned stream
	// must be drained or closed by the caller.
	StreamChat(ctx context.Context, req ChatRequest) (ChunkStream, error)

	// ValidateCredentials checks that the backend accepts our key.
	ValidateCredentials(ctx context.Context) error

	// Close performs cleanup when the provider is no longer needed.
	Close() error
}
