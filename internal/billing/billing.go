// Package billing answers "does this identity have paid standing" and
// reports usage against it. The adapter's own unavailability must never
// crash the caller's request: standing checks degrade to a status value
// and usage reporting errors are advisory.
package billing

import "context"

// Status describes an identity's paid-tier standing.
type Status string

const (
	// StatusSubscribed means an active paid subscription was found.
	StatusSubscribed Status = "subscribed"

	// StatusUnsubscribed means the backend answered and found no
	// active subscription.
	StatusUnsubscribed Status = "unsubscribed"

	// StatusNotConfigured means no billing backend is provisioned.
	StatusNotConfigured Status = "not_configured"

	// StatusCheckFailed means the backend call failed (network, auth,
	// 5xx); the underlying message is carried in Standing.Err.
	StatusCheckFailed Status = "check_failed"
)

// Standing is a read-only snapshot of an identity's paid-tier state.
// It is fetched fresh per reservation attempt and never cached across
// requests, because it can change between them.
type Standing struct {
	Status        Status
	Unlimited     bool
	CreditBalance *int64
	Err           string
}

// Subscribed reports whether the identity has confirmed paid standing.
func (s Standing) Subscribed() bool {
	return s.Status == StatusSubscribed
}

// Usage is the token accounting attached when an operation completes.
// Purely informational; forwarding it never blocks the reservation
// outcome.
type Usage struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	TotalTokens  int    `json:"total_tokens"`
}

// Adapter is the boundary to the subscription/billing backend.
type Adapter interface {
	// CheckStanding never returns an error: backend failures map to
	// StatusCheckFailed, a missing backend to StatusNotConfigured.
	CheckStanding(ctx context.Context, identity string) Standing

	// RecordUsage reports usage for a paid identity. Best-effort; a
	// returned error is logged and surfaced as an advisory field, it
	// never reverses an admission decision.
	RecordUsage(ctx context.Context, identity string, usage Usage) error
}

// UnconfiguredAdapter is used when no billing backend is provisioned.
// Every identity is on the free tier; usage reporting is discarded.
type UnconfiguredAdapter struct{}

// NewUnconfiguredAdapter creates an adapter reporting no billing backend
func NewUnconfiguredAdapter() *UnconfiguredAdapter {
	return &UnconfiguredAdapter{}
}

func (a *UnconfiguredAdapter) CheckStanding(ctx context.Context, identity string) Standing {
	return Standing{Status: StatusNotConfigured}
}

func (a *UnconfiguredAdapter) RecordUsage(ctx context.Context, identity string, usage Usage) error {
	return nil
}
