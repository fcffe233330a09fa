// Package reservation decides whether an identity may run one metered
// generation right now, and settles the accounting once the outcome of
// that generation is known.
//
// A request claims its quota unit optimistically at Reserve time and
// must settle the open claim with exactly one of Complete or Release.
// Both finalizers are idempotent so a crashed or repeated finalize path
// can never double-count.
package reservation

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"chat_gateway/internal/billing"
	"chat_gateway/internal/logging"
	"chat_gateway/internal/models"
	"chat_gateway/internal/quota"
)

// Reservation modes.
const (
	ModeFree = "free"
	ModePaid = "paid"
)

// Deny reasons returned in a Decision.
const (
	ReasonQuotaExhausted       = "quota_exhausted"
	ReasonBillingNotConfigured = "billing_not_configured"
	ReasonBillingCheckFailed   = "billing_check_failed"
)

// Reservation states.
const (
	StateReserved  = "reserved"
	StateCompleted = "completed"
	StateReleased  = "released"
)

const lockStripes = 64

// RequestMetadata describes the operation being gated.
type RequestMetadata struct {
	Provider string
	Model    string
}

// DecisionUsage carries remaining-quota information for the caller's UI.
type DecisionUsage struct {
	FreeMessagesRemaining int `json:"free_messages_remaining"`
}

// Decision is the structured outcome of Reserve. Denials are values,
// not errors: an exhausted quota is an expected business outcome.
type Decision struct {
	Allowed         bool          `json:"allowed"`
	Mode            string        `json:"mode,omitempty"`
	RequiresUpgrade bool          `json:"requires_upgrade"`
	Reason          string        `json:"reason,omitempty"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	FreeLimit       int           `json:"free_limit"`
	Usage           DecisionUsage `json:"usage"`
}

// CompleteResult is returned by Complete. TrackError is advisory: usage
// forwarding failed but the admission outcome stands.
type CompleteResult struct {
	TrackError string `json:"track_error,omitempty"`
}

// UsageSink receives the audit record for a completed operation.
// *storage.UsageQueueWorker implements it.
type UsageSink interface {
	Enqueue(ctx context.Context, record *models.UsageRecord) error
}

// Manager is the single entry point for admitting metered operations.
type Manager struct {
	ledger  quota.Ledger
	billing billing.Adapter
	usage   UsageSink
	logger  *logging.Logger

	// Per-identity admission serialization without global contention.
	locks [lockStripes]sync.Mutex
}

// NewManager creates a reservation manager. sink may be nil when no
// usage audit trail is wanted.
func NewManager(ledger quota.Ledger, adapter billing.Adapter, sink UsageSink) *Manager {
	return &Manager{
		ledger:  ledger,
		billing: adapter,
		usage:   sink,
		logger:  logging.NewLogger("reservation"),
	}
}

func (m *Manager) lockFor(identity string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(identity))
	return &m.locks[h.Sum32()%lockStripes]
}

// Reserve admits or denies one metered operation for the identity.
// The returned error is reserved for infrastructure failures of the
// ledger itself; every business denial is a Decision with Allowed
// false and a populated Reason.
func (m *Manager) Reserve(ctx context.Context, identity string, meta RequestMetadata) (Decision, *Reservation, error) {
	standing := m.billing.CheckStanding(ctx, identity)

	// Paid users are never blocked by the free counter and their
	// usage is tracked by the billing backend directly.
	if standing.Subscribed() {
		decision := Decision{Allowed: true, Mode: ModePaid}
		if snap, err := m.ledger.Remaining(ctx, identity); err == nil {
			decision.FreeLimit = snap.FreeLimit
			decision.Usage.FreeMessagesRemaining = snap.Remaining()
		} else {
			m.logger.Warn("quota snapshot failed", "identity", identity, "error", err)
			decision.FreeLimit = quota.DefaultFreeLimit
			decision.Usage.FreeMessagesRemaining = quota.DefaultFreeLimit
		}
		return decision, m.newReservation(identity, ModePaid, meta), nil
	}

	lock := m.lockFor(identity)
	lock.Lock()
	claim, err := m.ledger.TryClaim(ctx, identity)
	lock.Unlock()
	if err != nil {
		return Decision{}, nil, err
	}

	if claim.Granted {
		decision := Decision{
			Allowed:   true,
			Mode:      ModeFree,
			FreeLimit: claim.FreeLimit,
			Usage:     DecisionUsage{FreeMessagesRemaining: claim.RemainingBefore - 1},
		}
		return decision, m.newReservation(identity, ModeFree, meta), nil
	}

	decision := Decision{
		Allowed:   false,
		FreeLimit: claim.FreeLimit,
		Usage:     DecisionUsage{FreeMessagesRemaining: 0},
	}
	switch standing.Status {
	case billing.StatusNotConfigured:
		// The caller has no way to upgrade; distinct from exhaustion.
		decision.Reason = ReasonBillingNotConfigured
	case billing.StatusCheckFailed:
		decision.Reason = ReasonBillingCheckFailed
		decision.ErrorMessage = standing.Err
	default:
		decision.Reason = ReasonQuotaExhausted
		decision.RequiresUpgrade = true
	}

	m.logger.Info("reservation denied",
		"identity", identity,
		"reason", decision.Reason,
		"standing", string(standing.Status))
	return decision, nil, nil
}

func (m *Manager) newReservation(identity, mode string, meta RequestMetadata) *Reservation {
	return &Reservation{
		mgr:       m,
		identity:  identity,
		mode:      mode,
		meta:      meta,
		state:     StateReserved,
		createdAt: time.Now().UTC(),
	}
}

// Reservation is one admitted operation's open claim. Exactly one of
// Complete or Release settles it; further calls are no-ops.
type Reservation struct {
	mgr       *Manager
	identity  string
	mode      string
	meta      RequestMetadata
	createdAt time.Time

	mu     sync.Mutex
	state  string
	result CompleteResult
}

// Identity returns the identity the reservation was granted to.
func (r *Reservation) Identity() string { return r.identity }

// Mode returns "free" or "paid".
func (r *Reservation) Mode() string { return r.mode }

// State returns the current reservation state.
func (r *Reservation) State() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Complete settles the reservation as consumed. For free mode the open
// ledger claim is committed; for paid mode usage is forwarded to the
// billing backend. Idempotent: repeated calls, or a call after Release,
// return the previously recorded result without further side effects.
func (r *Reservation) Complete(ctx context.Context, usage billing.Usage) CompleteResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateReserved {
		return r.result
	}
	r.state = StateCompleted

	m := r.mgr
	switch r.mode {
	case ModeFree:
		if err := m.ledger.Commit(ctx, r.identity); err != nil {
			m.logger.Error("ledger commit failed", "identity", r.identity, "error", err)
		}
	case ModePaid:
		if err := m.billing.RecordUsage(ctx, r.identity, usage); err != nil {
			m.logger.Error("usage recording failed", "identity", r.identity, "error", err)
			r.result.TrackError = err.Error()
		}
	}

	m.recordAudit(ctx, r, usage)
	return r.result
}

// Release rolls back the reservation's claim. Safe after Complete and
// safe to call repeatedly; the ledger is decremented at most once.
func (r *Reservation) Release(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateReserved {
		return
	}
	r.state = StateReleased

	if r.mode == ModeFree {
		if err := r.mgr.ledger.Release(ctx, r.identity); err != nil {
			r.mgr.logger.Error("ledger release failed", "identity", r.identity, "error", err)
		}
	}
	r.mgr.logger.Debug("reservation released", "identity", r.identity, "mode", r.mode)
}

// recordAudit enqueues the usage audit record. Best-effort.
func (m *Manager) recordAudit(ctx context.Context, r *Reservation, usage billing.Usage) {
	if m.usage == nil {
		return
	}

	record := &models.UsageRecord{
		ID:           uuid.New(),
		Identity:     r.identity,
		RequestID:    uuid.New(),
		Provider:     firstNonEmpty(usage.Provider, r.meta.Provider),
		Model:        firstNonEmpty(usage.Model, r.meta.Model),
		Mode:         r.mode,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		TotalTokens:  usage.TotalTokens,
		CreatedAt:    time.Now().UTC(),
	}
	if err := m.usage.Enqueue(ctx, record); err != nil {
		m.logger.Warn("usage audit enqueue failed", "identity", r.identity, "error", err)
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
