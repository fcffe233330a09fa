package httpapi

import (
	"net/http"
	"strconv"

	"chat_gateway/internal/middleware"
	"chat_gateway/internal/utils"
)

type quotaResponse struct {
	FreeLimit             int              `json:"free_limit"`
	FreeMessagesUsed      int              `json:"free_messages_used"`
	FreeMessagesRemaining int              `json:"free_messages_remaining"`
	Subscription          subscriptionInfo `json:"subscription"`
}

type subscriptionInfo struct {
	Status        string `json:"status"`
	Unlimited     bool   `json:"unlimited"`
	CreditBalance *int64 `json:"credit_balance,omitempty"`
}

// handleQuota reports the caller's remaining free quota and paid
// standing so clients can render upgrade prompts without a chat call.
func (d *Dependencies) handleQuota(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	identity, ok := middleware.GetUserID(r.Context())
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "Missing session identity")
		return
	}

	snapshot, err := d.Ledger.Remaining(r.Context(), identity)
	if err != nil {
		d.Logger.Error("quota snapshot failed", "identity", identity, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to read quota")
		return
	}

	standing := d.Billing.CheckStanding(r.Context(), identity)

	utils.RespondWithJSON(w, http.StatusOK, quotaResponse{
		FreeLimit:             snapshot.FreeLimit,
		FreeMessagesUsed:      snapshot.Used,
		FreeMessagesRemaining: snapshot.Remaining(),
		Subscription: subscriptionInfo{
			Status:        string(standing.Status),
			Unlimited:     standing.Unlimited,
			CreditBalance: standing.CreditBalance,
		},
	})
}

// handleUsage lists the caller's recent finalized requests.
func (d *Dependencies) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	identity, ok := middleware.GetUserID(r.Context())
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "Missing session identity")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	records, err := d.Usage.ListByIdentity(r.Context(), identity, limit)
	if err != nil {
		d.Logger.Error("usage listing failed", "identity", identity, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to list usage")
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"count":   len(records),
	})
}
