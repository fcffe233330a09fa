package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"chat_gateway/internal/middleware"
	"chat_gateway/internal/providers"
	"chat_gateway/internal/reservation"
	"chat_gateway/internal/utils"
)

type chatRequest struct {
	Model       string                  `json:"model"`
	Messages    []providers.ChatMessage `json:"messages"`
	Temperature *float64                `json:"temperature"`
	MaxTokens   *int                    `json:"max_tokens"`
}

// handleChat gates one streamed generation behind the caller's quota.
// Admitted requests stream chunks back as server-sent events; denied
// requests get the structured decision as JSON.
func (d *Dependencies) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	identity, ok := middleware.GetUserID(r.Context())
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "Missing session identity")
		return
	}

	var req chatRequest
	if err := utils.DecodeJSONBody(w, r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Messages) == 0 {
		utils.RespondWithError(w, http.StatusBadRequest, "At least one message is required")
		return
	}

	if d.RateLimiter != nil {
		allowed, remaining, resetAt, err := d.RateLimiter.AllowWithDetails(
			r.Context(), identity, d.Config.RateLimit.RequestsPerMinute)
		if err != nil {
			d.Logger.Error("rate limit check failed", "identity", identity, "error", err)
			utils.RespondWithError(w, http.StatusInternalServerError, "Rate limit check failed")
			return
		}
		if remaining >= 0 {
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
		}
		if !allowed {
			utils.RespondWithError(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
	}

	model := req.Model
	if model == "" {
		model = d.Config.Provider.Model
	}

	decision, res, err := d.Reservations.Reserve(r.Context(), identity, reservation.RequestMetadata{
		Provider: d.Provider.Name(),
		Model:    model,
	})
	if err != nil {
		d.Logger.Error("reservation failed", "identity", identity, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to check quota")
		return
	}
	if !decision.Allowed {
		utils.RespondWithJSON(w, denyStatusCode(decision.Reason), decision)
		return
	}

	stream, err := d.Provider.StreamChat(r.Context(), providers.ChatRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		// The claimed unit goes back; the caller got no output.
		res.Release(r.Context())
		d.Logger.Error("provider request failed", "identity", identity, "model", model, "error", err)
		utils.RespondWithError(w, http.StatusBadGateway, "Generation provider unavailable")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		stream.Close()
		res.Release(r.Context())
		utils.RespondWithError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	emit := func(chunk *providers.Chunk) error {
		payload, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	finalizer := reservation.NewFinalizer(res)
	if err := finalizer.Drain(r.Context(), stream, emit); err != nil {
		// Headers are gone; all we can do is log. The finalizer has
		// already settled the reservation.
		d.Logger.Warn("stream ended with error", "identity", identity, "error", err)
	}
}

func denyStatusCode(reason string) int {
	switch reason {
	case reservation.ReasonQuotaExhausted:
		return http.StatusPaymentRequired
	case reservation.ReasonBillingNotConfigured:
		return http.StatusForbidden
	case reservation.ReasonBillingCheckFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusForbidden
	}
}
