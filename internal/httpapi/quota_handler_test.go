package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat_gateway/internal/billing"
	"chat_gateway/internal/middleware"
	"chat_gateway/internal/quota"
	"chat_gateway/internal/reservation"
)

func TestHandleQuota(t *testing.T) {
	ledger := quota.NewMemoryLedger(10)
	adapter := &stubAdapter{standing: billing.Standing{Status: billing.StatusUnsubscribed}}
	deps := chatDeps(ledger, adapter, &stubProvider{stream: happyStream()})

	// Consume three units: two settled, one rolled back.
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, res, err := deps.Reservations.Reserve(ctx, "user-1", reservation.RequestMetadata{})
		require.NoError(t, err)
		res.Complete(ctx, billing.Usage{})
	}
	_, res, err := deps.Reservations.Reserve(ctx, "user-1", reservation.RequestMetadata{})
	require.NoError(t, err)
	res.Release(ctx)

	r := httptest.NewRequest("GET", "/api/quota", nil)
	r = r.WithContext(context.WithValue(r.Context(), middleware.UserIDKey, "user-1"))

	w := httptest.NewRecorder()
	deps.handleQuota(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `"free_limit":10`)
	assert.Contains(t, body, `"free_messages_used":2`)
	assert.Contains(t, body, `"free_messages_remaining":8`)
	assert.Contains(t, body, `"status":"unsubscribed"`)
}

func TestHandleQuota_MissingIdentity(t *testing.T) {
	deps := chatDeps(quota.NewMemoryLedger(10), &stubAdapter{}, &stubProvider{stream: happyStream()})

	w := httptest.NewRecorder()
	deps.handleQuota(w, httptest.NewRequest("GET", "/api/quota", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
