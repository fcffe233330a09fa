package middleware

import (
	"context"
	"net/http"
	"strings"

	"chat_gateway/internal/auth"
	"chat_gateway/internal/config"
	"chat_gateway/internal/utils"
)

// ContextKey is the type used for request context keys.
type ContextKey string

// Context keys for storing session data
const (
	SessionClaimsKey ContextKey = "sessionClaims"
	UserIDKey        ContextKey = "userID"
	UserRoleKey      ContextKey = "userRole"
)

// SessionMiddleware validates the caller's session token and embeds the
// resolved identity into the request context. When requiredRoles are
// given, the caller's role must satisfy at least one of them.
func SessionMiddleware(cfg *config.Config, requiredRoles ...auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := r.Header.Get("Authorization")
			if tokenString == "" {
				utils.RespondWithError(w, http.StatusUnauthorized, "Missing authentication token")
				return
			}
			tokenString = strings.TrimPrefix(tokenString, "Bearer ")

			claims, err := auth.ValidateSessionToken(tokenString, cfg.JWTSecret)
			if err != nil {
				utils.RespondWithError(w, http.StatusUnauthorized, "Invalid or expired token")
				return
			}

			if len(requiredRoles) > 0 {
				role := auth.Role(claims.Role)
				hasPermission := false
				for _, required := range requiredRoles {
					if role.HasPermission(required) {
						hasPermission = true
						break
					}
				}
				if !hasPermission {
					utils.RespondWithError(w, http.StatusForbidden, "Insufficient permissions")
					return
				}
			}

			ctx := context.WithValue(r.Context(), SessionClaimsKey, claims)
			ctx = context.WithValue(ctx, UserIDKey, claims.UserID)
			ctx = context.WithValue(ctx, UserRoleKey, claims.Role)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetSessionClaims retrieves the session claims from the request context
func GetSessionClaims(ctx context.Context) (*auth.SessionClaims, bool) {
	claims, ok := ctx.Value(SessionClaimsKey).(*auth.SessionClaims)
	return claims, ok
}

// GetUserID retrieves the authenticated user ID from the request context
func GetUserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(UserIDKey).(string)
	return id, ok
}

// GetUserRole retrieves the authenticated user's role from the context
func GetUserRole(ctx context.Context) (string, bool) {
	role, ok := ctx.Value(UserRoleKey).(string)
	return role, ok
}
