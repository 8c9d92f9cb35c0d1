package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"llm_proxy/internal/auth"
	"llm_proxy/internal/config"
	"llm_proxy/internal/utils"
)

// ContextKey defines the type for context keys to avoid conflicts
type ContextKey string

const (
	// OrgClaimsKey is the context key for the validated token claims
	OrgClaimsKey ContextKey = "orgClaims"

	// OrgIDKey is the context key for the authenticated organization ID
	OrgIDKey ContextKey = "orgID"
)

// OrgJWTMiddleware validates the organization bearer token and stores
// the organization identity in the request context.
func OrgJWTMiddleware(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				utils.RespondWithError(w, http.StatusUnauthorized, "Missing authentication token")
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				utils.RespondWithError(w, http.StatusUnauthorized, "Authorization header must use Bearer scheme")
				return
			}

			claims, err := auth.ValidateOrgToken(tokenString, cfg)
			if err != nil {
				utils.RespondWithError(w, http.StatusUnauthorized, "Invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), OrgClaimsKey, claims)
			ctx = context.WithValue(ctx, OrgIDKey, claims.OrgID())

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetOrgClaims retrieves the token claims from the request context
func GetOrgClaims(ctx context.Context) (*auth.OrgClaims, bool) {
	claims, ok := ctx.Value(OrgClaimsKey).(*auth.OrgClaims)
	return claims, ok
}

// GetOrgID retrieves the authenticated organization ID from the request context
func GetOrgID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(OrgIDKey).(uuid.UUID)
	return id, ok
}
