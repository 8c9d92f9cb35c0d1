package middleware

import (
	"net/http"

	"llm_proxy/internal/ratelimit"
	"llm_proxy/internal/utils"
)

// RateLimitMiddleware enforces the per-organization sliding window.
// Must run after OrgJWTMiddleware so the organization is known.
func RateLimitMiddleware(limiter ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			orgID, ok := GetOrgID(r.Context())
			if !ok {
				utils.RespondWithError(w, http.StatusUnauthorized, "Missing authentication token")
				return
			}

			allowed, err := limiter.Allow(r.Context(), orgID.String())
			if err != nil {
				// Limiter outage must not take the proxy down
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				utils.RespondWithError(w, http.StatusTooManyRequests, "Rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
