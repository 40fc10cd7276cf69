package auth

import (
	"context"
	"net/http"

	"settld-gateway/pkg/errors"
	"settld-gateway/pkg/httputil"
)

// OpsMiddleware guards the ops surface. It accepts either an API key carrying
// the ops scope or a short-lived ops JWT minted by the token service.
func OpsMiddleware(authenticator *Authenticator, ops *OpsTokenService) func(http.Handler) http.Handler {
	apiKeyPath := authenticator.Middleware(ScopeOps)

	return func(next http.Handler) http.Handler {
		keyed := apiKeyPath(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := httputil.BearerToken(r, "Bearer")
			if token == "" {
				httputil.RespondError(w, r, errors.ErrUnauthorized)
				return
			}

			if ops != nil && ops.Enabled() {
				if claims, err := ops.Validate(token); err == nil {
					principal := Principal{
						TenantID: claims.TenantID,
						Scopes:   []Scope{ScopeAPI, ScopeOps},
					}
					next.ServeHTTP(w, r.WithContext(
						context.WithValue(r.Context(), principalKey{}, principal)))
					return
				}
			}
			keyed.ServeHTTP(w, r)
		})
	}
}
