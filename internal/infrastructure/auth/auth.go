package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"settld-gateway/pkg/errors"
	"settld-gateway/pkg/httputil"
)

// Scope gates route groups.
type Scope string

const (
	ScopeAPI      Scope = "api"
	ScopeOps      Scope = "ops"
	ScopeReceiver Scope = "receiver"
)

// APIKey binds a bearer credential to a tenant and its scopes.
type APIKey struct {
	Key      string
	TenantID string
	Scopes   []Scope
}

// Principal is the authenticated caller placed on the request context.
type Principal struct {
	TenantID string
	Scopes   []Scope
}

// HasScope reports whether the principal carries the scope.
func (p Principal) HasScope(scope Scope) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type principalKey struct{}

// PrincipalFromContext returns the authenticated principal, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Authenticator resolves bearer API keys. Lookups compare in constant time.
type Authenticator struct {
	keys []APIKey
}

// NewAuthenticator builds an authenticator over the configured keys.
func NewAuthenticator(keys []APIKey) *Authenticator {
	return &Authenticator{keys: keys}
}

// Middleware authenticates `authorization: Bearer <apiKey>` plus the tenant
// header, and requires the given scope.
func (a *Authenticator) Middleware(scope Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := httputil.BearerToken(r, "Bearer")
			if token == "" {
				httputil.RespondError(w, r, errors.ErrUnauthorized)
				return
			}

			principal, ok := a.resolve(token)
			if !ok {
				httputil.RespondError(w, r, errors.ErrUnauthorized)
				return
			}
			if tenant := strings.TrimSpace(r.Header.Get(httputil.HeaderTenantID)); tenant != "" && tenant != principal.TenantID {
				httputil.RespondError(w, r, errors.ErrForbidden.WithDetails("tenantId", tenant))
				return
			}
			if !principal.HasScope(scope) {
				httputil.RespondError(w, r, errors.ErrForbidden.WithDetails("scope", string(scope)))
				return
			}

			next.ServeHTTP(w, r.WithContext(
				context.WithValue(r.Context(), principalKey{}, principal)))
		})
	}
}

func (a *Authenticator) resolve(token string) (Principal, bool) {
	for _, key := range a.keys {
		if subtle.ConstantTimeCompare([]byte(key.Key), []byte(token)) == 1 {
			return Principal{TenantID: key.TenantID, Scopes: key.Scopes}, true
		}
	}
	return Principal{}, false
}
