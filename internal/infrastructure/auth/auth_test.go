package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler(t *testing.T, wantTenant string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := PrincipalFromContext(r.Context())
		require.True(t, ok)
		assert.Equal(t, wantTenant, principal.TenantID)
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestAPIKeyMiddleware(t *testing.T) {
	authenticator := NewAuthenticator([]APIKey{
		{Key: "sk_api", TenantID: "tnt_1", Scopes: []Scope{ScopeAPI}},
		{Key: "sk_ops", TenantID: "tnt_1", Scopes: []Scope{ScopeAPI, ScopeOps}},
	})
	handler := authenticator.Middleware(ScopeAPI)(okHandler(t, "tnt_1"))

	// No credential.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Wrong credential.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer sk_wrong")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid credential.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer sk_api")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Tenant header mismatch.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer sk_api")
	req.Header.Set("x-proxy-tenant-id", "tnt_other")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// API-scope key lacks the ops scope.
	opsHandler := authenticator.Middleware(ScopeOps)(okHandler(t, "tnt_1"))
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer sk_api")
	rec = httptest.NewRecorder()
	opsHandler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestOpsTokenRoundTrip(t *testing.T) {
	svc := NewOpsTokenService("supersecret", 15*time.Minute, "settld-gateway")
	require.True(t, svc.Enabled())

	token, err := svc.Mint("tnt_1")
	require.NoError(t, err)

	claims, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "tnt_1", claims.TenantID)

	_, err = svc.Validate(token + "tampered")
	assert.Error(t, err)

	other := NewOpsTokenService("othersecret", 15*time.Minute, "settld-gateway")
	_, err = other.Validate(token)
	assert.Error(t, err)
}

func TestOpsMiddlewareAcceptsJWT(t *testing.T) {
	authenticator := NewAuthenticator(nil)
	svc := NewOpsTokenService("supersecret", 15*time.Minute, "settld-gateway")
	handler := OpsMiddleware(authenticator, svc)(okHandler(t, "tnt_1"))

	token, err := svc.Mint("tnt_1")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/ops/maintenance/holdback/run", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
