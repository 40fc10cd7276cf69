package settldpay

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settld-gateway/internal/tokens"
	"settld-gateway/internal/tokens/keyset"
	"settld-gateway/pkg/crypto"
)

func protectedTool(t *testing.T, cfg Config) http.Handler {
	t.Helper()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payment, ok := PaymentFromContext(r.Context())
		require.True(t, ok)
		io.WriteString(w, `{"ok":true,"gateId":"`+payment.GateID+`"}`)
	})
	return Middleware(cfg)(handler)
}

func mintToken(t *testing.T, key *crypto.SigningKey, mutate func(*tokens.Payload)) string {
	t.Helper()
	now := time.Now()
	payload := tokens.Payload{
		SchemaVersion:      tokens.SchemaVersion,
		TenantID:           "tnt_test",
		GateID:             "gate_1",
		PayerAgentID:       "payer",
		PayeeAgentID:       "payee",
		AmountCents:        1000,
		Currency:           "USD",
		IssuedAt:           now.UnixMilli(),
		ExpiresAt:          now.Add(tokens.DefaultTTL).UnixMilli(),
		Nonce:              "nonce",
		RequestBindingMode: tokens.BindingNone,
	}
	if mutate != nil {
		mutate(&payload)
	}
	token, err := tokens.Build(payload, key)
	require.NoError(t, err)
	return token
}

func TestMiddlewareOffersWithoutToken(t *testing.T) {
	key, err := crypto.GenerateSigningKey()
	require.NoError(t, err)

	handler := protectedTool(t, Config{
		AmountCents: 1000,
		Currency:    "USD",
		ProviderID:  "prov_1",
		Keys:        keyset.SnapshotForSigningKey(key),
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tool", nil))
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Contains(t, rec.Header().Get("x-payment-required"), "amountCents=1000")
	assert.Contains(t, rec.Header().Get("x-payment-required"), "providerId=prov_1")
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	key, err := crypto.GenerateSigningKey()
	require.NoError(t, err)
	handler := protectedTool(t, Config{
		AmountCents: 1000,
		Currency:    "USD",
		TenantID:    "tnt_test",
		Keys:        keyset.SnapshotForSigningKey(key),
	})

	req := httptest.NewRequest(http.MethodGet, "/tool", nil)
	req.Header.Set("Authorization", "SettldPay "+mintToken(t, key, nil))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gate_1")
}

func TestMiddlewareRejectsReplayedToken(t *testing.T) {
	key, err := crypto.GenerateSigningKey()
	require.NoError(t, err)
	handler := protectedTool(t, Config{
		AmountCents: 1000,
		Currency:    "USD",
		Keys:        keyset.SnapshotForSigningKey(key),
	})

	token := mintToken(t, key, nil)
	for i, expected := range []int{http.StatusOK, http.StatusGone} {
		req := httptest.NewRequest(http.MethodGet, "/tool", nil)
		req.Header.Set("x-payment", token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, expected, rec.Code, "request %d", i)
	}
}

func TestMiddlewareStrictBinding(t *testing.T) {
	key, err := crypto.GenerateSigningKey()
	require.NoError(t, err)
	handler := protectedTool(t, Config{
		AmountCents: 1000,
		Currency:    "USD",
		Keys:        keyset.SnapshotForSigningKey(key),
	})

	bindingHash, err := tokens.BindingHash("POST", "example.com", "/tool", []byte(`{"q":"pilot"}`))
	require.NoError(t, err)
	token := mintToken(t, key, func(p *tokens.Payload) {
		p.RequestBindingMode = tokens.BindingStrict
		p.RequestBindingHash = bindingHash
	})

	// Matching request passes.
	req := httptest.NewRequest(http.MethodPost, "http://example.com/tool", strings.NewReader(`{"q":"pilot"}`))
	req.Header.Set("x-payment", token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// A different body fails closed with the binding mismatch code.
	fresh := mintToken(t, key, func(p *tokens.Payload) {
		p.RequestBindingMode = tokens.BindingStrict
		p.RequestBindingHash = bindingHash
		p.Nonce = "other"
	})
	bad := httptest.NewRequest(http.MethodPost, "http://example.com/tool", strings.NewReader(`{"q":"tampered"}`))
	bad.Header.Set("x-payment", fresh)
	badRec := httptest.NewRecorder()
	handler.ServeHTTP(badRec, bad)
	assert.Equal(t, http.StatusConflict, badRec.Code)
	assert.Contains(t, badRec.Body.String(), "SETTLDPAY_REQUEST_BINDING_MISMATCH")
}

func TestMiddlewareRejectsForeignSigner(t *testing.T) {
	key, err := crypto.GenerateSigningKey()
	require.NoError(t, err)
	stranger, err := crypto.GenerateSigningKey()
	require.NoError(t, err)

	handler := protectedTool(t, Config{
		AmountCents: 1000,
		Currency:    "USD",
		Keys:        keyset.SnapshotForSigningKey(key),
	})

	req := httptest.NewRequest(http.MethodGet, "/tool", nil)
	req.Header.Set("x-payment", mintToken(t, stranger, nil))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
