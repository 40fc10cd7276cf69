package tokens

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settld-gateway/internal/tokens/keyset"
	"settld-gateway/pkg/crypto"
	pkgerrors "settld-gateway/pkg/errors"
)

func testPayload(key *crypto.SigningKey, now time.Time) Payload {
	return Payload{
		SchemaVersion:      SchemaVersion,
		TenantID:           "tnt_1",
		GateID:             "gate_1",
		PayerAgentID:       "agent_payer",
		PayeeAgentID:       "agent_payee",
		AmountCents:        1000,
		Currency:           "USD",
		IssuedAt:           now.UnixMilli(),
		ExpiresAt:          now.Add(DefaultTTL).UnixMilli(),
		Nonce:              "nonce-1",
		RequestBindingMode: BindingNone,
	}
}

func TestBuildVerifyRoundTrip(t *testing.T) {
	key, err := crypto.GenerateSigningKey()
	require.NoError(t, err)
	now := time.Now()

	token, err := Build(testPayload(key, now), key)
	require.NoError(t, err)
	assert.Equal(t, 2, len(strings.Split(token, ".")))

	verified, err := Verify(token, VerifyOptions{
		TenantID: "tnt_1",
		Keys:     keyset.SnapshotForSigningKey(key),
		Now:      now,
	})
	require.NoError(t, err)
	assert.Equal(t, "gate_1", verified.GateID)
	assert.Equal(t, int64(1000), verified.AmountCents)
	assert.Equal(t, key.KeyID, verified.KeyID)
}

func TestVerifyRejectsMalformed(t *testing.T) {
	key, err := crypto.GenerateSigningKey()
	require.NoError(t, err)
	opts := VerifyOptions{Keys: keyset.SnapshotForSigningKey(key)}

	for _, token := range []string{"", "onlyonesegment", "a.b.c", ".sig", "body."} {
		_, err := Verify(token, opts)
		assert.ErrorIs(t, err, pkgerrors.ErrTokenMalformed, "token %q", token)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	key, err := crypto.GenerateSigningKey()
	require.NoError(t, err)
	now := time.Now()

	token, err := Build(testPayload(key, now.Add(-10*time.Minute)), key)
	require.NoError(t, err)

	_, err = Verify(token, VerifyOptions{Keys: keyset.SnapshotForSigningKey(key), Now: now})
	assert.ErrorIs(t, err, pkgerrors.ErrTokenExpired)
}

func TestVerifyRejectsFutureIssuedAt(t *testing.T) {
	key, err := crypto.GenerateSigningKey()
	require.NoError(t, err)
	now := time.Now()

	payload := testPayload(key, now.Add(5*time.Minute))
	token, err := Build(payload, key)
	require.NoError(t, err)

	_, err = Verify(token, VerifyOptions{Keys: keyset.SnapshotForSigningKey(key), Now: now})
	assert.ErrorIs(t, err, pkgerrors.ErrTokenMalformed)
}

func TestVerifyRejectsUnknownSigner(t *testing.T) {
	signer, err := crypto.GenerateSigningKey()
	require.NoError(t, err)
	other, err := crypto.GenerateSigningKey()
	require.NoError(t, err)
	now := time.Now()

	token, err := Build(testPayload(signer, now), signer)
	require.NoError(t, err)

	_, err = Verify(token, VerifyOptions{Keys: keyset.SnapshotForSigningKey(other), Now: now})
	assert.ErrorIs(t, err, pkgerrors.ErrTokenSignerUnknown)
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	key, err := crypto.GenerateSigningKey()
	require.NoError(t, err)
	now := time.Now()

	token, err := Build(testPayload(key, now), key)
	require.NoError(t, err)

	forged, err := Build(Payload{
		SchemaVersion: SchemaVersion,
		TenantID:      "tnt_1",
		GateID:        "gate_other",
		IssuedAt:      now.UnixMilli(),
		ExpiresAt:     now.Add(time.Minute).UnixMilli(),
	}, key)
	require.NoError(t, err)

	// Body from one token, signature from another.
	mixed := strings.Split(forged, ".")[0] + "." + strings.Split(token, ".")[1]
	_, err = Verify(mixed, VerifyOptions{Keys: keyset.SnapshotForSigningKey(key), Now: now})
	assert.ErrorIs(t, err, pkgerrors.ErrTokenSignatureInvalid)
}

func TestBindingHashStable(t *testing.T) {
	h1, err := BindingHash("get", "API.Example.com", "/exa/search?q=pilot+health", nil)
	require.NoError(t, err)
	h2, err := BindingHash("GET", "api.example.com", "/exa/search?q=pilot+health", []byte{})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestCheckBindingStrictMismatch(t *testing.T) {
	hash, err := BindingHash("GET", "api.example.com", "/search", nil)
	require.NoError(t, err)

	payload := Payload{RequestBindingMode: BindingStrict, RequestBindingHash: hash}
	require.NoError(t, CheckBinding(payload, "GET", "api.example.com", "/search", nil))

	err = CheckBinding(payload, "GET", "api.example.com", "/search", []byte(`{"q":1}`))
	assert.ErrorIs(t, err, pkgerrors.ErrRequestBindingMismatch)
}

func TestTokenHashNeverStoresValue(t *testing.T) {
	hash := TokenHash("a.b")
	assert.Len(t, hash, 64)
	assert.NotContains(t, hash, ".")
}
