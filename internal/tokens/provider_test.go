package tokens

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settld-gateway/pkg/crypto"
	pkgerrors "settld-gateway/pkg/errors"
)

func TestResponseSignatureRoundTrip(t *testing.T) {
	provider, err := crypto.GenerateSigningKey()
	require.NoError(t, err)

	wire, err := SignResponse(ResponseSignaturePayload{
		GateID:       "gate_1",
		ResponseHash: "ab12",
		SignedAt:     time.Now().UnixMilli(),
	}, provider)
	require.NoError(t, err)

	assert.Empty(t, VerifyResponseSignature(wire, provider.Public, "gate_1", "ab12"))
	assert.Equal(t, pkgerrors.CodeProviderResponseHashMismatch,
		VerifyResponseSignature(wire, provider.Public, "gate_1", "other"))
	assert.Equal(t, pkgerrors.CodeProviderSignatureMissing,
		VerifyResponseSignature("", provider.Public, "gate_1", "ab12"))

	stranger, err := crypto.GenerateSigningKey()
	require.NoError(t, err)
	assert.Equal(t, pkgerrors.CodeProviderKeyIDUnknown,
		VerifyResponseSignature(wire, stranger.Public, "gate_1", "ab12"))
}

func TestQuoteSignatureRoundTrip(t *testing.T) {
	provider, err := crypto.GenerateSigningKey()
	require.NoError(t, err)

	quote := QuotePayload{
		QuoteID:     "quote_1",
		ProviderID:  "prov_1",
		AmountCents: 500,
		Currency:    "USD",
		ExpiresAt:   time.Now().Add(time.Minute).UnixMilli(),
	}
	wire, err := SignQuote(quote, provider)
	require.NoError(t, err)

	parsed, code := VerifyQuoteSignature(wire, provider.Public)
	assert.Empty(t, code)
	assert.Equal(t, "quote_1", parsed.QuoteID)
	assert.Equal(t, int64(500), parsed.AmountCents)

	_, code = VerifyQuoteSignature("", provider.Public)
	assert.Equal(t, pkgerrors.CodeProviderQuoteMissing, code)

	stranger, err := crypto.GenerateSigningKey()
	require.NoError(t, err)
	_, code = VerifyQuoteSignature(wire, stranger.Public)
	assert.Equal(t, pkgerrors.CodeProviderQuoteKeyIDUnknown, code)
}

func TestQuoteHashExcludesItself(t *testing.T) {
	q := QuotePayload{QuoteID: "quote_1", AmountCents: 100, Currency: "USD"}
	h1, err := QuoteHash(q)
	require.NoError(t, err)
	q.QuoteHash = h1
	h2, err := QuoteHash(q)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestPassportRoundTrip(t *testing.T) {
	key, err := crypto.GenerateSigningKey()
	require.NoError(t, err)
	now := time.Now()

	wire, err := BuildPassport(PassportPayload{
		AgentID:   "agent_1",
		TenantID:  "tnt_1",
		IssuedAt:  now.UnixMilli(),
		ExpiresAt: now.Add(time.Hour).UnixMilli(),
	}, key)
	require.NoError(t, err)

	resolver := snapshotResolver{key: key}
	payload, err := VerifyPassport(wire, resolver, now)
	require.NoError(t, err)
	assert.Equal(t, "agent_1", payload.AgentID)

	_, err = VerifyPassport(wire, resolver, now.Add(2*time.Hour))
	assert.ErrorIs(t, err, pkgerrors.ErrTokenExpired)
}

type snapshotResolver struct{ key *crypto.SigningKey }

func (r snapshotResolver) Resolve(keyID string) []byte {
	if keyID == r.key.KeyID {
		return r.key.Public
	}
	return nil
}
