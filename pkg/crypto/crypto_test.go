package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	key, err := GenerateSigningKey()
	require.NoError(t, err)

	msg := []byte(`{"gateId":"gate_1"}`)
	sig := key.Sign(msg)
	assert.True(t, Verify(key.Public, msg, sig))
	assert.False(t, Verify(key.Public, []byte("tampered"), sig))
}

func TestKeyIDStableAcrossPEMRoundTrip(t *testing.T) {
	key, err := GenerateSigningKey()
	require.NoError(t, err)

	pemBytes, err := key.MarshalPKCS8PEM()
	require.NoError(t, err)
	reloaded, err := ParseSigningKeyPEM(pemBytes)
	require.NoError(t, err)
	assert.Equal(t, key.KeyID, reloaded.KeyID)
	assert.Len(t, key.KeyID, 32)

	pubPEM, err := key.PublicKeyPEM()
	require.NoError(t, err)
	fromPub, err := KeyIDFromPublicKeyPEM(pubPEM)
	require.NoError(t, err)
	assert.Equal(t, key.KeyID, fromPub)
}

func TestHMACSHA256Hex(t *testing.T) {
	sig := HMACSHA256Hex([]byte("secret"), []byte("payload"))
	assert.Len(t, sig, 64)
	assert.True(t, HMACEqual(sig, HMACSHA256Hex([]byte("secret"), []byte("payload"))))
	assert.False(t, HMACEqual(sig, HMACSHA256Hex([]byte("other"), []byte("payload"))))
}

func TestSHA256Hex(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		SHA256Hex(nil))
}
