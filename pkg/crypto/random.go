package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
)

// RandomHex generates a random hex string from length random bytes.
func RandomHex(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// RandomNonce generates a random base64url token suitable for token nonces.
func RandomNonce(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}
