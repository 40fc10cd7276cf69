package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SHA256Hex returns the lowercase hex SHA-256 of the input bytes.
func SHA256Hex(input []byte) string {
	hash := sha256.Sum256(input)
	return hex.EncodeToString(hash[:])
}

// SHA256HexString returns the lowercase hex SHA-256 of the input string.
func SHA256HexString(input string) string {
	return SHA256Hex([]byte(input))
}

// HMACSHA256Hex computes an HMAC-SHA-256 over message with the given secret
// and returns the lowercase hex digest.
func HMACSHA256Hex(secret, message []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// HMACEqual compares two HMAC hex digests in constant time.
func HMACEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
