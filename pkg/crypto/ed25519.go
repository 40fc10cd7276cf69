package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
)

// SigningKey wraps an Ed25519 private key together with the derived key
// identifier of its public half.
type SigningKey struct {
	KeyID   string
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// GenerateSigningKey creates a fresh Ed25519 signing key.
func GenerateSigningKey() (*SigningKey, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate ed25519 key: %w", err)
	}
	keyID, err := KeyIDFromPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &SigningKey{KeyID: keyID, Private: priv, Public: pub}, nil
}

// ParseSigningKeyPEM loads an Ed25519 private key from a PKCS#8 PEM block.
func ParseSigningKeyPEM(pemBytes []byte) (*SigningKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("crypto: no PEM block found")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse PKCS#8 key: %w", err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("crypto: key is not ed25519")
	}
	pub := priv.Public().(ed25519.PublicKey)
	keyID, err := KeyIDFromPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &SigningKey{KeyID: keyID, Private: priv, Public: pub}, nil
}

// MarshalPKCS8PEM encodes the private key as a PKCS#8 PEM block.
func (k *SigningKey) MarshalPKCS8PEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.Private)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal PKCS#8: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// PublicKeyPEM encodes the public key as an SPKI PEM block.
func (k *SigningKey) PublicKeyPEM() ([]byte, error) {
	return MarshalPublicKeyPEM(k.Public)
}

// MarshalPublicKeyPEM encodes an Ed25519 public key as SPKI PEM.
func MarshalPublicKeyPEM(pub ed25519.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal SPKI: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePublicKeyPEM loads an Ed25519 public key from an SPKI PEM block.
func ParsePublicKeyPEM(pemBytes []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("crypto: no PEM block found")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse SPKI: %w", err)
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("crypto: key is not ed25519")
	}
	return pub, nil
}

// KeyIDFromPublicKey derives the key identifier: the first 32 characters of
// base64url(sha256(spkiDer)).
func KeyIDFromPublicKey(pub ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("crypto: marshal SPKI: %w", err)
	}
	sum := sha256.Sum256(der)
	encoded := base64.RawURLEncoding.EncodeToString(sum[:])
	if len(encoded) > 32 {
		encoded = encoded[:32]
	}
	return encoded, nil
}

// KeyIDFromPublicKeyPEM derives the key identifier from an SPKI PEM block.
func KeyIDFromPublicKeyPEM(pemBytes []byte) (string, error) {
	pub, err := ParsePublicKeyPEM(pemBytes)
	if err != nil {
		return "", err
	}
	return KeyIDFromPublicKey(pub)
}

// Sign signs message bytes with the private key.
func (k *SigningKey) Sign(message []byte) []byte {
	return ed25519.Sign(k.Private, message)
}

// Verify reports whether sig is a valid signature of message under pub.
func Verify(pub ed25519.PublicKey, message, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}
