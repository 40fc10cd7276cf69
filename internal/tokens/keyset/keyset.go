package keyset

import (
	"crypto/ed25519"
	"encoding/base64"
	"sync/atomic"

	"settld-gateway/pkg/crypto"
)

// JWK is an OKP/Ed25519 JSON Web Key.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	Kid string `json:"kid"`
	X   string `json:"x"`
	Use string `json:"use,omitempty"`
}

// JWKS is the well-known keyset document.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// Snapshot is an immutable keyId → public key view. Rotation replaces the
// whole snapshot atomically; readers never observe a partial set.
type Snapshot struct {
	keys map[string]ed25519.PublicKey
}

// NewSnapshot builds a snapshot from raw public keys keyed by keyId.
func NewSnapshot(keys map[string]ed25519.PublicKey) *Snapshot {
	copied := make(map[string]ed25519.PublicKey, len(keys))
	for id, k := range keys {
		copied[id] = k
	}
	return &Snapshot{keys: copied}
}

// SnapshotFromJWKS parses the OKP keys out of a JWKS document. Non-Ed25519
// entries are skipped.
func SnapshotFromJWKS(doc JWKS) *Snapshot {
	keys := make(map[string]ed25519.PublicKey)
	for _, jwk := range doc.Keys {
		if jwk.Kty != "OKP" || jwk.Crv != "Ed25519" {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(jwk.X)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			continue
		}
		keys[jwk.Kid] = ed25519.PublicKey(raw)
	}
	return &Snapshot{keys: keys}
}

// Resolve implements tokens.KeyResolver.
func (s *Snapshot) Resolve(keyID string) []byte {
	if s == nil {
		return nil
	}
	if k, ok := s.keys[keyID]; ok {
		return k
	}
	return nil
}

// Merge returns a new snapshot containing s plus other; other wins on keyId
// collision.
func (s *Snapshot) Merge(other *Snapshot) *Snapshot {
	merged := make(map[string]ed25519.PublicKey, len(s.keys))
	for id, k := range s.keys {
		merged[id] = k
	}
	if other != nil {
		for id, k := range other.keys {
			merged[id] = k
		}
	}
	return &Snapshot{keys: merged}
}

// JWKS renders the snapshot as a well-known document.
func (s *Snapshot) JWKS() JWKS {
	doc := JWKS{Keys: make([]JWK, 0, len(s.keys))}
	for id, k := range s.keys {
		doc.Keys = append(doc.Keys, JWK{
			Kty: "OKP",
			Crv: "Ed25519",
			Kid: id,
			X:   base64.RawURLEncoding.EncodeToString(k),
			Use: "sig",
		})
	}
	return doc
}

// Len reports the number of keys in the snapshot.
func (s *Snapshot) Len() int { return len(s.keys) }

// SnapshotForSigningKey builds a single-key snapshot for a local signer.
func SnapshotForSigningKey(key *crypto.SigningKey) *Snapshot {
	return NewSnapshot(map[string]ed25519.PublicKey{key.KeyID: key.Public})
}

// Rotating holds the service's active snapshot behind an atomic pointer.
type Rotating struct {
	current atomic.Pointer[Snapshot]
}

// NewRotating starts with the given snapshot.
func NewRotating(initial *Snapshot) *Rotating {
	r := &Rotating{}
	r.current.Store(initial)
	return r
}

// Load returns the active snapshot.
func (r *Rotating) Load() *Snapshot { return r.current.Load() }

// Rotate atomically replaces the active snapshot.
func (r *Rotating) Rotate(next *Snapshot) { r.current.Store(next) }

// Resolve implements tokens.KeyResolver against the active snapshot.
func (r *Rotating) Resolve(keyID string) []byte {
	return r.Load().Resolve(keyID)
}
