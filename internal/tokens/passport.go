package tokens

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"settld-gateway/pkg/canonical"
	"settld-gateway/pkg/crypto"
	"settld-gateway/pkg/errors"
)

// PassportPayload identifies the calling agent. Passports travel on the
// x-settld-agent-passport header and are embedded in settlement receipts; the
// gateway strips them before the upstream forward.
type PassportPayload struct {
	AgentID   string `json:"agentId"`
	TenantID  string `json:"tenantId"`
	KeyID     string `json:"keyId"`
	IssuedAt  int64  `json:"issuedAt"`
	ExpiresAt int64  `json:"expiresAt"`
}

// BuildPassport signs an agent passport with the tenant key.
func BuildPassport(payload PassportPayload, key *crypto.SigningKey) (string, error) {
	payload.KeyID = key.KeyID
	body, err := canonical.Marshal(payload)
	if err != nil {
		return "", err
	}
	sig := key.Sign(body)
	return base64.RawURLEncoding.EncodeToString(body) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// VerifyPassport checks an agent passport against the active keyset.
func VerifyPassport(wire string, keys KeyResolver, now time.Time) (PassportPayload, error) {
	var payload PassportPayload
	body, raw, sig, ok := splitSigned(wire)
	if !ok {
		return payload, errors.ErrTokenMalformed
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return payload, errors.ErrTokenMalformed.Wrap(err)
	}
	if payload.ExpiresAt != 0 && payload.ExpiresAt < now.UnixMilli() {
		return payload, errors.ErrTokenExpired
	}
	pub := keys.Resolve(payload.KeyID)
	if pub == nil {
		return payload, errors.ErrTokenSignerUnknown.WithDetails("keyId", payload.KeyID)
	}
	if !crypto.Verify(pub, raw, sig) {
		return payload, errors.ErrTokenSignatureInvalid
	}
	return payload, nil
}

// splitSigned decodes a `<base64url body>.<base64url sig>` wire value. It
// returns the decoded body twice: once for JSON decoding, once as the exact
// signed bytes.
func splitSigned(wire string) (body []byte, signed []byte, sig []byte, ok bool) {
	parts := strings.Split(wire, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, nil, nil, false
	}
	decoded, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil, nil, false
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, nil, nil, false
	}
	return decoded, decoded, sigBytes, true
}

func decodeJSON(body []byte, target interface{}) error {
	return json.Unmarshal(body, target)
}
