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

// SchemaVersion is the SettldPay token schema this codec speaks.
const SchemaVersion = "settldpay.v1"

// DefaultTTL is the authorization token lifetime.
const DefaultTTL = 5 * time.Minute

// maxIssuedAtSkew bounds how far in the future issuedAt may sit.
const maxIssuedAtSkew = 60 * time.Second

// BindingMode selects how a token is bound to the upstream request.
type BindingMode string

const (
	BindingNone   BindingMode = "none"
	BindingStrict BindingMode = "strict"
)

// ParseBindingMode normalizes a wire value, failing closed on unknowns.
func ParseBindingMode(raw string) (BindingMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "none":
		return BindingNone, nil
	case "strict":
		return BindingStrict, nil
	}
	return "", errors.ErrInvalidInput.WithDetails("requestBindingMode", raw)
}

// Payload is the signed body of a SettldPay token. Timestamps are epoch
// milliseconds so the canonical form stays integer-only.
type Payload struct {
	SchemaVersion      string      `json:"schemaVersion"`
	KeyID              string      `json:"keyId"`
	TenantID           string      `json:"tenantId"`
	GateID             string      `json:"gateId"`
	PayerAgentID       string      `json:"payerAgentId"`
	PayeeAgentID       string      `json:"payeeAgentId"`
	AmountCents        int64       `json:"amountCents"`
	Currency           string      `json:"currency"`
	IssuedAt           int64       `json:"issuedAt"`
	ExpiresAt          int64       `json:"expiresAt"`
	Nonce              string      `json:"nonce"`
	RequestBindingMode BindingMode `json:"requestBindingMode"`
	RequestBindingHash string      `json:"requestBindingSha256,omitempty"`
	QuoteID            string      `json:"quoteId,omitempty"`
}

// Build canonicalizes payload, signs it with key, and joins the two base64url
// segments with a dot.
func Build(payload Payload, key *crypto.SigningKey) (string, error) {
	payload.KeyID = key.KeyID
	body, err := canonical.Marshal(payload)
	if err != nil {
		return "", errors.ErrInternal.Wrap(err)
	}
	sig := key.Sign(body)
	return base64.RawURLEncoding.EncodeToString(body) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// TokenHash returns the replay-detection hash of the wire token. Tokens are
// never stored by value; only this hash and the expiry are retained.
func TokenHash(token string) string {
	return crypto.SHA256HexString(token)
}

// KeyResolver resolves an active signer key, returning nil when the keyId is
// not in the active keyset.
type KeyResolver interface {
	Resolve(keyID string) []byte // raw ed25519 public key or nil
}

// VerifyOptions carries the verification context.
type VerifyOptions struct {
	TenantID string
	Keys     KeyResolver
	Now      time.Time
}

// Verify checks the wire token and returns the embedded payload. Every
// failure carries one of the stable token reason codes.
func Verify(token string, opts VerifyOptions) (Payload, error) {
	var payload Payload

	parts := strings.Split(token, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return payload, errors.ErrTokenMalformed
	}
	body, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return payload, errors.ErrTokenMalformed.Wrap(err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return payload, errors.ErrTokenMalformed.Wrap(err)
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return payload, errors.ErrTokenMalformed.Wrap(err)
	}
	if payload.SchemaVersion != SchemaVersion {
		return payload, errors.ErrTokenMalformed.WithDetails("schemaVersion", payload.SchemaVersion)
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	nowMs := now.UnixMilli()
	if payload.ExpiresAt < nowMs {
		return payload, errors.ErrTokenExpired.WithDetails("expiresAt", payload.ExpiresAt)
	}
	if payload.IssuedAt > nowMs+maxIssuedAtSkew.Milliseconds() {
		return payload, errors.ErrTokenMalformed.WithDetails("issuedAt", payload.IssuedAt)
	}
	if opts.TenantID != "" && payload.TenantID != opts.TenantID {
		return payload, errors.ErrTokenMalformed.WithDetails("tenantId", payload.TenantID)
	}

	pub := opts.Keys.Resolve(payload.KeyID)
	if pub == nil {
		return payload, errors.ErrTokenSignerUnknown.WithDetails("keyId", payload.KeyID)
	}
	if !crypto.Verify(pub, body, sig) {
		return payload, errors.ErrTokenSignatureInvalid
	}
	return payload, nil
}

// RequestBinding is the canonical description of the upstream request a
// strict-mode token is anchored to.
type RequestBinding struct {
	Method        string `json:"method"`
	Host          string `json:"host"`
	PathWithQuery string `json:"pathWithQuery"`
	BodySha256    string `json:"bodySha256"`
}

// BindingHash computes the strict request binding hash:
// sha256(canonical({method:UPPER, host:lower, pathWithQuery, bodySha256})).
func BindingHash(method, host, pathWithQuery string, body []byte) (string, error) {
	return canonical.Hash(RequestBinding{
		Method:        strings.ToUpper(method),
		Host:          strings.ToLower(host),
		PathWithQuery: pathWithQuery,
		BodySha256:    crypto.SHA256Hex(body),
	})
}

// CheckBinding verifies a strict-mode payload against the observed request,
// failing closed with SETTLDPAY_REQUEST_BINDING_MISMATCH.
func CheckBinding(payload Payload, method, host, pathWithQuery string, body []byte) error {
	if payload.RequestBindingMode != BindingStrict {
		return nil
	}
	got, err := BindingHash(method, host, pathWithQuery, body)
	if err != nil {
		return errors.ErrInternal.Wrap(err)
	}
	if got != payload.RequestBindingHash {
		return errors.ErrRequestBindingMismatch.
			WithDetails("expected", payload.RequestBindingHash).
			WithDetails("got", got)
	}
	return nil
}
