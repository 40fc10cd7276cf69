package tokens

import (
	"crypto/ed25519"
	"encoding/base64"

	"settld-gateway/pkg/canonical"
	"settld-gateway/pkg/crypto"
	"settld-gateway/pkg/errors"
)

// ResponseSignaturePayload is what a provider signs over its response:
// the gate it settles and the canonical response hash.
type ResponseSignaturePayload struct {
	GateID       string `json:"gateId"`
	ResponseHash string `json:"responseHash"`
	KeyID        string `json:"keyId"`
	SignedAt     int64  `json:"signedAt"`
}

// SignResponse produces the x-settld-provider-signature value for a response.
func SignResponse(payload ResponseSignaturePayload, key *crypto.SigningKey) (string, error) {
	payload.KeyID = key.KeyID
	body, err := canonical.Marshal(payload)
	if err != nil {
		return "", err
	}
	sig := key.Sign(body)
	return base64.RawURLEncoding.EncodeToString(body) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// VerifyResponseSignature checks a provider response signature against the
// pinned provider key and the locally computed response hash. The returned
// code strings feed verificationCodes directly.
func VerifyResponseSignature(wire string, providerKey ed25519.PublicKey, gateID, responseHash string) (code string) {
	if wire == "" {
		return errors.CodeProviderSignatureMissing
	}
	payload, body, sig, ok := splitSigned(wire)
	if !ok {
		return errors.CodeProviderSignatureInvalid
	}
	var parsed ResponseSignaturePayload
	if err := decodeJSON(payload, &parsed); err != nil {
		return errors.CodeProviderSignatureInvalid
	}
	expectedKeyID, err := crypto.KeyIDFromPublicKey(providerKey)
	if err != nil || parsed.KeyID != expectedKeyID {
		return errors.CodeProviderKeyIDUnknown
	}
	if !crypto.Verify(providerKey, body, sig) {
		return errors.CodeProviderSignatureInvalid
	}
	if parsed.GateID != gateID || parsed.ResponseHash != responseHash {
		return errors.CodeProviderResponseHashMismatch
	}
	return ""
}

// QuotePayload is the provider-signed quote body. quoteHash is computed over
// the canonical body with quoteHash:null.
type QuotePayload struct {
	QuoteID            string `json:"quoteId"`
	GateID             string `json:"gateId,omitempty"`
	ProviderID         string `json:"providerId,omitempty"`
	ToolID             string `json:"toolId,omitempty"`
	AmountCents        int64  `json:"amountCents"`
	Currency           string `json:"currency"`
	RequestBindingMode string `json:"requestBindingMode,omitempty"`
	RequestBindingHash string `json:"requestBindingSha256,omitempty"`
	ExpiresAt          int64  `json:"expiresAt"`
	KeyID              string `json:"keyId"`
	QuoteHash          any    `json:"quoteHash"`
}

// QuoteHash computes the deterministic hash of a quote body.
func QuoteHash(q QuotePayload) (string, error) {
	q.QuoteHash = nil
	return canonical.Hash(q)
}

// SignQuote produces the provider quote signature wire value.
func SignQuote(q QuotePayload, key *crypto.SigningKey) (string, error) {
	q.KeyID = key.KeyID
	hash, err := QuoteHash(q)
	if err != nil {
		return "", err
	}
	q.QuoteHash = hash
	body, err := canonical.Marshal(q)
	if err != nil {
		return "", err
	}
	sig := key.Sign(body)
	return base64.RawURLEncoding.EncodeToString(body) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// VerifyQuoteSignature checks a provider quote signature and returns the
// parsed quote. A non-empty code means verification failed.
func VerifyQuoteSignature(wire string, providerKey ed25519.PublicKey) (QuotePayload, string) {
	var parsed QuotePayload
	if wire == "" {
		return parsed, errors.CodeProviderQuoteMissing
	}
	payload, body, sig, ok := splitSigned(wire)
	if !ok {
		return parsed, errors.CodeProviderQuoteInvalid
	}
	if err := decodeJSON(payload, &parsed); err != nil {
		return parsed, errors.CodeProviderQuoteInvalid
	}
	expectedKeyID, err := crypto.KeyIDFromPublicKey(providerKey)
	if err != nil || parsed.KeyID != expectedKeyID {
		return parsed, errors.CodeProviderQuoteKeyIDUnknown
	}
	if !crypto.Verify(providerKey, body, sig) {
		return parsed, errors.CodeProviderQuoteInvalid
	}
	stored, _ := parsed.QuoteHash.(string)
	recomputed, hashErr := QuoteHash(parsed)
	if hashErr != nil || stored == "" || stored != recomputed {
		return parsed, errors.CodeProviderQuoteInvalid
	}
	return parsed, ""
}
