package settlement

import (
	"encoding/base64"

	"settld-gateway/internal/escrow"
	"settld-gateway/internal/gates/domain"
	"settld-gateway/pkg/canonical"
	"settld-gateway/pkg/crypto"
)

// Receipt envelopes a settlement decision with everything needed to audit it
// offline: the gate snapshot, provider signatures, the quoted terms, the
// agent passport, and the ledger postings. receiptHash is deterministic and
// the envelope is signed with the tenant release key.
type Receipt struct {
	SchemaVersion     string         `json:"schemaVersion"`
	GateID            string         `json:"gateId"`
	TenantID          string         `json:"tenantId"`
	Gate              domain.Gate    `json:"gate"`
	Decision          DecisionRecord `json:"decision"`
	ProviderSignature string         `json:"providerSignature,omitempty"`
	ProviderQuote     string         `json:"providerQuote,omitempty"`
	AgentPassport     string         `json:"agentPassport,omitempty"`
	LedgerPostings    []escrow.Entry `json:"ledgerPostings"`
	ReceiptHash       string         `json:"receiptHash"`
	SignerKeyID       string         `json:"signerKeyId,omitempty"`
	Signature         string         `json:"signature,omitempty"`
}

const ReceiptSchemaVersion = "SettlementReceipt.v1"

// BuildReceipt assembles and hashes the receipt, then signs it when a tenant
// key is present.
func BuildReceipt(gate domain.Gate, decision DecisionRecord, postings []escrow.Entry, providerSig, providerQuote, passport string, key *crypto.SigningKey) (Receipt, error) {
	receipt := Receipt{
		SchemaVersion:     ReceiptSchemaVersion,
		GateID:            gate.GateID,
		TenantID:          gate.TenantID,
		Gate:              gate,
		Decision:          decision,
		ProviderSignature: providerSig,
		ProviderQuote:     providerQuote,
		AgentPassport:     passport,
		LedgerPostings:    postings,
	}

	hash, err := receipt.computeHash()
	if err != nil {
		return Receipt{}, err
	}
	receipt.ReceiptHash = hash

	if key != nil {
		receipt.SignerKeyID = key.KeyID
		receipt.Signature = base64.RawURLEncoding.EncodeToString(key.Sign([]byte(hash)))
	}
	return receipt, nil
}

// computeHash hashes the canonical receipt with hash and signature nulled.
func (r Receipt) computeHash() (string, error) {
	type hashForm struct {
		Receipt
		ReceiptHash any `json:"receiptHash"`
		SignerKeyID any `json:"signerKeyId,omitempty"`
		Signature   any `json:"signature,omitempty"`
	}
	return canonical.Hash(hashForm{Receipt: r, ReceiptHash: nil})
}

// VerifyReceiptSignature checks the receipt signature against pub.
func VerifyReceiptSignature(r Receipt, pub []byte) bool {
	if r.Signature == "" || r.ReceiptHash == "" {
		return false
	}
	sig, err := base64.RawURLEncoding.DecodeString(r.Signature)
	if err != nil {
		return false
	}
	recomputed, err := r.computeHash()
	if err != nil || recomputed != r.ReceiptHash {
		return false
	}
	return crypto.Verify(pub, []byte(r.ReceiptHash), sig)
}
