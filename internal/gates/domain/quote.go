package domain

import (
	"time"

	"settld-gateway/internal/tokens"
	"settld-gateway/pkg/canonical"
)

// Quote anchors the terms the payer authorizes against. quoteHash is the
// canonical hash of the body with quoteHash:null, computed last.
type Quote struct {
	QuoteID            string             `json:"quoteId" db:"quote_id"`
	GateID             string             `json:"gateId" db:"gate_id"`
	RequestBindingMode tokens.BindingMode `json:"requestBindingMode" db:"request_binding_mode"`
	RequestBindingHash string             `json:"requestBindingSha256,omitempty" db:"request_binding_sha256"`
	ProviderID         string             `json:"providerId,omitempty" db:"provider_id"`
	ToolID             string             `json:"toolId,omitempty" db:"tool_id"`
	AmountCents        int64              `json:"amountCents" db:"amount_cents"`
	Currency           string             `json:"currency" db:"currency"`
	ExpiresAt          time.Time          `json:"expiresAt" db:"expires_at"`
	CreatedAt          time.Time          `json:"createdAt" db:"created_at"`
	QuoteHash          string             `json:"quoteHash" db:"quote_hash"`
}

type quoteHashBody struct {
	QuoteID            string `json:"quoteId"`
	GateID             string `json:"gateId"`
	RequestBindingMode string `json:"requestBindingMode"`
	RequestBindingHash string `json:"requestBindingSha256,omitempty"`
	ProviderID         string `json:"providerId,omitempty"`
	ToolID             string `json:"toolId,omitempty"`
	AmountCents        int64  `json:"amountCents"`
	Currency           string `json:"currency"`
	ExpiresAt          int64  `json:"expiresAt"`
	QuoteHash          any    `json:"quoteHash"`
}

// ComputeHash fills QuoteHash from the canonical body.
func (q *Quote) ComputeHash() error {
	hash, err := canonical.Hash(quoteHashBody{
		QuoteID:            q.QuoteID,
		GateID:             q.GateID,
		RequestBindingMode: string(q.RequestBindingMode),
		RequestBindingHash: q.RequestBindingHash,
		ProviderID:         q.ProviderID,
		ToolID:             q.ToolID,
		AmountCents:        q.AmountCents,
		Currency:           q.Currency,
		ExpiresAt:          q.ExpiresAt.UnixMilli(),
		QuoteHash:          nil,
	})
	if err != nil {
		return err
	}
	q.QuoteHash = hash
	return nil
}

// Authorization is the stored record of a minted token. The token itself is
// never persisted; tokenHash plus expiry supports idempotent replay.
type Authorization struct {
	AuthorizationRef string    `json:"authorizationRef" db:"authorization_ref"`
	GateID           string    `json:"gateId" db:"gate_id"`
	TokenHash        string    `json:"tokenHash" db:"token_hash"`
	QuoteID          string    `json:"quoteId,omitempty" db:"quote_id"`
	IdempotencyKey   string    `json:"idempotencyKey" db:"idempotency_key"`
	ExpiresAt        time.Time `json:"expiresAt" db:"expires_at"`
	CreatedAt        time.Time `json:"createdAt" db:"created_at"`
}
