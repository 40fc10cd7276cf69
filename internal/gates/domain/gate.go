package domain

import (
	"strings"
	"time"

	"settld-gateway/pkg/errors"
)

// Status is the gate lifecycle state.
type Status string

const (
	StatusCreated    Status = "created"
	StatusQuoted     Status = "quoted"
	StatusAuthorized Status = "authorized"
	StatusVerified   Status = "verified"
	StatusResolved   Status = "resolved"
	StatusExpired    Status = "expired"
	StatusDisputed   Status = "disputed"
)

// Terminal reports whether the status rejects further mutation (other than
// idempotent replay).
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusExpired
}

// ParseStatus fails closed on unknown variants.
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToLower(raw)) {
	case StatusCreated, StatusQuoted, StatusAuthorized, StatusVerified,
		StatusResolved, StatusExpired, StatusDisputed:
		return Status(strings.ToLower(raw)), nil
	}
	return "", errors.ErrInvalidInput.WithDetails("status", raw)
}

// Gate is the lifecycle object for one paid upstream call. amountCents is
// immutable once set; revision increments on every mutation and backs the
// store-level CAS.
type Gate struct {
	GateID                   string    `json:"gateId" db:"gate_id"`
	TenantID                 string    `json:"tenantId" db:"tenant_id"`
	PayerAgentID             string    `json:"payerAgentId" db:"payer_agent_id"`
	PayeeAgentID             string    `json:"payeeAgentId" db:"payee_agent_id"`
	AmountCents              int64     `json:"amountCents" db:"amount_cents"`
	Currency                 string    `json:"currency" db:"currency"`
	HoldbackBps              int64     `json:"holdbackBps" db:"holdback_bps"`
	DisputeWindowMs          int64     `json:"disputeWindowMs" db:"dispute_window_ms"`
	ToolID                   string    `json:"toolId,omitempty" db:"tool_id"`
	ProviderID               string    `json:"providerId,omitempty" db:"provider_id"`
	Status                   Status    `json:"status" db:"status"`
	CreatedAt                time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt                time.Time `json:"updatedAt" db:"updated_at"`
	ExpiresAt                time.Time `json:"expiresAt" db:"expires_at"`
	Revision                 int64     `json:"revision" db:"revision"`
	PaymentRequiredHeaderRaw string    `json:"paymentRequiredHeaderRaw,omitempty" db:"payment_required_header_raw"`
	ProviderPublicKeyPem     string    `json:"providerPublicKeyPem,omitempty" db:"provider_public_key_pem"`
	AgentPassport            string    `json:"agentPassport,omitempty" db:"agent_passport"`
	ParentWorkOrderHash      string    `json:"parentWorkOrderHash,omitempty" db:"parent_work_order_hash"`
	QuoteID                  string    `json:"quoteId,omitempty" db:"quote_id"`
	AuthorizationRef         string    `json:"authorizationRef,omitempty" db:"authorization_ref"`
	DecisionID               string    `json:"decisionId,omitempty" db:"decision_id"`
}

// CanTransition validates a lifecycle edge.
func (g *Gate) CanTransition(next Status) bool {
	switch g.Status {
	case StatusCreated:
		return next == StatusQuoted || next == StatusAuthorized || next == StatusExpired
	case StatusQuoted:
		return next == StatusAuthorized || next == StatusExpired
	case StatusAuthorized:
		return next == StatusVerified || next == StatusExpired
	case StatusVerified:
		return next == StatusResolved || next == StatusDisputed
	case StatusDisputed:
		return next == StatusResolved
	}
	return false
}

// Touch advances the mutation bookkeeping: monotonic updatedAt and revision.
func (g *Gate) Touch(now time.Time) {
	if now.After(g.UpdatedAt) {
		g.UpdatedAt = now
	} else {
		g.UpdatedAt = g.UpdatedAt.Add(time.Millisecond)
	}
	g.Revision++
}

// Validate checks creation-time invariants.
func (g *Gate) Validate() error {
	if g.PayerAgentID == "" {
		return errors.ErrValidation.WithDetails("field", "payerAgentId")
	}
	if g.PayeeAgentID == "" {
		return errors.ErrValidation.WithDetails("field", "payeeAgentId")
	}
	if g.AmountCents <= 0 {
		return errors.ErrValidation.WithDetails("field", "amountCents")
	}
	if len(g.Currency) != 3 || g.Currency != strings.ToUpper(g.Currency) {
		return errors.ErrValidation.WithDetails("field", "currency")
	}
	if g.HoldbackBps < 0 || g.HoldbackBps > 10000 {
		return errors.ErrValidation.WithDetails("field", "holdbackBps")
	}
	if g.DisputeWindowMs < 0 {
		return errors.ErrValidation.WithDetails("field", "disputeWindowMs")
	}
	return nil
}
