package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"settld-gateway/internal/gates/domain"
	"settld-gateway/internal/store"
	"settld-gateway/pkg/errors"
	"settld-gateway/pkg/log"
)

// CreateRequest carries the gate creation inputs.
type CreateRequest struct {
	PayerAgentID          string `json:"payerAgentId"`
	PayeeAgentID          string `json:"payeeAgentId"`
	AmountCents           int64  `json:"amountCents"`
	Currency              string `json:"currency"`
	HoldbackBps           int64  `json:"holdbackBps,omitempty"`
	DisputeWindowMs       int64  `json:"disputeWindowMs,omitempty"`
	ToolID                string `json:"toolId,omitempty"`
	ProviderID            string `json:"providerId,omitempty"`
	PaymentRequiredHeader string `json:"paymentRequiredHeader,omitempty"`
	ProviderPublicKeyPem  string `json:"providerPublicKeyPem,omitempty"`
	AgentPassport         string `json:"agentPassport,omitempty"`
	ParentWorkOrderHash   string `json:"parentWorkOrderHash,omitempty"`
	// AutoFundPayerCents credits the payer wallet on creation. Demo only.
	AutoFundPayerCents int64 `json:"autoFundPayerCents,omitempty"`
}

// CreateResponse is the create result; cached for byte-identical replay.
type CreateResponse struct {
	Gate domain.Gate `json:"gate"`
}

// Create builds the gate, its genesis event, and the optional demo autofund
// credit. Idempotent by (tenantId, idempotencyKey).
func (s *Service) Create(ctx context.Context, idempotencyKey string, req CreateRequest) (CreateResponse, error) {
	logger := log.LoggerFromContext(ctx)

	state, cached, _, err := s.beginIdempotent(ctx, scopeCreate, idempotencyKey, req)
	if err != nil {
		return CreateResponse{}, err
	}
	if state == replayCached {
		var resp CreateResponse
		if err := json.Unmarshal(cached, &resp); err != nil {
			return CreateResponse{}, errors.ErrInternal.Wrap(err)
		}
		return resp, nil
	}

	now := s.now()
	gate := domain.Gate{
		GateID:                   "gate_" + uuid.New().String(),
		TenantID:                 s.cfg.TenantID,
		PayerAgentID:             req.PayerAgentID,
		PayeeAgentID:             req.PayeeAgentID,
		AmountCents:              req.AmountCents,
		Currency:                 strings.ToUpper(req.Currency),
		HoldbackBps:              req.HoldbackBps,
		DisputeWindowMs:          req.DisputeWindowMs,
		ToolID:                   req.ToolID,
		ProviderID:               req.ProviderID,
		Status:                   domain.StatusCreated,
		CreatedAt:                now,
		UpdatedAt:                now,
		ExpiresAt:                now.Add(s.cfg.GateExpiry),
		Revision:                 1,
		PaymentRequiredHeaderRaw: req.PaymentRequiredHeader,
		ProviderPublicKeyPem:     req.ProviderPublicKeyPem,
		AgentPassport:            req.AgentPassport,
		ParentWorkOrderHash:      req.ParentWorkOrderHash,
	}
	if err := gate.Validate(); err != nil {
		return CreateResponse{}, err
	}

	if req.AutoFundPayerCents > 0 {
		if !s.cfg.DemoAutofund {
			return CreateResponse{}, errors.ErrForbidden.
				WithMessage("autofund is disabled for this tenant")
		}
		if _, err := s.store.CreditWallet(ctx, s.cfg.TenantID, gate.PayerAgentID, req.AutoFundPayerCents); err != nil {
			return CreateResponse{}, err
		}
	}

	err = s.store.InsertGate(ctx, gate, store.EventAppend{
		StreamID: gate.GateID,
		Type:     domain.EventGateCreated,
		At:       now,
		Payload: map[string]interface{}{
			"type":        domain.EventGateCreated,
			"gateId":      gate.GateID,
			"amountCents": gate.AmountCents,
			"currency":    gate.Currency,
			"payerAgentId": gate.PayerAgentID,
			"payeeAgentId": gate.PayeeAgentID,
		},
	})
	if err != nil {
		return CreateResponse{}, err
	}

	logger.Info("gate created",
		zap.String("gate_id", gate.GateID),
		zap.Int64("amount_cents", gate.AmountCents),
		zap.String("currency", gate.Currency),
	)
	s.publish(ctx, gate.GateID, domain.EventGateCreated, map[string]interface{}{"gateId": gate.GateID})

	resp := CreateResponse{Gate: gate}
	s.finishIdempotent(ctx, scopeCreate, idempotencyKey, resp)
	return resp, nil
}

// gateExpired reports whether the gate's window has lapsed at now.
func gateExpired(g domain.Gate, now time.Time) bool {
	return !g.ExpiresAt.IsZero() && now.After(g.ExpiresAt)
}
