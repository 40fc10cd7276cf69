package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"settld-gateway/internal/gates/domain"
	"settld-gateway/internal/store"
	"settld-gateway/internal/tokens"
	"settld-gateway/pkg/errors"
	"settld-gateway/pkg/log"
)

// quoteTTL bounds how long a quote stays authorizable.
const quoteTTL = 10 * time.Minute

// QuoteRequest computes and stores a quote for a created gate.
type QuoteRequest struct {
	GateID             string `json:"gateId"`
	RequestBindingMode string `json:"requestBindingMode,omitempty"`
	RequestBindingHash string `json:"requestBindingSha256,omitempty"`
	QuoteID            string `json:"quoteId,omitempty"`
}

// QuoteResponse is the quote result.
type QuoteResponse struct {
	Quote domain.Quote `json:"quote"`
}

// Quote stores the gate's quote and moves it to quoted. Strict binding mode
// requires the request hash up front; a missing hash fails closed.
func (s *Service) Quote(ctx context.Context, idempotencyKey string, req QuoteRequest) (QuoteResponse, error) {
	state, cached, _, err := s.beginIdempotent(ctx, scopeQuote, idempotencyKey, req)
	if err != nil {
		return QuoteResponse{}, err
	}
	if state == replayCached {
		var resp QuoteResponse
		if err := json.Unmarshal(cached, &resp); err != nil {
			return QuoteResponse{}, errors.ErrInternal.Wrap(err)
		}
		return resp, nil
	}

	mode, err := tokens.ParseBindingMode(req.RequestBindingMode)
	if err != nil {
		return QuoteResponse{}, err
	}
	if mode == tokens.BindingStrict && req.RequestBindingHash == "" {
		return QuoteResponse{}, errors.ErrQuoteBindingMissing
	}

	gate, err := s.store.GetGate(ctx, s.cfg.TenantID, req.GateID)
	if err != nil {
		return QuoteResponse{}, err
	}
	now := s.now()
	if gateExpired(gate, now) {
		return QuoteResponse{}, errors.ErrGateExpired.WithDetails("gateId", gate.GateID)
	}
	if gate.Status != domain.StatusCreated && gate.Status != domain.StatusQuoted {
		return QuoteResponse{}, errors.ErrGateInvalidState.
			WithDetails("gateId", gate.GateID).
			WithDetails("status", string(gate.Status))
	}

	quoteID := req.QuoteID
	if quoteID == "" {
		quoteID = "quote_" + uuid.New().String()
	}
	quote := domain.Quote{
		QuoteID:            quoteID,
		GateID:             gate.GateID,
		RequestBindingMode: mode,
		RequestBindingHash: req.RequestBindingHash,
		ProviderID:         gate.ProviderID,
		ToolID:             gate.ToolID,
		AmountCents:        gate.AmountCents,
		Currency:           gate.Currency,
		ExpiresAt:          now.Add(quoteTTL),
		CreatedAt:          now,
	}
	if err := quote.ComputeHash(); err != nil {
		return QuoteResponse{}, err
	}

	expectedRevision := gate.Revision
	gate.Status = domain.StatusQuoted
	gate.QuoteID = quote.QuoteID
	gate.Touch(now)

	expected, err := s.expectHead(ctx, gate.GateID)
	if err != nil {
		return QuoteResponse{}, err
	}
	err = s.store.ApplyGateMutation(ctx, store.GateMutation{
		Gate:             gate,
		ExpectedRevision: expectedRevision,
		Quote:            &quote,
		Events: []store.EventAppend{{
			StreamID: gate.GateID,
			Type:     domain.EventGateQuoted,
			At:       now,
			Payload: map[string]interface{}{
				"type":      domain.EventGateQuoted,
				"gateId":    gate.GateID,
				"quoteId":   quote.QuoteID,
				"quoteHash": quote.QuoteHash,
			},
			ExpectedPrevChainHash: expected,
		}},
	})
	if err != nil {
		return QuoteResponse{}, err
	}

	log.LoggerFromContext(ctx).Info("gate quoted",
		zap.String("gate_id", gate.GateID),
		zap.String("quote_id", quote.QuoteID),
		zap.String("binding_mode", string(mode)),
	)
	s.publish(ctx, gate.GateID, domain.EventGateQuoted, map[string]interface{}{"quoteId": quote.QuoteID})

	resp := QuoteResponse{Quote: quote}
	s.finishIdempotent(ctx, scopeQuote, idempotencyKey, resp)
	return resp, nil
}
