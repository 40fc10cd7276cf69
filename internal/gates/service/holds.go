package service

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"settld-gateway/internal/escrow"
	"settld-gateway/internal/gates/domain"
	"settld-gateway/internal/store"
	"settld-gateway/pkg/errors"
	"settld-gateway/pkg/log"
)

// ChallengeRequest opens arbitration on a held holdback.
type ChallengeRequest struct {
	HoldHash string `json:"holdHash"`
	Reason   string `json:"reason,omitempty"`
}

// HoldResponse returns the hold after a lifecycle change.
type HoldResponse struct {
	Hold escrow.Hold `json:"hold"`
}

// ChallengeHold freezes a hold inside its dispute window. A disputed hold is
// never auto-released; the gate moves to disputed until a verdict lands.
func (s *Service) ChallengeHold(ctx context.Context, idempotencyKey string, req ChallengeRequest) (HoldResponse, error) {
	state, cached, _, err := s.beginIdempotent(ctx, scopeHold, idempotencyKey, req)
	if err != nil {
		return HoldResponse{}, err
	}
	if state == replayCached {
		var resp HoldResponse
		if err := json.Unmarshal(cached, &resp); err != nil {
			return HoldResponse{}, errors.ErrInternal.Wrap(err)
		}
		return resp, nil
	}

	hold, err := s.store.GetHold(ctx, req.HoldHash)
	if err != nil {
		return HoldResponse{}, err
	}
	now := s.now()
	if hold.Status != escrow.HoldHeld {
		return HoldResponse{}, errors.ErrHoldInvalidState.
			WithDetails("holdHash", hold.HoldHash).
			WithDetails("status", string(hold.Status))
	}
	if now.After(hold.ChallengeWindowEndsAt) {
		return HoldResponse{}, errors.ErrGateExpired.
			WithMessage("challenge window has closed").
			WithDetails("holdHash", hold.HoldHash)
	}

	gate, err := s.store.GetGate(ctx, s.cfg.TenantID, hold.GateID)
	if err != nil {
		return HoldResponse{}, err
	}

	expectedRevision := gate.Revision
	hold.Status = escrow.HoldDisputed
	gate.Status = domain.StatusDisputed
	gate.Touch(now)

	expected, err := s.expectHead(ctx, gate.GateID)
	if err != nil {
		return HoldResponse{}, err
	}
	err = s.store.ApplyGateMutation(ctx, store.GateMutation{
		Gate:             gate,
		ExpectedRevision: expectedRevision,
		HoldUpdates:      []escrow.Hold{hold},
		Events: []store.EventAppend{{
			StreamID: gate.GateID,
			Type:     domain.EventHoldChallenged,
			At:       now,
			Payload: map[string]interface{}{
				"type":     domain.EventHoldChallenged,
				"gateId":   gate.GateID,
				"holdHash": hold.HoldHash,
				"reason":   req.Reason,
			},
			ExpectedPrevChainHash: expected,
		}},
	})
	if err != nil {
		return HoldResponse{}, err
	}

	log.LoggerFromContext(ctx).Info("hold challenged",
		zap.String("gate_id", gate.GateID),
		zap.String("hold_hash", hold.HoldHash),
	)
	s.publish(ctx, gate.GateID, domain.EventHoldChallenged, map[string]interface{}{"holdHash": hold.HoldHash})

	resp := HoldResponse{Hold: hold}
	s.finishIdempotent(ctx, scopeHold, idempotencyKey, resp)
	return resp, nil
}

// VerdictRequest resolves a disputed hold.
type VerdictRequest struct {
	HoldHash string `json:"holdHash"`
	Outcome  string `json:"outcome"` // released | refunded
}

// ResolveHold applies an arbitration verdict: the withheld amount either
// releases to the payee or refunds to the payer, and the gate finalizes.
func (s *Service) ResolveHold(ctx context.Context, idempotencyKey string, req VerdictRequest) (HoldResponse, error) {
	state, cached, _, err := s.beginIdempotent(ctx, scopeHold, idempotencyKey, req)
	if err != nil {
		return HoldResponse{}, err
	}
	if state == replayCached {
		var resp HoldResponse
		if err := json.Unmarshal(cached, &resp); err != nil {
			return HoldResponse{}, errors.ErrInternal.Wrap(err)
		}
		return resp, nil
	}

	outcome, err := escrow.ParseHoldStatus(req.Outcome)
	if err != nil {
		return HoldResponse{}, err
	}
	if outcome != escrow.HoldReleased && outcome != escrow.HoldRefunded {
		return HoldResponse{}, errors.ErrInvalidInput.WithDetails("outcome", req.Outcome)
	}

	hold, err := s.store.GetHold(ctx, req.HoldHash)
	if err != nil {
		return HoldResponse{}, err
	}
	if hold.Status != escrow.HoldDisputed && hold.Status != escrow.HoldHeld {
		return HoldResponse{}, errors.ErrHoldInvalidState.
			WithDetails("holdHash", hold.HoldHash).
			WithDetails("status", string(hold.Status))
	}

	resp, err := s.settleHold(ctx, hold, outcome, domain.EventHoldResolved)
	if err != nil {
		return HoldResponse{}, err
	}
	s.finishIdempotent(ctx, scopeHold, idempotencyKey, resp)
	return resp, nil
}

// AutoReleaseHold is the maintenance-tick path: a held hold whose challenge
// window elapsed releases to the payee. Idempotent per holdHash — a hold that
// already left held state is a no-op.
func (s *Service) AutoReleaseHold(ctx context.Context, holdHash string) (bool, error) {
	hold, err := s.store.GetHold(ctx, holdHash)
	if err != nil {
		return false, err
	}
	if !hold.DueForAutoRelease(s.now()) {
		return false, nil
	}
	if _, err := s.settleHold(ctx, hold, escrow.HoldReleased, domain.EventHoldAutoReleased); err != nil {
		return false, err
	}
	return true, nil
}

// settleHold writes the holdback resolution: the ledger posting, the wallet
// credit, the hold status, the gate finalization, and the lifecycle event.
func (s *Service) settleHold(ctx context.Context, hold escrow.Hold, outcome escrow.HoldStatus, eventType string) (HoldResponse, error) {
	gate, err := s.store.GetGate(ctx, s.cfg.TenantID, hold.GateID)
	if err != nil {
		return HoldResponse{}, err
	}
	ledger, err := s.store.ListLedger(ctx, gate.GateID)
	if err != nil {
		return HoldResponse{}, err
	}
	balance := escrow.Balance(ledger)
	if balance < hold.AmountCents {
		return HoldResponse{}, errors.ErrSettlementSplitInvalid.
			WithDetails("holdHash", hold.HoldHash).
			WithDetails("balance", balance)
	}

	now := s.now()
	phase := escrow.PhaseHoldbackRelease
	creditAgent := gate.PayeeAgentID
	if outcome == escrow.HoldRefunded {
		phase = escrow.PhaseHoldbackRefund
		creditAgent = gate.PayerAgentID
	}

	entry := escrow.Entry{
		EntryID:       "led_" + uuid.New().String(),
		GateID:        gate.GateID,
		Phase:         phase,
		AmountCents:   -hold.AmountCents,
		BalanceBefore: balance,
		BalanceAfter:  balance - hold.AmountCents,
		At:            now,
	}

	expectedRevision := gate.Revision
	hold.Status = outcome
	hold.ResolvedAt = &now
	if balance-hold.AmountCents == 0 {
		gate.Status = domain.StatusResolved
	}
	gate.Touch(now)

	expected, err := s.expectHead(ctx, gate.GateID)
	if err != nil {
		return HoldResponse{}, err
	}
	err = s.store.ApplyGateMutation(ctx, store.GateMutation{
		Gate:             gate,
		ExpectedRevision: expectedRevision,
		WalletCredits:    []store.WalletDelta{{AgentID: creditAgent, AmountCents: hold.AmountCents}},
		LedgerEntries:    []escrow.Entry{entry},
		HoldUpdates:      []escrow.Hold{hold},
		Events: []store.EventAppend{{
			StreamID: gate.GateID,
			Type:     eventType,
			At:       now,
			Payload: map[string]interface{}{
				"type":        eventType,
				"gateId":      gate.GateID,
				"holdHash":    hold.HoldHash,
				"outcome":     string(outcome),
				"amountCents": hold.AmountCents,
			},
			ExpectedPrevChainHash: expected,
		}},
	})
	if err != nil {
		return HoldResponse{}, err
	}

	log.LoggerFromContext(ctx).Info("hold settled",
		zap.String("gate_id", gate.GateID),
		zap.String("hold_hash", hold.HoldHash),
		zap.String("outcome", string(outcome)),
	)
	s.publish(ctx, gate.GateID, eventType, map[string]interface{}{
		"holdHash": hold.HoldHash,
		"outcome":  string(outcome),
	})
	return HoldResponse{Hold: hold}, nil
}

// GetHold fetches a hold by hash.
func (s *Service) GetHold(ctx context.Context, holdHash string) (escrow.Hold, error) {
	return s.store.GetHold(ctx, holdHash)
}
