package service

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"settld-gateway/internal/escrow"
	"settld-gateway/internal/gates/domain"
	"settld-gateway/internal/store"
	"settld-gateway/pkg/errors"
	"settld-gateway/pkg/log"
)

// ExpireGate closes a gate whose window lapsed. Reserved escrow refunds in
// full to the payer with reason GATE_AUTO_EXPIRED. Idempotent: an already
// terminal gate is a no-op.
func (s *Service) ExpireGate(ctx context.Context, gateID string) (bool, error) {
	gate, err := s.store.GetGate(ctx, s.cfg.TenantID, gateID)
	if err != nil {
		return false, err
	}
	if gate.Status.Terminal() || gate.Status == domain.StatusVerified || gate.Status == domain.StatusDisputed {
		return false, nil
	}
	now := s.now()
	if !gateExpired(gate, now) {
		return false, nil
	}

	ledger, err := s.store.ListLedger(ctx, gate.GateID)
	if err != nil {
		return false, err
	}
	balance := escrow.Balance(ledger)

	var entries []escrow.Entry
	var credits []store.WalletDelta
	if balance > 0 {
		entries = append(entries, escrow.Entry{
			EntryID:       "led_" + uuid.New().String(),
			GateID:        gate.GateID,
			Phase:         escrow.PhaseRefund,
			AmountCents:   -balance,
			BalanceBefore: balance,
			BalanceAfter:  0,
			At:            now,
		})
		credits = append(credits, store.WalletDelta{AgentID: gate.PayerAgentID, AmountCents: balance})
	}

	expectedRevision := gate.Revision
	gate.Status = domain.StatusExpired
	gate.Touch(now)

	expected, err := s.expectHead(ctx, gate.GateID)
	if err != nil {
		return false, err
	}
	err = s.store.ApplyGateMutation(ctx, store.GateMutation{
		Gate:             gate,
		ExpectedRevision: expectedRevision,
		WalletCredits:    credits,
		LedgerEntries:    entries,
		Events: []store.EventAppend{{
			StreamID: gate.GateID,
			Type:     domain.EventGateExpired,
			At:       now,
			Payload: map[string]interface{}{
				"type":          domain.EventGateExpired,
				"gateId":        gate.GateID,
				"refundedCents": balance,
				"reasonCodes":   []interface{}{errors.CodeGateAutoExpired},
			},
			ExpectedPrevChainHash: expected,
		}},
	})
	if err != nil {
		return false, err
	}

	log.LoggerFromContext(ctx).Info("gate expired",
		zap.String("gate_id", gate.GateID),
		zap.Int64("refunded_cents", balance),
	)
	s.publish(ctx, gate.GateID, domain.EventGateExpired, map[string]interface{}{"gateId": gate.GateID})
	return true, nil
}
