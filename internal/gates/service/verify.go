package service

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"settld-gateway/internal/escrow"
	"settld-gateway/internal/gates/domain"
	"settld-gateway/internal/settlement"
	"settld-gateway/internal/store"
	"settld-gateway/internal/tokens"
	"settld-gateway/pkg/canonical"
	"settld-gateway/pkg/crypto"
	"settld-gateway/pkg/errors"
	"settld-gateway/pkg/log"
)

// VerifyRequest carries the verification inputs for an authorized gate.
type VerifyRequest struct {
	GateID             string                 `json:"gateId"`
	VerificationStatus string                 `json:"verificationStatus"`
	RunStatus          string                 `json:"runStatus,omitempty"`
	Policy             *settlement.Policy     `json:"policy,omitempty"`
	VerificationMethod map[string]interface{} `json:"verificationMethod,omitempty"`
	VerificationCodes  []string               `json:"verificationCodes,omitempty"`
	EvidenceRefs       []string               `json:"evidenceRefs,omitempty"`
	ResponseSha256     string                 `json:"responseSha256,omitempty"`
	ProviderSignature  string                 `json:"providerSignature,omitempty"`
	ProviderQuote      string                 `json:"providerQuote,omitempty"`
}

// VerifyResponse returns the settled gate and its decision record.
type VerifyResponse struct {
	Gate       domain.Gate               `json:"gate"`
	Settlement settlement.DecisionRecord `json:"settlement"`
	HoldHash   string                    `json:"holdHash,omitempty"`
}

// Verify evaluates the settlement policy against the verification verdict
// and atomically writes the decision, the ledger release/refund split, the
// holdback, the receipt, and the outbox delivery.
//
// Provider signature failures and broken cascade bindings never error out:
// they force the verdict red so the escrow is always freed, with the failure
// code carried into reasonCodes.
func (s *Service) Verify(ctx context.Context, idempotencyKey string, req VerifyRequest) (VerifyResponse, error) {
	logger := log.LoggerFromContext(ctx)

	state, cached, _, err := s.beginIdempotent(ctx, scopeVerify, idempotencyKey, req)
	if err != nil {
		return VerifyResponse{}, err
	}
	if state == replayCached {
		var resp VerifyResponse
		if err := json.Unmarshal(cached, &resp); err != nil {
			return VerifyResponse{}, errors.ErrInternal.Wrap(err)
		}
		return resp, nil
	}

	status, err := settlement.ParseVerificationStatus(req.VerificationStatus)
	if err != nil {
		return VerifyResponse{}, err
	}

	gate, err := s.store.GetGate(ctx, s.cfg.TenantID, req.GateID)
	if err != nil {
		return VerifyResponse{}, err
	}
	if gate.Status != domain.StatusAuthorized {
		return VerifyResponse{}, errors.ErrGateInvalidState.
			WithDetails("gateId", gate.GateID).
			WithDetails("status", string(gate.Status))
	}

	now := s.now()
	reasonCodes := append([]string(nil), req.VerificationCodes...)

	// Provider response signature: a pinned provider key is a hard
	// requirement — missing or invalid signatures fail closed to red.
	if gate.ProviderPublicKeyPem != "" {
		if code := s.checkProviderSignature(gate, req); code != "" {
			status = settlement.StatusRed
			reasonCodes = append(reasonCodes, code)
		}
	}
	if req.ProviderQuote != "" && gate.ProviderPublicKeyPem != "" {
		if code := s.checkProviderQuote(gate, req.ProviderQuote); code != "" {
			status = settlement.StatusRed
			reasonCodes = append(reasonCodes, code)
		}
	}

	// Agent passport: when the gate carries one, it must still verify
	// against the active keyset at settlement time.
	if gate.AgentPassport != "" && s.keys != nil {
		if _, err := tokens.VerifyPassport(gate.AgentPassport, s.keys, now); err != nil {
			status = settlement.StatusRed
			reasonCodes = append(reasonCodes, "AGENT_PASSPORT_INVALID")
		}
	}

	// Cascade binding: a gate chained to a parent work order re-resolves the
	// chain and fails closed when any link broke.
	if gate.ParentWorkOrderHash != "" {
		if !s.cascadeIntact(ctx, gate.ParentWorkOrderHash) {
			status = settlement.StatusRed
			reasonCodes = append(reasonCodes, "CASCADE_BINDING_INVALID")
		}
	}

	policy := settlement.DefaultPolicy()
	if req.Policy != nil {
		policy = *req.Policy
	}
	policy, err = policy.Normalize()
	if err != nil {
		return VerifyResponse{}, err
	}
	policyHash, err := policy.Hash()
	if err != nil {
		return VerifyResponse{}, err
	}

	var methodHash string
	if len(req.VerificationMethod) > 0 {
		methodHash, err = canonical.Hash(req.VerificationMethod)
		if err != nil {
			return VerifyResponse{}, err
		}
	}

	ledger, err := s.store.ListLedger(ctx, gate.GateID)
	if err != nil {
		return VerifyResponse{}, err
	}
	totals := escrow.Summarize(ledger)
	reserved := totals.Reserved
	if reserved != gate.AmountCents {
		return VerifyResponse{}, errors.ErrSettlementSplitInvalid.
			WithDetails("reserved", reserved).
			WithDetails("amountCents", gate.AmountCents)
	}
	var reserveEntryID string
	for _, e := range ledger {
		if e.Phase == escrow.PhaseReserve {
			reserveEntryID = e.EntryID
			break
		}
	}

	split, err := policy.Evaluate(status, reserved, gate.HoldbackBps)
	if err != nil {
		return VerifyResponse{}, err
	}

	decision, err := settlement.BuildDecision(settlement.BuildDecisionInput{
		DecisionID:             "dec_" + uuid.New().String(),
		GateID:                 gate.GateID,
		Status:                 status,
		Mode:                   policy.Mode,
		PolicyHash:             policyHash,
		VerificationMethodHash: methodHash,
		Split:                  split,
		ReasonCodes:            reasonCodes,
		EvidenceRefs:           req.EvidenceRefs,
		DecidedAt:              now,
	})
	if err != nil {
		return VerifyResponse{}, err
	}

	// Ledger postings: release to the payee, refund to the payer, and the
	// holdback slice parked in escrow under a deterministic hold.
	entries := make([]escrow.Entry, 0, 3)
	credits := make([]store.WalletDelta, 0, 2)
	balance := reserved
	if split.ReleaseCents > 0 {
		entries = append(entries, escrow.Entry{
			EntryID:       "led_" + uuid.New().String(),
			GateID:        gate.GateID,
			Phase:         escrow.PhaseRelease,
			AmountCents:   -split.ReleaseCents,
			BalanceBefore: balance,
			BalanceAfter:  balance - split.ReleaseCents,
			At:            now,
			ParentEntryID: reserveEntryID,
		})
		balance -= split.ReleaseCents
		credits = append(credits, store.WalletDelta{AgentID: gate.PayeeAgentID, AmountCents: split.ReleaseCents})
	}
	if split.RefundCents > 0 {
		entries = append(entries, escrow.Entry{
			EntryID:       "led_" + uuid.New().String(),
			GateID:        gate.GateID,
			Phase:         escrow.PhaseRefund,
			AmountCents:   -split.RefundCents,
			BalanceBefore: balance,
			BalanceAfter:  balance - split.RefundCents,
			At:            now,
			ParentEntryID: reserveEntryID,
		})
		balance -= split.RefundCents
		credits = append(credits, store.WalletDelta{AgentID: gate.PayerAgentID, AmountCents: split.RefundCents})
	}

	var holdInserts []escrow.Hold
	var holdHash string
	if split.HoldbackCents > 0 {
		hold, err := escrow.NewHold(gate.GateID, split.HoldbackCents, now, gate.DisputeWindowMs, policyHash)
		if err != nil {
			return VerifyResponse{}, err
		}
		holdHash = hold.HoldHash
		holdInserts = append(holdInserts, hold)
		entries = append(entries, escrow.Entry{
			EntryID:       "led_" + uuid.New().String(),
			GateID:        gate.GateID,
			Phase:         escrow.PhaseHoldbackHold,
			AmountCents:   0,
			BalanceBefore: balance,
			BalanceAfter:  balance,
			At:            now,
			ParentEntryID: reserveEntryID,
		})
	}

	expectedRevision := gate.Revision
	gate.Status = domain.StatusVerified
	gate.DecisionID = decision.DecisionID
	if split.HoldbackCents == 0 {
		gate.Status = domain.StatusResolved
	}
	gate.Touch(now)

	receipt, err := settlement.BuildReceipt(gate, decision, append(ledger, entries...),
		req.ProviderSignature, req.ProviderQuote, gate.AgentPassport, s.signer)
	if err != nil {
		return VerifyResponse{}, err
	}
	receiptBody, err := canonical.Marshal(receipt)
	if err != nil {
		return VerifyResponse{}, err
	}

	eventAppends := []store.EventAppend{
		{
			StreamID: gate.GateID,
			Type:     domain.EventGateVerified,
			At:       now,
			Payload: map[string]interface{}{
				"type":               domain.EventGateVerified,
				"gateId":             gate.GateID,
				"verificationStatus": string(status),
				"responseSha256":     req.ResponseSha256,
			},
		},
		{
			StreamID: gate.GateID,
			Type:     domain.EventSettlementDecided,
			At:       now,
			Payload: map[string]interface{}{
				"type":           domain.EventSettlementDecided,
				"gateId":         gate.GateID,
				"decisionId":     decision.DecisionID,
				"decisionHash":   decision.DecisionHash,
				"releasedCents":  split.ReleaseCents,
				"refundedCents":  split.RefundCents,
				"heldbackCents":  split.HoldbackCents,
				"policyHashUsed": policyHash,
			},
		},
	}
	if holdHash != "" {
		eventAppends = append(eventAppends, store.EventAppend{
			StreamID: gate.GateID,
			Type:     domain.EventHoldCreated,
			At:       now,
			Payload: map[string]interface{}{
				"type":        domain.EventHoldCreated,
				"gateId":      gate.GateID,
				"holdHash":    holdHash,
				"amountCents": split.HoldbackCents,
			},
		})
	}
	expected, err := s.expectHead(ctx, gate.GateID)
	if err != nil {
		return VerifyResponse{}, err
	}
	eventAppends[0].ExpectedPrevChainHash = expected

	err = s.store.ApplyGateMutation(ctx, store.GateMutation{
		Gate:             gate,
		ExpectedRevision: expectedRevision,
		WalletCredits:    credits,
		LedgerEntries:    entries,
		Decision:         &decision,
		Receipt:          &receipt,
		HoldInserts:      holdInserts,
		Events:           eventAppends,
		Outbox: []store.OutboxRow{{
			DeliveryID:    "dlv_" + uuid.New().String(),
			TenantID:      s.cfg.TenantID,
			DedupeKey:     "receipt:" + gate.GateID + ":" + decision.DecisionID,
			ArtifactType:  "settlement.receipt",
			ArtifactHash:  receipt.ReceiptHash,
			DestinationID: s.cfg.WebhookDestinationID,
			Body:          receiptBody,
			NextAttemptAt: now,
			CreatedAt:     now,
		}},
	})
	if err != nil {
		return VerifyResponse{}, err
	}

	logger.Info("gate verified",
		zap.String("gate_id", gate.GateID),
		zap.String("verification_status", string(status)),
		zap.Int64("released_cents", split.ReleaseCents),
		zap.Int64("refunded_cents", split.RefundCents),
		zap.Int64("heldback_cents", split.HoldbackCents),
		zap.Strings("reason_codes", decision.ReasonCodes),
	)
	s.publish(ctx, gate.GateID, domain.EventSettlementDecided, map[string]interface{}{
		"decisionId":   decision.DecisionID,
		"decisionHash": decision.DecisionHash,
	})
	if s.analytics != nil {
		s.analytics.RecordDecision(ctx, s.cfg.TenantID, decision)
	}

	resp := VerifyResponse{Gate: gate, Settlement: decision, HoldHash: holdHash}
	s.finishIdempotent(ctx, scopeVerify, idempotencyKey, resp)
	return resp, nil
}

func (s *Service) checkProviderSignature(gate domain.Gate, req VerifyRequest) string {
	pub, err := crypto.ParsePublicKeyPEM([]byte(gate.ProviderPublicKeyPem))
	if err != nil {
		return errors.CodeProviderKeyIDUnknown
	}
	return tokens.VerifyResponseSignature(req.ProviderSignature, pub, gate.GateID, req.ResponseSha256)
}

func (s *Service) checkProviderQuote(gate domain.Gate, wire string) string {
	pub, err := crypto.ParsePublicKeyPEM([]byte(gate.ProviderPublicKeyPem))
	if err != nil {
		return errors.CodeProviderQuoteKeyIDUnknown
	}
	quote, code := tokens.VerifyQuoteSignature(wire, pub)
	if code != "" {
		return code
	}
	if quote.GateID != "" && quote.GateID != gate.GateID {
		return errors.CodeProviderQuoteInvalid
	}
	return ""
}

// cascadeIntact re-resolves a parent binding of the form
// "<parentGateId>:<decisionHash>" against the stored parent decision.
func (s *Service) cascadeIntact(ctx context.Context, ref string) bool {
	parts := strings.SplitN(ref, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return false
	}
	parentDecision, err := s.store.GetDecision(ctx, parts[0])
	if err != nil {
		return false
	}
	recomputed, err := parentDecision.ComputeHash()
	if err != nil || recomputed != parentDecision.DecisionHash {
		return false
	}
	return parentDecision.DecisionHash == parts[1]
}
