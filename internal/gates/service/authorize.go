package service

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"settld-gateway/internal/escrow"
	"settld-gateway/internal/gates/domain"
	"settld-gateway/internal/store"
	"settld-gateway/internal/tokens"
	"settld-gateway/pkg/crypto"
	"settld-gateway/pkg/errors"
	"settld-gateway/pkg/log"
)

// AuthorizeRequest reserves escrow and mints the SettldPay token.
type AuthorizeRequest struct {
	GateID             string `json:"gateId"`
	RequestBindingMode string `json:"requestBindingMode,omitempty"`
	RequestBindingHash string `json:"requestBindingSha256,omitempty"`
	QuoteID            string `json:"quoteId,omitempty"`
}

// AuthorizeResponse carries the minted token. The token is never persisted;
// replays re-derive it from the stored authorization row.
type AuthorizeResponse struct {
	Token            string `json:"token"`
	AuthorizationRef string `json:"authorizationRef"`
	QuoteID          string `json:"quoteId,omitempty"`
	ExpiresAt        int64  `json:"expiresAt"`
}

// AuthorizePayment atomically reserves the gate amount into escrow, mints a
// short-TTL token, records the authorization, and emits GATE_AUTHORIZED.
//
// Replays with the same idempotency key re-derive the identical token while
// it is still live (Ed25519 signing is deterministic, and the nonce and
// timestamps are fixed by the stored row); an expired token replays as
// AUTH_TOKEN_EXPIRED_REPLAY.
func (s *Service) AuthorizePayment(ctx context.Context, idempotencyKey string, req AuthorizeRequest) (AuthorizeResponse, error) {
	logger := log.LoggerFromContext(ctx)

	state, _, _, err := s.beginIdempotent(ctx, scopeAuthorize, idempotencyKey, req)
	if err != nil {
		return AuthorizeResponse{}, err
	}
	if state == replayCached {
		return s.replayAuthorization(ctx, req, idempotencyKey)
	}

	mode, err := tokens.ParseBindingMode(req.RequestBindingMode)
	if err != nil {
		return AuthorizeResponse{}, err
	}

	gate, err := s.store.GetGate(ctx, s.cfg.TenantID, req.GateID)
	if err != nil {
		return AuthorizeResponse{}, err
	}
	now := s.now()
	if gateExpired(gate, now) {
		return AuthorizeResponse{}, errors.ErrGateExpired.WithDetails("gateId", gate.GateID)
	}
	if gate.Status != domain.StatusCreated && gate.Status != domain.StatusQuoted {
		return AuthorizeResponse{}, errors.ErrGateInvalidState.
			WithDetails("gateId", gate.GateID).
			WithDetails("status", string(gate.Status))
	}

	// Quote binding. A quoted gate with strict binding must be authorized
	// against its quote; the quote's binding terms win over the request.
	quoteID := req.QuoteID
	bindingHash := req.RequestBindingHash
	if gate.QuoteID != "" {
		quote, err := s.store.GetQuote(ctx, gate.GateID, gate.QuoteID)
		if err != nil {
			return AuthorizeResponse{}, err
		}
		if quote.RequestBindingMode == tokens.BindingStrict || quoteID != "" {
			if quoteID != quote.QuoteID {
				return AuthorizeResponse{}, errors.ErrAuthQuoteBindingMismatch.
					WithDetails("expectedQuoteId", quote.QuoteID).
					WithDetails("gotQuoteId", quoteID)
			}
		}
		if quoteID == quote.QuoteID {
			if mode != quote.RequestBindingMode && mode != tokens.BindingNone {
				return AuthorizeResponse{}, errors.ErrAuthQuoteBindingMismatch.
					WithDetails("quoteId", quote.QuoteID)
			}
			mode = quote.RequestBindingMode
			if quote.RequestBindingMode == tokens.BindingStrict {
				if bindingHash != "" && bindingHash != quote.RequestBindingHash {
					return AuthorizeResponse{}, errors.ErrAuthQuoteBindingMismatch.
						WithDetails("quoteId", quote.QuoteID)
				}
				bindingHash = quote.RequestBindingHash
			}
		}
	} else if quoteID != "" {
		return AuthorizeResponse{}, errors.ErrAuthQuoteBindingMismatch.
			WithDetails("gotQuoteId", quoteID)
	}
	if mode == tokens.BindingStrict && bindingHash == "" {
		return AuthorizeResponse{}, errors.ErrQuoteBindingMissing
	}

	authorizationRef := "auth_" + uuid.New().String()
	expiresAt := now.Add(s.cfg.TokenTTL)
	auth := domain.Authorization{
		AuthorizationRef: authorizationRef,
		GateID:           gate.GateID,
		QuoteID:          quoteID,
		IdempotencyKey:   idempotencyKey,
		ExpiresAt:        expiresAt,
		CreatedAt:        now,
	}

	token, err := s.mintToken(gate, auth, mode, bindingHash)
	if err != nil {
		return AuthorizeResponse{}, err
	}
	auth.TokenHash = tokens.TokenHash(token)

	reserve := escrow.Entry{
		EntryID:       "led_" + uuid.New().String(),
		GateID:        gate.GateID,
		Phase:         escrow.PhaseReserve,
		AmountCents:   gate.AmountCents,
		BalanceBefore: 0,
		BalanceAfter:  gate.AmountCents,
		At:            now,
	}

	expectedRevision := gate.Revision
	gate.Status = domain.StatusAuthorized
	gate.AuthorizationRef = authorizationRef
	gate.Touch(now)

	expected, err := s.expectHead(ctx, gate.GateID)
	if err != nil {
		return AuthorizeResponse{}, err
	}
	err = s.store.ApplyGateMutation(ctx, store.GateMutation{
		Gate:             gate,
		ExpectedRevision: expectedRevision,
		WalletDebit:      &store.WalletDelta{AgentID: gate.PayerAgentID, AmountCents: gate.AmountCents},
		LedgerEntries:    []escrow.Entry{reserve},
		Authorization:    &auth,
		Events: []store.EventAppend{{
			StreamID: gate.GateID,
			Type:     domain.EventGateAuthorized,
			At:       now,
			Payload: map[string]interface{}{
				"type":             domain.EventGateAuthorized,
				"gateId":           gate.GateID,
				"authorizationRef": authorizationRef,
				"tokenHash":        auth.TokenHash,
				"reservedCents":    gate.AmountCents,
			},
			ExpectedPrevChainHash: expected,
		}},
	})
	if err != nil {
		return AuthorizeResponse{}, err
	}

	logger.Info("payment authorized",
		zap.String("gate_id", gate.GateID),
		zap.String("authorization_ref", authorizationRef),
		zap.Int64("reserved_cents", gate.AmountCents),
	)
	s.publish(ctx, gate.GateID, domain.EventGateAuthorized, map[string]interface{}{
		"authorizationRef": authorizationRef,
	})

	resp := AuthorizeResponse{
		Token:            token,
		AuthorizationRef: authorizationRef,
		QuoteID:          quoteID,
		ExpiresAt:        expiresAt.UnixMilli(),
	}
	// The cached response must never carry the token by value.
	s.finishIdempotent(ctx, scopeAuthorize, idempotencyKey, AuthorizeResponse{
		AuthorizationRef: authorizationRef,
		QuoteID:          quoteID,
		ExpiresAt:        expiresAt.UnixMilli(),
	})
	return resp, nil
}

// mintToken builds the SettldPay wire token. The nonce derives from the gate
// and authorization ref, so re-minting from the stored row reproduces the
// original token bytes exactly.
func (s *Service) mintToken(gate domain.Gate, auth domain.Authorization, mode tokens.BindingMode, bindingHash string) (string, error) {
	payload := tokens.Payload{
		SchemaVersion:      tokens.SchemaVersion,
		TenantID:           gate.TenantID,
		GateID:             gate.GateID,
		PayerAgentID:       gate.PayerAgentID,
		PayeeAgentID:       gate.PayeeAgentID,
		AmountCents:        gate.AmountCents,
		Currency:           gate.Currency,
		IssuedAt:           auth.CreatedAt.UnixMilli(),
		ExpiresAt:          auth.ExpiresAt.UnixMilli(),
		Nonce:              deterministicNonce(gate.GateID, auth.AuthorizationRef),
		RequestBindingMode: mode,
		RequestBindingHash: bindingHash,
		QuoteID:            auth.QuoteID,
	}
	return tokens.Build(payload, s.signer)
}

func deterministicNonce(gateID, authorizationRef string) string {
	return crypto.SHA256HexString(gateID + "|" + authorizationRef)[:32]
}

// replayAuthorization serves a repeated authorize call from the stored row.
func (s *Service) replayAuthorization(ctx context.Context, req AuthorizeRequest, idempotencyKey string) (AuthorizeResponse, error) {
	auth, err := s.store.GetAuthorization(ctx, req.GateID, idempotencyKey)
	if err != nil {
		return AuthorizeResponse{}, err
	}
	if s.now().After(auth.ExpiresAt) {
		return AuthorizeResponse{}, errors.ErrAuthTokenExpiredReplay.
			WithDetails("authorizationRef", auth.AuthorizationRef)
	}

	gate, err := s.store.GetGate(ctx, s.cfg.TenantID, req.GateID)
	if err != nil {
		return AuthorizeResponse{}, err
	}

	mode, err := tokens.ParseBindingMode(req.RequestBindingMode)
	if err != nil {
		return AuthorizeResponse{}, err
	}
	bindingHash := req.RequestBindingHash
	if auth.QuoteID != "" {
		quote, err := s.store.GetQuote(ctx, gate.GateID, auth.QuoteID)
		if err != nil {
			return AuthorizeResponse{}, err
		}
		mode = quote.RequestBindingMode
		bindingHash = quote.RequestBindingHash
	}

	token, err := s.mintToken(gate, auth, mode, bindingHash)
	if err != nil {
		return AuthorizeResponse{}, err
	}
	if tokens.TokenHash(token) != auth.TokenHash {
		log.LoggerFromContext(ctx).Error("replayed token hash diverged from stored authorization",
			zap.String("gate_id", gate.GateID),
			zap.String("authorization_ref", auth.AuthorizationRef),
		)
		return AuthorizeResponse{}, errors.ErrInternal.
			WithMessage("token replay integrity check failed")
	}

	return AuthorizeResponse{
		Token:            token,
		AuthorizationRef: auth.AuthorizationRef,
		QuoteID:          auth.QuoteID,
		ExpiresAt:        auth.ExpiresAt.UnixMilli(),
	}, nil
}
