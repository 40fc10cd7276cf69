package service

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"settld-gateway/internal/escrow"
	"settld-gateway/internal/events"
	"settld-gateway/internal/gates/domain"
	"settld-gateway/internal/settlement"
	"settld-gateway/internal/store"
	"settld-gateway/internal/tokens"
	"settld-gateway/pkg/canonical"
	"settld-gateway/pkg/crypto"
	"settld-gateway/pkg/errors"
	"settld-gateway/pkg/log"
)

// Idempotency scopes.
const (
	scopeCreate    = "gate.create"
	scopeQuote     = "gate.quote"
	scopeAuthorize = "gate.authorize"
	scopeVerify    = "gate.verify"
	scopeHold      = "gate.hold"
)

// EventPublisher fans appended gate events out to a broker. Best-effort: a
// publish failure never fails the write path.
type EventPublisher interface {
	PublishGateEvent(ctx context.Context, tenantID, gateID, eventType string, payload map[string]interface{}, chainHash string)
}

// Analytics receives resolved settlement decisions. Optional.
type Analytics interface {
	RecordDecision(ctx context.Context, tenantID string, record settlement.DecisionRecord)
}

// Config carries the service-level knobs.
type Config struct {
	TenantID     string
	TokenTTL     time.Duration
	GateExpiry   time.Duration
	DemoAutofund bool
	// Webhook destination used for outbox rows emitted on settlement.
	WebhookDestinationID string
}

// Service is the gate state machine. Every mutating operation is idempotent
// by (tenantId, scope, idempotencyKey) and serialized per gate through the
// store-level revision CAS.
type Service struct {
	store     store.Store
	signer    *crypto.SigningKey
	keys      tokens.KeyResolver
	publisher EventPublisher
	analytics Analytics
	cfg       Config
	now       func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the clock (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithPublisher attaches a broker publisher.
func WithPublisher(p EventPublisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithAnalytics attaches a decision analytics sink.
func WithAnalytics(a Analytics) Option {
	return func(s *Service) { s.analytics = a }
}

// New wires the gate service.
func New(st store.Store, signer *crypto.SigningKey, keys tokens.KeyResolver, cfg Config, opts ...Option) *Service {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = tokens.DefaultTTL
	}
	if cfg.GateExpiry <= 0 {
		cfg.GateExpiry = time.Hour
	}
	s := &Service{
		store:  st,
		signer: signer,
		keys:   keys,
		cfg:    cfg,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Signer exposes the tenant signing key for the keyset endpoint.
func (s *Service) Signer() *crypto.SigningKey { return s.signer }

// TenantID returns the tenant this service instance serves.
func (s *Service) TenantID() string { return s.cfg.TenantID }

// Store exposes the backing store for read-side handlers.
func (s *Service) Store() store.Store { return s.store }

// replayState is what beginIdempotent found for a key.
type replayState int

const (
	replayNew replayState = iota
	replayCached
)

// beginIdempotent claims the idempotency key for this request. When the key
// was seen before with the same request hash and a cached response, the
// response bytes come back for byte-identical replay. A different request
// hash is a conflict.
func (s *Service) beginIdempotent(ctx context.Context, scope, key string, req interface{}) (replayState, []byte, string, error) {
	if key == "" {
		return replayNew, nil, "", errors.ErrValidation.WithDetails("field", "idempotencyKey")
	}
	requestHash, err := canonical.Hash(req)
	if err != nil {
		return replayNew, nil, "", errors.ErrInvalidInput.Wrap(err)
	}
	row, created, err := s.store.UpsertIdempotency(ctx, store.IdempotencyRow{
		TenantID:    s.cfg.TenantID,
		Scope:       scope,
		Key:         key,
		RequestHash: requestHash,
		CreatedAt:   s.now(),
	})
	if err != nil {
		return replayNew, nil, "", err
	}
	if created {
		return replayNew, nil, requestHash, nil
	}
	if row.RequestHash != requestHash {
		return replayNew, nil, "", errors.ErrIdempotencyConflict.
			WithDetails("scope", scope).
			WithDetails("idempotencyKey", key)
	}
	if row.Response == nil {
		// Same request raced its own first attempt.
		return replayNew, nil, "", errors.ErrConcurrentModification.WithDetails("idempotencyKey", key)
	}
	return replayCached, row.Response, requestHash, nil
}

func (s *Service) finishIdempotent(ctx context.Context, scope, key string, response interface{}) []byte {
	encoded, err := json.Marshal(response)
	if err != nil {
		log.LoggerFromContext(ctx).Error("failed to encode idempotent response", zap.Error(err))
		return nil
	}
	if err := s.store.SaveIdempotencyResponse(ctx, s.cfg.TenantID, scope, key, encoded); err != nil {
		log.LoggerFromContext(ctx).Warn("failed to cache idempotent response",
			zap.String("scope", scope),
			zap.Error(err),
		)
	}
	return encoded
}

// expectHead reads the current stream head so the first event append in a
// mutation carries an explicit expected hash. Concurrent writers then surface
// SESSION_EVENT_APPEND_CONFLICT instead of silently interleaving.
func (s *Service) expectHead(ctx context.Context, streamID string) (*string, error) {
	head, err := s.store.StreamHead(ctx, streamID)
	if err != nil {
		return nil, err
	}
	expected := head.HeadChainHash
	return &expected, nil
}

func (s *Service) publish(ctx context.Context, gateID, eventType string, payload map[string]interface{}) {
	if s.publisher == nil {
		return
	}
	head, err := s.store.StreamHead(ctx, gateID)
	chainHash := ""
	if err == nil {
		chainHash = head.HeadChainHash
	}
	s.publisher.PublishGateEvent(ctx, s.cfg.TenantID, gateID, eventType, payload, chainHash)
}

// GetGate returns the gate and, when decided, its settlement record.
func (s *Service) GetGate(ctx context.Context, gateID string) (domain.Gate, *settlement.DecisionRecord, error) {
	gate, err := s.store.GetGate(ctx, s.cfg.TenantID, gateID)
	if err != nil {
		return domain.Gate{}, nil, err
	}
	decision, err := s.store.GetDecision(ctx, gateID)
	if err != nil {
		if errors.From(err) != nil && errors.CodeOf(err) == "NOT_FOUND" {
			return gate, nil, nil
		}
		return domain.Gate{}, nil, err
	}
	return gate, &decision, nil
}

// ListGates lists gates for the tenant, optionally filtered by status.
func (s *Service) ListGates(ctx context.Context, status domain.Status, limit int) ([]domain.Gate, error) {
	return s.store.ListGates(ctx, s.cfg.TenantID, status, limit)
}

// LedgerEntryView is a ledger entry with its running balance.
type LedgerEntryView struct {
	escrow.Entry
	RunningBalance int64 `json:"runningBalance"`
}

// Ledger returns the gate's ordered ledger entries.
func (s *Service) Ledger(ctx context.Context, gateID string) ([]LedgerEntryView, error) {
	if _, err := s.store.GetGate(ctx, s.cfg.TenantID, gateID); err != nil {
		return nil, err
	}
	entries, err := s.store.ListLedger(ctx, gateID)
	if err != nil {
		return nil, err
	}
	out := make([]LedgerEntryView, 0, len(entries))
	running := int64(0)
	for _, e := range entries {
		running += e.AmountCents
		out = append(out, LedgerEntryView{Entry: e, RunningBalance: running})
	}
	return out, nil
}

// Events returns the gate's hash-chained stream plus head metadata.
func (s *Service) Events(ctx context.Context, gateID string) ([]events.Event, events.Head, error) {
	if _, err := s.store.GetGate(ctx, s.cfg.TenantID, gateID); err != nil {
		return nil, events.Head{}, err
	}
	stream, err := s.store.ListEvents(ctx, gateID)
	if err != nil {
		return nil, events.Head{}, err
	}
	head, err := s.store.StreamHead(ctx, gateID)
	if err != nil {
		return nil, events.Head{}, err
	}
	return stream, head, nil
}

// Receipt returns the signed settlement receipt of a resolved gate.
func (s *Service) Receipt(ctx context.Context, gateID string) (settlement.Receipt, error) {
	if _, err := s.store.GetGate(ctx, s.cfg.TenantID, gateID); err != nil {
		return settlement.Receipt{}, err
	}
	return s.store.GetReceipt(ctx, gateID)
}
