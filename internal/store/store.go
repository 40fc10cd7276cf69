package store

import (
	"context"
	"time"

	"settld-gateway/internal/escrow"
	"settld-gateway/internal/events"
	"settld-gateway/internal/gates/domain"
	"settld-gateway/internal/settlement"
)

// EventAppend is an event staged into a gate mutation. The store assigns seq
// and the chain hash under the transaction; when ExpectedPrevChainHash is
// non-nil the append fails with head metadata unless the stream head matches.
type EventAppend struct {
	StreamID              string
	Type                  string
	At                    time.Time
	Payload               map[string]interface{}
	ExpectedPrevChainHash *string
}

// WalletDelta moves funds on an agent wallet inside a gate mutation.
type WalletDelta struct {
	AgentID     string
	AmountCents int64
}

// GateMutation is the unit of atomicity for the gate state machine: the gate
// CAS, ledger appends, quote/authorization/decision rows, hold changes,
// events, outbox rows, and wallet movements commit together or not at all.
type GateMutation struct {
	Gate             domain.Gate
	ExpectedRevision int64
	WalletDebit      *WalletDelta
	WalletCredits    []WalletDelta
	LedgerEntries    []escrow.Entry
	Quote            *domain.Quote
	Authorization    *domain.Authorization
	Decision         *settlement.DecisionRecord
	Receipt          *settlement.Receipt
	HoldInserts      []escrow.Hold
	HoldUpdates      []escrow.Hold
	Events           []EventAppend
	Outbox           []OutboxRow
}

// IdempotencyRow caches one mutating operation keyed by (tenant, scope, key).
type IdempotencyRow struct {
	TenantID    string
	Scope       string
	Key         string
	RequestHash string
	Response    []byte
	CreatedAt   time.Time
}

// OutboxRow is one pending webhook delivery.
type OutboxRow struct {
	DeliveryID        string
	TenantID          string
	DedupeKey         string
	ArtifactType      string
	ArtifactHash      string
	DestinationID     string
	Body              []byte
	Attempts          int
	NextAttemptAt     time.Time
	AckedAt           *time.Time
	LastError         string
	PermanentlyFailed bool
	CreatedAt         time.Time
}

// DedupeRow binds a receiver-side dedupe key to the artifact it first carried.
type DedupeRow struct {
	DedupeKey    string
	ArtifactHash string
	DeliveryID   string
	ReceivedAt   time.Time
	StoredAt     *time.Time
	AckedAt      *time.Time
}

// Store is the transactional persistence contract shared by the in-memory
// and Postgres backends. Both must satisfy identical semantics; the gate
// service and maintenance scheduler are written against this interface only.
type Store interface {
	Ping(ctx context.Context) error

	// Gates
	InsertGate(ctx context.Context, g domain.Gate, initial EventAppend) error
	GetGate(ctx context.Context, tenantID, gateID string) (domain.Gate, error)
	ListGates(ctx context.Context, tenantID string, status domain.Status, limit int) ([]domain.Gate, error)
	ListExpiredGates(ctx context.Context, now time.Time, limit int) ([]domain.Gate, error)
	ApplyGateMutation(ctx context.Context, m GateMutation) error

	// Quotes and authorizations
	GetQuote(ctx context.Context, gateID, quoteID string) (domain.Quote, error)
	GetAuthorization(ctx context.Context, gateID, idempotencyKey string) (domain.Authorization, error)

	// Ledger, holds, decisions
	ListLedger(ctx context.Context, gateID string) ([]escrow.Entry, error)
	GetHold(ctx context.Context, holdHash string) (escrow.Hold, error)
	ListDueHolds(ctx context.Context, now time.Time, limit int) ([]escrow.Hold, error)
	GetDecision(ctx context.Context, gateID string) (settlement.DecisionRecord, error)
	GetReceipt(ctx context.Context, gateID string) (settlement.Receipt, error)

	// Event streams
	ListEvents(ctx context.Context, streamID string) ([]events.Event, error)
	StreamHead(ctx context.Context, streamID string) (events.Head, error)

	// Wallets
	GetWallet(ctx context.Context, tenantID, agentID string) (escrow.Wallet, error)
	CreditWallet(ctx context.Context, tenantID, agentID string, amountCents int64) (escrow.Wallet, error)

	// Idempotency. Upsert returns the stored row and whether this call
	// created it; SaveIdempotencyResponse attaches the cached response after
	// the operation commits.
	UpsertIdempotency(ctx context.Context, row IdempotencyRow) (IdempotencyRow, bool, error)
	SaveIdempotencyResponse(ctx context.Context, tenantID, scope, key string, response []byte) error

	// Outbox
	InsertDelivery(ctx context.Context, row OutboxRow) error
	DueDeliveries(ctx context.Context, now time.Time, limit int) ([]OutboxRow, error)
	MarkDeliveryResult(ctx context.Context, deliveryID string, attempts int, nextAttemptAt *time.Time, acked bool, lastError string, permanent bool) error
	PendingDeliveryCount(ctx context.Context) (int, error)

	// Receiver dedupe
	ClaimDedupe(ctx context.Context, row DedupeRow) (DedupeRow, bool, error)
	MarkDedupe(ctx context.Context, dedupeKey string, storedAt, ackedAt *time.Time) error

	// WithAdvisoryLock runs fn under a cooperative single-writer lock.
	WithAdvisoryLock(ctx context.Context, key string, fn func(context.Context) error) error
}
