package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"settld-gateway/internal/escrow"
	"settld-gateway/internal/events"
	"settld-gateway/internal/gates/domain"
	"settld-gateway/internal/settlement"
	"settld-gateway/internal/store"
	"settld-gateway/pkg/errors"
)

// Store is the in-memory reference implementation. A single mutex gives the
// same all-or-nothing semantics the Postgres transaction provides; the
// invariant checks run before any state is touched so a failed mutation
// leaves nothing behind.
type Store struct {
	mu sync.RWMutex

	gates          map[string]domain.Gate             // gateId
	quotes         map[string]domain.Quote            // quoteId
	authorizations map[string]domain.Authorization    // gateId + "\x00" + idemKey
	ledger         map[string][]escrow.Entry          // gateId
	holds          map[string]escrow.Hold             // holdHash
	decisions      map[string]settlement.DecisionRecord // gateId
	receipts       map[string]settlement.Receipt      // gateId
	streams        map[string][]events.Event          // streamId
	wallets        map[string]escrow.Wallet           // tenantId + "\x00" + agentId
	idempotency    map[string]store.IdempotencyRow    // tenantId + scope + key
	outbox         map[string]store.OutboxRow         // deliveryId
	dedupe         map[string]store.DedupeRow         // dedupeKey
	locks          map[string]*sync.Mutex
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		gates:          make(map[string]domain.Gate),
		quotes:         make(map[string]domain.Quote),
		authorizations: make(map[string]domain.Authorization),
		ledger:         make(map[string][]escrow.Entry),
		holds:          make(map[string]escrow.Hold),
		decisions:      make(map[string]settlement.DecisionRecord),
		receipts:       make(map[string]settlement.Receipt),
		streams:        make(map[string][]events.Event),
		wallets:        make(map[string]escrow.Wallet),
		idempotency:    make(map[string]store.IdempotencyRow),
		outbox:         make(map[string]store.OutboxRow),
		dedupe:         make(map[string]store.DedupeRow),
		locks:          make(map[string]*sync.Mutex),
	}
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func compositeKey(parts ...string) string {
	return strings.Join(parts, "\x00")
}

// InsertGate creates the gate row together with its genesis event.
func (s *Store) InsertGate(ctx context.Context, g domain.Gate, initial store.EventAppend) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.gates[g.GateID]; exists {
		return errors.ErrConcurrentModification.WithDetails("gateId", g.GateID)
	}
	if _, err := s.appendEventLocked(initial); err != nil {
		return err
	}
	s.gates[g.GateID] = g
	return nil
}

func (s *Store) GetGate(ctx context.Context, tenantID, gateID string) (domain.Gate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.gates[gateID]
	if !ok || (tenantID != "" && g.TenantID != tenantID) {
		return domain.Gate{}, errors.ErrNotFound.WithDetails("gateId", gateID)
	}
	return g, nil
}

func (s *Store) ListGates(ctx context.Context, tenantID string, status domain.Status, limit int) ([]domain.Gate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Gate, 0)
	for _, g := range s.gates {
		if tenantID != "" && g.TenantID != tenantID {
			continue
		}
		if status != "" && g.Status != status {
			continue
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListExpiredGates(ctx context.Context, now time.Time, limit int) ([]domain.Gate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Gate, 0)
	for _, g := range s.gates {
		if g.Status.Terminal() || g.Status == domain.StatusVerified || g.Status == domain.StatusDisputed {
			continue
		}
		if !g.ExpiresAt.IsZero() && now.After(g.ExpiresAt) {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ApplyGateMutation validates every piece of the mutation, then applies the
// whole set under the lock. Validation happens against copies so a failure
// is a clean rollback.
func (s *Store) ApplyGateMutation(ctx context.Context, m store.GateMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.gates[m.Gate.GateID]; !ok {
		return errors.ErrNotFound.WithDetails("gateId", m.Gate.GateID)
	}

	// Event chain preconditions come first: a lost race on the stream head
	// surfaces as SESSION_EVENT_APPEND_CONFLICT with head metadata.
	stagedStreams := make(map[string][]events.Event)
	for _, ea := range m.Events {
		stream := append(append([]events.Event(nil), s.streams[ea.StreamID]...), stagedStreams[ea.StreamID]...)
		head := headOf(stream)
		if ea.ExpectedPrevChainHash != nil && *ea.ExpectedPrevChainHash != head.HeadChainHash {
			return events.AppendConflict(head, *ea.ExpectedPrevChainHash)
		}
		chainHash, err := events.ChainHash(head.HeadChainHash, ea.Payload)
		if err != nil {
			return err
		}
		stagedStreams[ea.StreamID] = append(stagedStreams[ea.StreamID], events.Event{
			EventID:       "evt_" + uuid.New().String(),
			StreamID:      ea.StreamID,
			Seq:           head.HeadSeq + 1,
			At:            ea.At,
			Type:          ea.Type,
			Payload:       ea.Payload,
			PrevChainHash: head.HeadChainHash,
			ChainHash:     chainHash,
		})
	}

	current := s.gates[m.Gate.GateID]
	if current.Revision != m.ExpectedRevision {
		return errors.ErrConcurrentModification.
			WithDetails("expectedRevision", m.ExpectedRevision).
			WithDetails("actualRevision", current.Revision)
	}
	if current.AmountCents != m.Gate.AmountCents {
		return errors.ErrValidation.WithMessage("amountCents is immutable")
	}

	// Wallet preconditions.
	if m.WalletDebit != nil {
		w := s.wallets[compositeKey(m.Gate.TenantID, m.WalletDebit.AgentID)]
		if w.AvailableCents < m.WalletDebit.AmountCents {
			return errors.ErrInsufficientFunds.
				WithDetails("available", w.AvailableCents).
				WithDetails("required", m.WalletDebit.AmountCents)
		}
	}

	// Ledger invariants.
	staged := append([]escrow.Entry(nil), s.ledger[m.Gate.GateID]...)
	for _, entry := range m.LedgerEntries {
		if err := escrow.CheckAppend(staged, entry); err != nil {
			return err
		}
		staged = append(staged, entry)
	}

	for _, h := range m.HoldUpdates {
		if _, ok := s.holds[h.HoldHash]; !ok {
			return errors.ErrHoldNotFound.WithDetails("holdHash", h.HoldHash)
		}
	}

	// Commit.
	if m.WalletDebit != nil {
		key := compositeKey(m.Gate.TenantID, m.WalletDebit.AgentID)
		w := s.wallets[key]
		w.AgentID = m.WalletDebit.AgentID
		w.TenantID = m.Gate.TenantID
		w.AvailableCents -= m.WalletDebit.AmountCents
		w.UpdatedAt = m.Gate.UpdatedAt
		s.wallets[key] = w
	}
	for _, credit := range m.WalletCredits {
		key := compositeKey(m.Gate.TenantID, credit.AgentID)
		w := s.wallets[key]
		w.AgentID = credit.AgentID
		w.TenantID = m.Gate.TenantID
		w.AvailableCents += credit.AmountCents
		w.UpdatedAt = m.Gate.UpdatedAt
		s.wallets[key] = w
	}
	s.gates[m.Gate.GateID] = m.Gate
	s.ledger[m.Gate.GateID] = staged
	if m.Quote != nil {
		s.quotes[m.Quote.QuoteID] = *m.Quote
	}
	if m.Authorization != nil {
		s.authorizations[compositeKey(m.Authorization.GateID, m.Authorization.IdempotencyKey)] = *m.Authorization
	}
	if m.Decision != nil {
		s.decisions[m.Gate.GateID] = *m.Decision
	}
	if m.Receipt != nil {
		s.receipts[m.Gate.GateID] = *m.Receipt
	}
	for _, h := range m.HoldInserts {
		s.holds[h.HoldHash] = h
	}
	for _, h := range m.HoldUpdates {
		s.holds[h.HoldHash] = h
	}
	for streamID, staged := range stagedStreams {
		s.streams[streamID] = append(s.streams[streamID], staged...)
	}
	for _, row := range m.Outbox {
		s.outbox[row.DeliveryID] = row
	}
	return nil
}

func (s *Store) GetQuote(ctx context.Context, gateID, quoteID string) (domain.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.quotes[quoteID]
	if !ok || q.GateID != gateID {
		return domain.Quote{}, errors.ErrNotFound.WithDetails("quoteId", quoteID)
	}
	return q, nil
}

func (s *Store) GetAuthorization(ctx context.Context, gateID, idempotencyKey string) (domain.Authorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.authorizations[compositeKey(gateID, idempotencyKey)]
	if !ok {
		return domain.Authorization{}, errors.ErrNotFound.WithDetails("gateId", gateID)
	}
	return a, nil
}

func (s *Store) ListLedger(ctx context.Context, gateID string) ([]escrow.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]escrow.Entry(nil), s.ledger[gateID]...), nil
}

func (s *Store) GetHold(ctx context.Context, holdHash string) (escrow.Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.holds[holdHash]
	if !ok {
		return escrow.Hold{}, errors.ErrHoldNotFound.WithDetails("holdHash", holdHash)
	}
	return h, nil
}

func (s *Store) ListDueHolds(ctx context.Context, now time.Time, limit int) ([]escrow.Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]escrow.Hold, 0)
	for _, h := range s.holds {
		if h.DueForAutoRelease(now) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ChallengeWindowEndsAt.Before(out[j].ChallengeWindowEndsAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetDecision(ctx context.Context, gateID string) (settlement.DecisionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.decisions[gateID]
	if !ok {
		return settlement.DecisionRecord{}, errors.ErrNotFound.WithDetails("gateId", gateID)
	}
	return d, nil
}

func (s *Store) GetReceipt(ctx context.Context, gateID string) (settlement.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.receipts[gateID]
	if !ok {
		return settlement.Receipt{}, errors.ErrNotFound.WithDetails("gateId", gateID)
	}
	return r, nil
}

func (s *Store) ListEvents(ctx context.Context, streamID string) ([]events.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]events.Event(nil), s.streams[streamID]...), nil
}

func (s *Store) StreamHead(ctx context.Context, streamID string) (events.Head, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return headOf(s.streams[streamID]), nil
}

func headOf(stream []events.Event) events.Head {
	head := events.Head{HeadChainHash: events.GenesisPrevHash}
	if len(stream) == 0 {
		return head
	}
	head.HeadSeq = stream[len(stream)-1].Seq
	head.HeadChainHash = stream[len(stream)-1].ChainHash
	head.FirstEventID = stream[0].EventID
	head.LastEventID = stream[len(stream)-1].EventID
	return head
}

func (s *Store) appendEventLocked(ea store.EventAppend) (events.Event, error) {
	stream := s.streams[ea.StreamID]
	head := headOf(stream)
	if ea.ExpectedPrevChainHash != nil && *ea.ExpectedPrevChainHash != head.HeadChainHash {
		return events.Event{}, events.AppendConflict(head, *ea.ExpectedPrevChainHash)
	}
	chainHash, err := events.ChainHash(head.HeadChainHash, ea.Payload)
	if err != nil {
		return events.Event{}, err
	}
	event := events.Event{
		EventID:       "evt_" + uuid.New().String(),
		StreamID:      ea.StreamID,
		Seq:           head.HeadSeq + 1,
		At:            ea.At,
		Type:          ea.Type,
		Payload:       ea.Payload,
		PrevChainHash: head.HeadChainHash,
		ChainHash:     chainHash,
	}
	s.streams[ea.StreamID] = append(stream, event)
	return event, nil
}

func (s *Store) GetWallet(ctx context.Context, tenantID, agentID string) (escrow.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[compositeKey(tenantID, agentID)]
	if !ok {
		return escrow.Wallet{AgentID: agentID, TenantID: tenantID}, nil
	}
	return w, nil
}

func (s *Store) CreditWallet(ctx context.Context, tenantID, agentID string, amountCents int64) (escrow.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := compositeKey(tenantID, agentID)
	w := s.wallets[key]
	w.AgentID = agentID
	w.TenantID = tenantID
	w.AvailableCents += amountCents
	w.UpdatedAt = time.Now()
	s.wallets[key] = w
	return w, nil
}

func (s *Store) UpsertIdempotency(ctx context.Context, row store.IdempotencyRow) (store.IdempotencyRow, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := compositeKey(row.TenantID, row.Scope, row.Key)
	if existing, ok := s.idempotency[key]; ok {
		return existing, false, nil
	}
	s.idempotency[key] = row
	return row, true, nil
}

func (s *Store) SaveIdempotencyResponse(ctx context.Context, tenantID, scope, key string, response []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	composite := compositeKey(tenantID, scope, key)
	row, ok := s.idempotency[composite]
	if !ok {
		return errors.ErrNotFound.WithDetails("idempotencyKey", key)
	}
	row.Response = response
	s.idempotency[composite] = row
	return nil
}

func (s *Store) InsertDelivery(ctx context.Context, row store.OutboxRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox[row.DeliveryID] = row
	return nil
}

func (s *Store) DueDeliveries(ctx context.Context, now time.Time, limit int) ([]store.OutboxRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]store.OutboxRow, 0)
	for _, row := range s.outbox {
		if row.AckedAt != nil || row.PermanentlyFailed {
			continue
		}
		if !row.NextAttemptAt.After(now) {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkDeliveryResult(ctx context.Context, deliveryID string, attempts int, nextAttemptAt *time.Time, acked bool, lastError string, permanent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.outbox[deliveryID]
	if !ok {
		return errors.ErrNotFound.WithDetails("deliveryId", deliveryID)
	}
	row.Attempts = attempts
	row.LastError = lastError
	row.PermanentlyFailed = permanent
	if nextAttemptAt != nil {
		row.NextAttemptAt = *nextAttemptAt
	}
	if acked {
		now := time.Now()
		row.AckedAt = &now
	}
	s.outbox[deliveryID] = row
	return nil
}

func (s *Store) PendingDeliveryCount(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, row := range s.outbox {
		if row.AckedAt == nil && !row.PermanentlyFailed {
			count++
		}
	}
	return count, nil
}

func (s *Store) ClaimDedupe(ctx context.Context, row store.DedupeRow) (store.DedupeRow, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.dedupe[row.DedupeKey]; ok {
		return existing, false, nil
	}
	s.dedupe[row.DedupeKey] = row
	return row, true, nil
}

func (s *Store) MarkDedupe(ctx context.Context, dedupeKey string, storedAt, ackedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.dedupe[dedupeKey]
	if !ok {
		return errors.ErrNotFound.WithDetails("dedupeKey", dedupeKey)
	}
	if storedAt != nil {
		row.StoredAt = storedAt
	}
	if ackedAt != nil {
		row.AckedAt = ackedAt
	}
	s.dedupe[dedupeKey] = row
	return nil
}

// WithAdvisoryLock serializes fn per key. The keyed mutex mirrors the
// Postgres advisory lock semantics closely enough for single-process use.
func (s *Store) WithAdvisoryLock(ctx context.Context, key string, fn func(context.Context) error) error {
	s.mu.Lock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	if err := ctx.Err(); err != nil {
		return errors.ErrStoreLockTimeout.Wrap(err)
	}
	return fn(ctx)
}
