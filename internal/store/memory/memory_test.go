package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settld-gateway/internal/escrow"
	"settld-gateway/internal/gates/domain"
	"settld-gateway/internal/store"
	pkgerrors "settld-gateway/pkg/errors"
)

func seedGate(t *testing.T, s *Store) domain.Gate {
	t.Helper()
	now := time.Now()
	gate := domain.Gate{
		GateID:       "gate_1",
		TenantID:     "tnt_1",
		PayerAgentID: "payer",
		PayeeAgentID: "payee",
		AmountCents:  1000,
		Currency:     "USD",
		Status:       domain.StatusCreated,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(time.Hour),
		Revision:     1,
	}
	require.NoError(t, s.InsertGate(context.Background(), gate, store.EventAppend{
		StreamID: gate.GateID,
		Type:     domain.EventGateCreated,
		At:       now,
		Payload:  map[string]interface{}{"type": domain.EventGateCreated},
	}))
	return gate
}

func TestRevisionCAS(t *testing.T) {
	s := New()
	ctx := context.Background()
	gate := seedGate(t, s)

	next := gate
	next.Status = domain.StatusQuoted
	next.Revision = 2
	require.NoError(t, s.ApplyGateMutation(ctx, store.GateMutation{
		Gate:             next,
		ExpectedRevision: 1,
	}))

	// Stale revision loses.
	stale := gate
	stale.Status = domain.StatusAuthorized
	stale.Revision = 2
	err := s.ApplyGateMutation(ctx, store.GateMutation{
		Gate:             stale,
		ExpectedRevision: 1,
	})
	assert.ErrorIs(t, err, pkgerrors.ErrConcurrentModification)
}

func TestEventAppendConflictCarriesHead(t *testing.T) {
	s := New()
	ctx := context.Background()
	gate := seedGate(t, s)

	head, err := s.StreamHead(ctx, gate.GateID)
	require.NoError(t, err)
	staleHead := head.HeadChainHash

	// First writer advances the stream.
	first := gate
	first.Revision = 2
	require.NoError(t, s.ApplyGateMutation(ctx, store.GateMutation{
		Gate:             first,
		ExpectedRevision: 1,
		Events: []store.EventAppend{{
			StreamID:              gate.GateID,
			Type:                  domain.EventGateQuoted,
			At:                    time.Now(),
			Payload:               map[string]interface{}{"type": domain.EventGateQuoted},
			ExpectedPrevChainHash: &staleHead,
		}},
	}))

	// Second writer still holds the old head: append conflict with metadata,
	// and the conflict wins over the revision check.
	second := gate
	second.Revision = 3
	err = s.ApplyGateMutation(ctx, store.GateMutation{
		Gate:             second,
		ExpectedRevision: 2,
		Events: []store.EventAppend{{
			StreamID:              gate.GateID,
			Type:                  domain.EventGateVerified,
			At:                    time.Now(),
			Payload:               map[string]interface{}{"type": domain.EventGateVerified},
			ExpectedPrevChainHash: &staleHead,
		}},
	})
	require.ErrorIs(t, err, pkgerrors.ErrEventAppendConflict)

	domainErr := pkgerrors.From(err)
	require.NotNil(t, domainErr)
	assert.Equal(t, staleHead, domainErr.Details["expectedPrevChainHash"])
	assert.NotEqual(t, staleHead, domainErr.Details["gotPrevChainHash"])
	assert.Equal(t, int64(2), domainErr.Details["headSeq"])

	// Nothing was double-written.
	stream, err := s.ListEvents(ctx, gate.GateID)
	require.NoError(t, err)
	assert.Len(t, stream, 2)
}

func TestFailedMutationRollsBackEverything(t *testing.T) {
	s := New()
	ctx := context.Background()
	gate := seedGate(t, s)

	// Ledger entry with a lying balance fails the whole mutation.
	next := gate
	next.Revision = 2
	err := s.ApplyGateMutation(ctx, store.GateMutation{
		Gate:             next,
		ExpectedRevision: 1,
		LedgerEntries: []escrow.Entry{{
			EntryID:       "led_bad",
			GateID:        gate.GateID,
			Phase:         escrow.PhaseReserve,
			AmountCents:   1000,
			BalanceBefore: 5, // actual balance is 0
			BalanceAfter:  1005,
			At:            time.Now(),
		}},
		Events: []store.EventAppend{{
			StreamID: gate.GateID,
			Type:     domain.EventGateAuthorized,
			At:       time.Now(),
			Payload:  map[string]interface{}{"type": domain.EventGateAuthorized},
		}},
	})
	require.Error(t, err)

	// Gate untouched, no event appended, no ledger row.
	current, err := s.GetGate(ctx, "tnt_1", gate.GateID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), current.Revision)
	stream, err := s.ListEvents(ctx, gate.GateID)
	require.NoError(t, err)
	assert.Len(t, stream, 1)
	ledger, err := s.ListLedger(ctx, gate.GateID)
	require.NoError(t, err)
	assert.Empty(t, ledger)
}

func TestWalletDebitRequiresFunds(t *testing.T) {
	s := New()
	ctx := context.Background()
	gate := seedGate(t, s)

	next := gate
	next.Revision = 2
	err := s.ApplyGateMutation(ctx, store.GateMutation{
		Gate:             next,
		ExpectedRevision: 1,
		WalletDebit:      &store.WalletDelta{AgentID: "payer", AmountCents: 1000},
	})
	assert.ErrorIs(t, err, pkgerrors.ErrInsufficientFunds)

	_, err = s.CreditWallet(ctx, "tnt_1", "payer", 1500)
	require.NoError(t, err)
	require.NoError(t, s.ApplyGateMutation(ctx, store.GateMutation{
		Gate:             next,
		ExpectedRevision: 1,
		WalletDebit:      &store.WalletDelta{AgentID: "payer", AmountCents: 1000},
	}))

	wallet, err := s.GetWallet(ctx, "tnt_1", "payer")
	require.NoError(t, err)
	assert.Equal(t, int64(500), wallet.AvailableCents)
}

func TestIdempotencyUpsert(t *testing.T) {
	s := New()
	ctx := context.Background()

	row := store.IdempotencyRow{
		TenantID:    "tnt_1",
		Scope:       "gate.create",
		Key:         "k1",
		RequestHash: "h1",
		CreatedAt:   time.Now(),
	}
	_, created, err := s.UpsertIdempotency(ctx, row)
	require.NoError(t, err)
	assert.True(t, created)

	require.NoError(t, s.SaveIdempotencyResponse(ctx, "tnt_1", "gate.create", "k1", []byte(`{"ok":true}`)))

	stored, created, err := s.UpsertIdempotency(ctx, row)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "h1", stored.RequestHash)
	assert.Equal(t, []byte(`{"ok":true}`), stored.Response)
}

func TestDedupeClaim(t *testing.T) {
	s := New()
	ctx := context.Background()

	row := store.DedupeRow{DedupeKey: "dk", ArtifactHash: "h1", DeliveryID: "dlv_1", ReceivedAt: time.Now()}
	_, created, err := s.ClaimDedupe(ctx, row)
	require.NoError(t, err)
	assert.True(t, created)

	// Replay with the same hash binds to the original row.
	again, created, err := s.ClaimDedupe(ctx, store.DedupeRow{DedupeKey: "dk", ArtifactHash: "h1", DeliveryID: "dlv_2"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "dlv_1", again.DeliveryID)
	assert.Equal(t, "h1", again.ArtifactHash)
}

func TestOutboxDueOrdering(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	for i, offset := range []time.Duration{2 * time.Minute, -time.Minute, -2 * time.Minute} {
		require.NoError(t, s.InsertDelivery(ctx, store.OutboxRow{
			DeliveryID:    "dlv_" + string(rune('a'+i)),
			TenantID:      "tnt_1",
			DedupeKey:     "dk_" + string(rune('a'+i)),
			Body:          []byte("{}"),
			NextAttemptAt: now.Add(offset),
			CreatedAt:     now,
		}))
	}

	due, err := s.DueDeliveries(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "dlv_c", due[0].DeliveryID)

	require.NoError(t, s.MarkDeliveryResult(ctx, "dlv_c", 1, nil, true, "", false))
	pending, err := s.PendingDeliveryCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
}

func TestAdvisoryLockSerializes(t *testing.T) {
	s := New()
	ctx := context.Background()

	entered := 0
	done := make(chan struct{})
	go func() {
		_ = s.WithAdvisoryLock(ctx, "maint:tnt_1", func(ctx context.Context) error {
			entered++
			time.Sleep(50 * time.Millisecond)
			return nil
		})
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.WithAdvisoryLock(ctx, "maint:tnt_1", func(ctx context.Context) error {
		entered++
		return nil
	}))
	<-done
	assert.Equal(t, 2, entered)
}
