package maintenance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settld-gateway/internal/gates/domain"
	"settld-gateway/internal/gates/service"
	"settld-gateway/internal/infrastructure/metrics"
	"settld-gateway/internal/store"
	memorystore "settld-gateway/internal/store/memory"
	"settld-gateway/internal/tokens/keyset"
	"settld-gateway/pkg/crypto"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type flakyDispatcher struct {
	mu       sync.Mutex
	failures int
	attempts int
}

func (d *flakyDispatcher) Deliver(ctx context.Context, row store.OutboxRow) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.attempts <= d.failures {
		return errors.New("destination unreachable")
	}
	return nil
}

type schedFixture struct {
	scheduler  *Scheduler
	store      *memorystore.Store
	svc        *service.Service
	clock      *clock
	dispatcher *flakyDispatcher
}

func newSchedFixture(t *testing.T, failures int) *schedFixture {
	t.Helper()
	signer, err := crypto.GenerateSigningKey()
	require.NoError(t, err)

	st := memorystore.New()
	c := &clock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	svc := service.New(st, signer, keyset.SnapshotForSigningKey(signer), service.Config{
		TenantID:     "tnt_test",
		DemoAutofund: true,
	}, service.WithClock(c.Now))

	dispatcher := &flakyDispatcher{failures: failures}
	scheduler := New(st, svc, dispatcher, metrics.New(), Config{
		TenantID: "tnt_test",
		Backoff:  BackoffPolicy{BaseMs: 10, MaxMs: 100, RetryMax: 3},
	}).WithClock(c.Now)

	return &schedFixture{scheduler: scheduler, store: st, svc: svc, clock: c, dispatcher: dispatcher}
}

func (f *schedFixture) settledGateWithHold(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	created, err := f.svc.Create(ctx, "create-"+t.Name(), service.CreateRequest{
		PayerAgentID:       "payer",
		PayeeAgentID:       "payee",
		AmountCents:        500,
		Currency:           "USD",
		HoldbackBps:        1000,
		DisputeWindowMs:    60_000,
		AutoFundPayerCents: 500,
	})
	require.NoError(t, err)
	_, err = f.svc.AuthorizePayment(ctx, "auth-"+t.Name(), service.AuthorizeRequest{GateID: created.Gate.GateID})
	require.NoError(t, err)
	verified, err := f.svc.Verify(ctx, "verify-"+t.Name(), service.VerifyRequest{
		GateID:             created.Gate.GateID,
		VerificationStatus: "green",
	})
	require.NoError(t, err)
	require.NotEmpty(t, verified.HoldHash)
	return created.Gate.GateID
}

func TestTickReleasesDueHolds(t *testing.T) {
	f := newSchedFixture(t, 0)
	ctx := context.Background()

	gateID := f.settledGateWithHold(t)

	// Window still open: nothing to do.
	require.NoError(t, f.scheduler.Tick(ctx))
	gate, err := f.store.GetGate(ctx, "tnt_test", gateID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusVerified, gate.Status)

	f.clock.Advance(2 * time.Minute)
	require.NoError(t, f.scheduler.Tick(ctx))

	gate, err = f.store.GetGate(ctx, "tnt_test", gateID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusResolved, gate.Status)
}

func TestTickExpiresStaleGates(t *testing.T) {
	f := newSchedFixture(t, 0)
	ctx := context.Background()

	created, err := f.svc.Create(ctx, "create-exp", service.CreateRequest{
		PayerAgentID:       "payer",
		PayeeAgentID:       "payee",
		AmountCents:        100,
		Currency:           "USD",
		AutoFundPayerCents: 100,
	})
	require.NoError(t, err)
	_, err = f.svc.AuthorizePayment(ctx, "auth-exp", service.AuthorizeRequest{GateID: created.Gate.GateID})
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	require.NoError(t, f.scheduler.Tick(ctx))

	gate, err := f.store.GetGate(ctx, "tnt_test", created.Gate.GateID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, gate.Status)

	wallet, err := f.store.GetWallet(ctx, "tnt_test", "payer")
	require.NoError(t, err)
	assert.Equal(t, int64(100), wallet.AvailableCents, "reserve refunded in full")
}

func TestOutboxPumpRetriesWithBackoff(t *testing.T) {
	f := newSchedFixture(t, 2) // first two attempts fail
	ctx := context.Background()

	require.NoError(t, f.store.InsertDelivery(ctx, store.OutboxRow{
		DeliveryID:    "dlv_1",
		TenantID:      "tnt_test",
		DedupeKey:     "dk_1",
		Body:          []byte("{}"),
		NextAttemptAt: f.clock.Now(),
		CreatedAt:     f.clock.Now(),
	}))

	// Attempt 1 fails, reschedules.
	require.NoError(t, f.scheduler.RunOutboxPump(ctx))
	pending, err := f.store.PendingDeliveryCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	// Attempt 2 fails, attempt 3 succeeds.
	f.clock.Advance(time.Second)
	require.NoError(t, f.scheduler.RunOutboxPump(ctx))
	f.clock.Advance(time.Second)
	require.NoError(t, f.scheduler.RunOutboxPump(ctx))

	pending, err = f.store.PendingDeliveryCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
	assert.Equal(t, 3, f.dispatcher.attempts)
}

func TestOutboxPumpMarksPermanentFailure(t *testing.T) {
	f := newSchedFixture(t, 1000) // always fails, RetryMax = 3
	ctx := context.Background()

	require.NoError(t, f.store.InsertDelivery(ctx, store.OutboxRow{
		DeliveryID:    "dlv_1",
		TenantID:      "tnt_test",
		DedupeKey:     "dk_1",
		Body:          []byte("{}"),
		NextAttemptAt: f.clock.Now(),
		CreatedAt:     f.clock.Now(),
	}))

	for i := 0; i < 5; i++ {
		require.NoError(t, f.scheduler.RunOutboxPump(ctx))
		f.clock.Advance(time.Second)
	}

	pending, err := f.store.PendingDeliveryCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending, "permanently failed rows leave the pending set")
	assert.Equal(t, 3, f.dispatcher.attempts, "attempts stop at the retry ceiling")
}
