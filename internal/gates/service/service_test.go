package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settld-gateway/internal/escrow"
	"settld-gateway/internal/events"
	"settld-gateway/internal/gates/domain"
	"settld-gateway/internal/settlement"
	memorystore "settld-gateway/internal/store/memory"
	"settld-gateway/internal/tokens"
	"settld-gateway/internal/tokens/keyset"
	"settld-gateway/pkg/crypto"
	pkgerrors "settld-gateway/pkg/errors"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc     *Service
	store   *memorystore.Store
	clock   *testClock
	signer  *crypto.SigningKey
	gateSeq int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	signer, err := crypto.GenerateSigningKey()
	require.NoError(t, err)

	st := memorystore.New()
	clock := newTestClock()
	svc := New(st, signer, keyset.SnapshotForSigningKey(signer), Config{
		TenantID:             "tnt_test",
		DemoAutofund:         true,
		WebhookDestinationID: "dest_test",
	}, WithClock(clock.Now))

	return &fixture{svc: svc, store: st, clock: clock, signer: signer}
}

func (f *fixture) createGate(t *testing.T, req CreateRequest) domain.Gate {
	t.Helper()
	f.gateSeq++
	if req.PayerAgentID == "" {
		req.PayerAgentID = "agent_payer"
	}
	if req.PayeeAgentID == "" {
		req.PayeeAgentID = "agent_payee"
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}
	resp, err := f.svc.Create(context.Background(), fmt.Sprintf("create-%s-%d", t.Name(), f.gateSeq), req)
	require.NoError(t, err)
	return resp.Gate
}

func TestHappyAutopay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gate := f.createGate(t, CreateRequest{
		AmountCents:        1000,
		AutoFundPayerCents: 1000,
	})
	assert.Equal(t, domain.StatusCreated, gate.Status)
	assert.Equal(t, int64(1), gate.Revision)

	authorized, err := f.svc.AuthorizePayment(ctx, "auth-1", AuthorizeRequest{GateID: gate.GateID})
	require.NoError(t, err)
	assert.NotEmpty(t, authorized.Token)
	assert.NotEmpty(t, authorized.AuthorizationRef)

	verified, err := f.svc.Verify(ctx, "verify-1", VerifyRequest{
		GateID:             gate.GateID,
		VerificationStatus: "green",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusResolved, verified.Gate.Status)
	assert.Equal(t, settlement.StatusGreen, verified.Settlement.VerificationStatus)
	assert.Equal(t, int64(1000), verified.Settlement.ReleasedAmountCents)
	assert.Equal(t, int64(0), verified.Settlement.RefundedAmountCents)
	assert.Equal(t, int64(0), verified.Settlement.HeldbackAmountCents)

	// Resolved gate: ledger sums to zero and the payee wallet got the funds.
	ledger, err := f.store.ListLedger(ctx, gate.GateID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), escrow.Balance(ledger))

	payee, err := f.store.GetWallet(ctx, "tnt_test", "agent_payee")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), payee.AvailableCents)

	payer, err := f.store.GetWallet(ctx, "tnt_test", "agent_payer")
	require.NoError(t, err)
	assert.Equal(t, int64(0), payer.AvailableCents)

	// Event stream is a valid hash chain with no gaps.
	stream, err := f.store.ListEvents(ctx, gate.GateID)
	require.NoError(t, err)
	require.NoError(t, events.VerifyChain(stream))
	assert.Equal(t, domain.EventGateCreated, stream[0].Type)
}

func TestRedRefundsEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gate := f.createGate(t, CreateRequest{AmountCents: 1000, AutoFundPayerCents: 1000})
	_, err := f.svc.AuthorizePayment(ctx, "auth-1", AuthorizeRequest{GateID: gate.GateID})
	require.NoError(t, err)

	verified, err := f.svc.Verify(ctx, "verify-1", VerifyRequest{
		GateID:             gate.GateID,
		VerificationStatus: "red",
		VerificationCodes:  []string{"X402_UPSTREAM_STATUS_500"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), verified.Settlement.ReleasedAmountCents)
	assert.Equal(t, int64(1000), verified.Settlement.RefundedAmountCents)
	assert.Contains(t, verified.Settlement.ReasonCodes, "X402_UPSTREAM_STATUS_500")

	payer, err := f.store.GetWallet(ctx, "tnt_test", "agent_payer")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), payer.AvailableCents, "refund lands back on the payer")
}

func TestHoldbackLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gate := f.createGate(t, CreateRequest{
		AmountCents:        500,
		HoldbackBps:        1000,
		DisputeWindowMs:    60_000,
		AutoFundPayerCents: 500,
	})
	_, err := f.svc.AuthorizePayment(ctx, "auth-1", AuthorizeRequest{GateID: gate.GateID})
	require.NoError(t, err)

	verified, err := f.svc.Verify(ctx, "verify-1", VerifyRequest{
		GateID:             gate.GateID,
		VerificationStatus: "green",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(450), verified.Settlement.ReleasedAmountCents)
	assert.Equal(t, int64(50), verified.Settlement.HeldbackAmountCents)
	assert.Equal(t, domain.StatusVerified, verified.Gate.Status)
	require.NotEmpty(t, verified.HoldHash)

	hold, err := f.svc.GetHold(ctx, verified.HoldHash)
	require.NoError(t, err)
	assert.Equal(t, escrow.HoldHeld, hold.Status)

	// Before the window closes the sweep is a no-op.
	released, err := f.svc.AutoReleaseHold(ctx, verified.HoldHash)
	require.NoError(t, err)
	assert.False(t, released)

	f.clock.Advance(61 * time.Second)
	released, err = f.svc.AutoReleaseHold(ctx, verified.HoldHash)
	require.NoError(t, err)
	assert.True(t, released)

	// Second sweep is idempotent.
	released, err = f.svc.AutoReleaseHold(ctx, verified.HoldHash)
	require.NoError(t, err)
	assert.False(t, released)

	final, _, err := f.svc.GetGate(ctx, gate.GateID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusResolved, final.Status)

	payee, err := f.store.GetWallet(ctx, "tnt_test", "agent_payee")
	require.NoError(t, err)
	assert.Equal(t, int64(500), payee.AvailableCents, "released + auto-released holdback")

	ledger, err := f.store.ListLedger(ctx, gate.GateID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), escrow.Balance(ledger))
}

func TestDisputedHoldBlocksAutoRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gate := f.createGate(t, CreateRequest{
		AmountCents:        500,
		HoldbackBps:        1000,
		DisputeWindowMs:    60_000,
		AutoFundPayerCents: 500,
	})
	_, err := f.svc.AuthorizePayment(ctx, "auth-1", AuthorizeRequest{GateID: gate.GateID})
	require.NoError(t, err)
	verified, err := f.svc.Verify(ctx, "verify-1", VerifyRequest{
		GateID:             gate.GateID,
		VerificationStatus: "green",
	})
	require.NoError(t, err)

	_, err = f.svc.ChallengeHold(ctx, "challenge-1", ChallengeRequest{HoldHash: verified.HoldHash})
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	for i := 0; i < 5; i++ {
		released, err := f.svc.AutoReleaseHold(ctx, verified.HoldHash)
		require.NoError(t, err)
		assert.False(t, released, "disputed hold must survive every sweep")
	}

	// Verdict refunds the payer.
	_, err = f.svc.ResolveHold(ctx, "verdict-1", VerdictRequest{
		HoldHash: verified.HoldHash,
		Outcome:  "refunded",
	})
	require.NoError(t, err)

	payer, err := f.store.GetWallet(ctx, "tnt_test", "agent_payer")
	require.NoError(t, err)
	assert.Equal(t, int64(50), payer.AvailableCents)

	final, _, err := f.svc.GetGate(ctx, gate.GateID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusResolved, final.Status)
}

func TestIdempotentCreateReplays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := CreateRequest{
		PayerAgentID: "agent_payer",
		PayeeAgentID: "agent_payee",
		AmountCents:  1000,
		Currency:     "USD",
	}
	first, err := f.svc.Create(ctx, "same-key", req)
	require.NoError(t, err)
	second, err := f.svc.Create(ctx, "same-key", req)
	require.NoError(t, err)
	assert.Equal(t, first.Gate.GateID, second.Gate.GateID)
	assert.Equal(t, first, second)

	// Same key, different request: conflict.
	req.AmountCents = 2000
	_, err = f.svc.Create(ctx, "same-key", req)
	assert.ErrorIs(t, err, pkgerrors.ErrIdempotencyConflict)
}

func TestAuthorizeReplayReturnsSameToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gate := f.createGate(t, CreateRequest{AmountCents: 1000, AutoFundPayerCents: 1000})
	first, err := f.svc.AuthorizePayment(ctx, "auth-key", AuthorizeRequest{GateID: gate.GateID})
	require.NoError(t, err)

	second, err := f.svc.AuthorizePayment(ctx, "auth-key", AuthorizeRequest{GateID: gate.GateID})
	require.NoError(t, err)
	assert.Equal(t, first.Token, second.Token, "live replay returns byte-identical token")
	assert.Equal(t, first.AuthorizationRef, second.AuthorizationRef)

	// Only one reserve was taken.
	ledger, err := f.store.ListLedger(ctx, gate.GateID)
	require.NoError(t, err)
	assert.Len(t, ledger, 1)

	// Past the token TTL the replay fails closed.
	f.clock.Advance(tokens.DefaultTTL + time.Minute)
	_, err = f.svc.AuthorizePayment(ctx, "auth-key", AuthorizeRequest{GateID: gate.GateID})
	assert.ErrorIs(t, err, pkgerrors.ErrAuthTokenExpiredReplay)
}

func TestAuthorizeInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	gate := f.createGate(t, CreateRequest{AmountCents: 1000})

	_, err := f.svc.AuthorizePayment(context.Background(), "auth-1", AuthorizeRequest{GateID: gate.GateID})
	assert.ErrorIs(t, err, pkgerrors.ErrInsufficientFunds)
}

func TestQuoteStrictBindingFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gate := f.createGate(t, CreateRequest{AmountCents: 1000, AutoFundPayerCents: 1000})

	// Strict mode without a binding hash fails closed.
	_, err := f.svc.Quote(ctx, "quote-bad", QuoteRequest{
		GateID:             gate.GateID,
		RequestBindingMode: "strict",
	})
	assert.ErrorIs(t, err, pkgerrors.ErrQuoteBindingMissing)

	bindingHash, err := tokens.BindingHash("GET", "api.example.com", "/exa/search?q=pilot+health", nil)
	require.NoError(t, err)

	quoted, err := f.svc.Quote(ctx, "quote-1", QuoteRequest{
		GateID:             gate.GateID,
		RequestBindingMode: "strict",
		RequestBindingHash: bindingHash,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, quoted.Quote.QuoteHash)

	// Authorization must name the quoted quoteId.
	_, err = f.svc.AuthorizePayment(ctx, "auth-wrong", AuthorizeRequest{GateID: gate.GateID})
	assert.ErrorIs(t, err, pkgerrors.ErrAuthQuoteBindingMismatch)

	authorized, err := f.svc.AuthorizePayment(ctx, "auth-1", AuthorizeRequest{
		GateID:  gate.GateID,
		QuoteID: quoted.Quote.QuoteID,
	})
	require.NoError(t, err)

	// The minted token carries the strict binding.
	payload, err := tokens.Verify(authorized.Token, tokens.VerifyOptions{
		TenantID: "tnt_test",
		Keys:     keyset.SnapshotForSigningKey(f.signer),
		Now:      f.clock.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, tokens.BindingStrict, payload.RequestBindingMode)
	assert.Equal(t, bindingHash, payload.RequestBindingHash)

	// A retry whose body differs from the anchored hash settles red.
	verified, err := f.svc.Verify(ctx, "verify-1", VerifyRequest{
		GateID:             gate.GateID,
		VerificationStatus: "red",
		VerificationCodes:  []string{"SETTLDPAY_REQUEST_BINDING_MISMATCH"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), verified.Settlement.RefundedAmountCents)
	assert.Contains(t, verified.Settlement.ReasonCodes, "SETTLDPAY_REQUEST_BINDING_MISMATCH")
}

func TestVerifyReplaysIdempotently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gate := f.createGate(t, CreateRequest{AmountCents: 1000, AutoFundPayerCents: 1000})
	_, err := f.svc.AuthorizePayment(ctx, "auth-1", AuthorizeRequest{GateID: gate.GateID})
	require.NoError(t, err)

	req := VerifyRequest{GateID: gate.GateID, VerificationStatus: "green"}
	first, err := f.svc.Verify(ctx, "verify-key", req)
	require.NoError(t, err)
	second, err := f.svc.Verify(ctx, "verify-key", req)
	require.NoError(t, err)
	assert.Equal(t, first.Settlement.DecisionHash, second.Settlement.DecisionHash)

	// A second settlement attempt under a new key is rejected: the gate left
	// authorized state, and the ledger stays settled exactly once.
	_, err = f.svc.Verify(ctx, "verify-other", req)
	assert.ErrorIs(t, err, pkgerrors.ErrGateInvalidState)

	ledger, err := f.store.ListLedger(ctx, gate.GateID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), escrow.Balance(ledger))
}

func TestVerifyPinnedProviderKeyFailsClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	provider, err := crypto.GenerateSigningKey()
	require.NoError(t, err)
	providerPEM, err := provider.PublicKeyPEM()
	require.NoError(t, err)

	gate := f.createGate(t, CreateRequest{
		AmountCents:          1000,
		AutoFundPayerCents:   1000,
		ProviderPublicKeyPem: string(providerPEM),
	})
	_, err = f.svc.AuthorizePayment(ctx, "auth-1", AuthorizeRequest{GateID: gate.GateID})
	require.NoError(t, err)

	// Green verdict without a provider signature forces red.
	verified, err := f.svc.Verify(ctx, "verify-1", VerifyRequest{
		GateID:             gate.GateID,
		VerificationStatus: "green",
		ResponseSha256:     "ab12",
	})
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusRed, verified.Settlement.VerificationStatus)
	assert.Contains(t, verified.Settlement.ReasonCodes, pkgerrors.CodeProviderSignatureMissing)
	assert.Equal(t, int64(1000), verified.Settlement.RefundedAmountCents)
}

func TestVerifyAcceptsValidProviderSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	provider, err := crypto.GenerateSigningKey()
	require.NoError(t, err)
	providerPEM, err := provider.PublicKeyPEM()
	require.NoError(t, err)

	gate := f.createGate(t, CreateRequest{
		AmountCents:          1000,
		AutoFundPayerCents:   1000,
		ProviderPublicKeyPem: string(providerPEM),
	})
	_, err = f.svc.AuthorizePayment(ctx, "auth-1", AuthorizeRequest{GateID: gate.GateID})
	require.NoError(t, err)

	responseHash := crypto.SHA256HexString(`{"ok":true}`)
	signature, err := tokens.SignResponse(tokens.ResponseSignaturePayload{
		GateID:       gate.GateID,
		ResponseHash: responseHash,
		SignedAt:     f.clock.Now().UnixMilli(),
	}, provider)
	require.NoError(t, err)

	verified, err := f.svc.Verify(ctx, "verify-1", VerifyRequest{
		GateID:             gate.GateID,
		VerificationStatus: "green",
		ResponseSha256:     responseHash,
		ProviderSignature:  signature,
	})
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusGreen, verified.Settlement.VerificationStatus)
	assert.Equal(t, int64(1000), verified.Settlement.ReleasedAmountCents)
}

func TestExpireRefundsReserve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gate := f.createGate(t, CreateRequest{AmountCents: 1000, AutoFundPayerCents: 1000})
	_, err := f.svc.AuthorizePayment(ctx, "auth-1", AuthorizeRequest{GateID: gate.GateID})
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	expired, err := f.svc.ExpireGate(ctx, gate.GateID)
	require.NoError(t, err)
	assert.True(t, expired)

	payer, err := f.store.GetWallet(ctx, "tnt_test", "agent_payer")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), payer.AvailableCents)

	final, _, err := f.svc.GetGate(ctx, gate.GateID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, final.Status)

	// Idempotent.
	expired, err = f.svc.ExpireGate(ctx, gate.GateID)
	require.NoError(t, err)
	assert.False(t, expired)

	// Expired gates reject new authorizations.
	_, err = f.svc.AuthorizePayment(ctx, "auth-2", AuthorizeRequest{GateID: gate.GateID})
	assert.Error(t, err)
}

func TestCascadeBindingVerifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Settle a parent gate first.
	parent := f.createGate(t, CreateRequest{AmountCents: 100, AutoFundPayerCents: 100})
	_, err := f.svc.AuthorizePayment(ctx, "auth-parent", AuthorizeRequest{GateID: parent.GateID})
	require.NoError(t, err)
	parentVerified, err := f.svc.Verify(ctx, "verify-parent", VerifyRequest{
		GateID:             parent.GateID,
		VerificationStatus: "green",
	})
	require.NoError(t, err)

	// Child bound to the parent decision settles green.
	child := f.createGate(t, CreateRequest{
		AmountCents:         200,
		AutoFundPayerCents:  200,
		ParentWorkOrderHash: parent.GateID + ":" + parentVerified.Settlement.DecisionHash,
	})
	_, err = f.svc.AuthorizePayment(ctx, "auth-child", AuthorizeRequest{GateID: child.GateID})
	require.NoError(t, err)
	childVerified, err := f.svc.Verify(ctx, "verify-child", VerifyRequest{
		GateID:             child.GateID,
		VerificationStatus: "green",
	})
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusGreen, childVerified.Settlement.VerificationStatus)

	// A child bound to a bogus parent hash fails closed to red.
	broken := f.createGate(t, CreateRequest{
		AmountCents:         200,
		AutoFundPayerCents:  200,
		ParentWorkOrderHash: parent.GateID + ":deadbeef",
	})
	_, err = f.svc.AuthorizePayment(ctx, "auth-broken", AuthorizeRequest{GateID: broken.GateID})
	require.NoError(t, err)
	brokenVerified, err := f.svc.Verify(ctx, "verify-broken", VerifyRequest{
		GateID:             broken.GateID,
		VerificationStatus: "green",
	})
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusRed, brokenVerified.Settlement.VerificationStatus)
	assert.Contains(t, brokenVerified.Settlement.ReasonCodes, "CASCADE_BINDING_INVALID")
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  CreateRequest
	}{
		{"zero amount", CreateRequest{PayerAgentID: "a", PayeeAgentID: "b", AmountCents: 0, Currency: "USD"}},
		{"negative amount", CreateRequest{PayerAgentID: "a", PayeeAgentID: "b", AmountCents: -5, Currency: "USD"}},
		{"bad currency", CreateRequest{PayerAgentID: "a", PayeeAgentID: "b", AmountCents: 10, Currency: "usdollars"}},
		{"missing payer", CreateRequest{PayeeAgentID: "b", AmountCents: 10, Currency: "USD"}},
		{"holdback out of range", CreateRequest{PayerAgentID: "a", PayeeAgentID: "b", AmountCents: 10, Currency: "USD", HoldbackBps: 10001}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, "create-"+tc.name, tc.req)
			assert.ErrorIs(t, err, pkgerrors.ErrValidation)
		})
	}
}
