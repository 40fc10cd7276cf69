package escrow

import (
	"time"

	"settld-gateway/pkg/errors"
)

// Phase labels a ledger entry. reserve moves funds from the payer wallet into
// gate escrow; release/refund empty it; the holdback phases track the portion
// withheld past the dispute window.
type Phase string

const (
	PhaseReserve         Phase = "reserve"
	PhaseRelease         Phase = "release"
	PhaseRefund          Phase = "refund"
	PhaseHoldbackHold    Phase = "holdback_hold"
	PhaseHoldbackRelease Phase = "holdback_release"
	PhaseHoldbackRefund  Phase = "holdback_refund"
)

// Entry is one append-only double-entry ledger row. amountCents is signed:
// positive into escrow, negative out.
type Entry struct {
	EntryID       string    `json:"entryId" db:"entry_id"`
	GateID        string    `json:"gateId" db:"gate_id"`
	Phase         Phase     `json:"phase" db:"phase"`
	AmountCents   int64     `json:"amountCents" db:"amount_cents"`
	BalanceBefore int64     `json:"balanceBefore" db:"balance_before"`
	BalanceAfter  int64     `json:"balanceAfter" db:"balance_after"`
	At            time.Time `json:"at" db:"at"`
	ParentEntryID string    `json:"parentEntryId,omitempty" db:"parent_entry_id"`
}

// Balance folds entries into the current escrow balance.
func Balance(entries []Entry) int64 {
	var total int64
	for _, e := range entries {
		total += e.AmountCents
	}
	return total
}

// Totals aggregates per-phase magnitudes for the gate.
type Totals struct {
	Reserved         int64
	Released         int64
	Refunded         int64
	HeldBack         int64
	HoldbackReleased int64
	HoldbackRefunded int64
}

// Summarize folds the ledger into phase totals. The held-back remainder is
// whatever of the reserve has not yet left escrow.
func Summarize(entries []Entry) Totals {
	var t Totals
	for _, e := range entries {
		switch e.Phase {
		case PhaseReserve:
			t.Reserved += e.AmountCents
		case PhaseRelease:
			t.Released += -e.AmountCents
		case PhaseRefund:
			t.Refunded += -e.AmountCents
		case PhaseHoldbackRelease:
			t.HoldbackReleased += -e.AmountCents
		case PhaseHoldbackRefund:
			t.HoldbackRefunded += -e.AmountCents
		}
	}
	t.HeldBack = t.Reserved - t.Released - t.Refunded - t.HoldbackReleased - t.HoldbackRefunded
	return t
}

// CheckAppend validates that appending entry keeps the gate invariants:
// running balances line up and escrow never goes negative.
func CheckAppend(existing []Entry, entry Entry) error {
	balance := Balance(existing)
	if entry.BalanceBefore != balance {
		return errors.ErrSettlementSplitInvalid.
			WithDetails("balanceBefore", entry.BalanceBefore).
			WithDetails("actual", balance)
	}
	if entry.BalanceAfter != entry.BalanceBefore+entry.AmountCents {
		return errors.ErrSettlementSplitInvalid.WithDetails("entryId", entry.EntryID)
	}
	if entry.BalanceAfter < 0 {
		return errors.ErrSettlementSplitInvalid.
			WithMessage("escrow balance would go negative").
			WithDetails("balanceAfter", entry.BalanceAfter)
	}
	return nil
}

// Wallet is the payer's available balance backing INSUFFICIENT_FUNDS checks.
type Wallet struct {
	AgentID        string    `json:"agentId" db:"agent_id"`
	TenantID       string    `json:"tenantId" db:"tenant_id"`
	AvailableCents int64     `json:"availableCents" db:"available_cents"`
	UpdatedAt      time.Time `json:"updatedAt" db:"updated_at"`
}
