package escrow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(phase Phase, amount, before int64) Entry {
	return Entry{
		EntryID:       "led_" + string(phase),
		GateID:        "gate_1",
		Phase:         phase,
		AmountCents:   amount,
		BalanceBefore: before,
		BalanceAfter:  before + amount,
		At:            time.Now(),
	}
}

func TestSummarizeFullLifecycle(t *testing.T) {
	entries := []Entry{
		entry(PhaseReserve, 1000, 0),
		entry(PhaseRelease, -850, 1000),
		entry(PhaseRefund, -50, 150),
		entry(PhaseHoldbackRelease, -100, 100),
	}
	totals := Summarize(entries)
	assert.Equal(t, int64(1000), totals.Reserved)
	assert.Equal(t, int64(850), totals.Released)
	assert.Equal(t, int64(50), totals.Refunded)
	assert.Equal(t, int64(100), totals.HoldbackReleased)
	assert.Equal(t, int64(0), totals.HeldBack)
	assert.Equal(t, int64(0), Balance(entries))
}

func TestCheckAppendRejectsBalanceMismatch(t *testing.T) {
	existing := []Entry{entry(PhaseReserve, 1000, 0)}

	bad := entry(PhaseRelease, -500, 900) // balanceBefore lies
	assert.Error(t, CheckAppend(existing, bad))

	good := entry(PhaseRelease, -500, 1000)
	assert.NoError(t, CheckAppend(existing, good))
}

func TestCheckAppendRejectsNegativeEscrow(t *testing.T) {
	existing := []Entry{entry(PhaseReserve, 100, 0)}
	overdraw := entry(PhaseRelease, -200, 100)
	assert.Error(t, CheckAppend(existing, overdraw))
}

func TestHoldHashDeterministic(t *testing.T) {
	createdAt := time.UnixMilli(1722470400000)
	h1, err := HoldHash("gate_1", 50, createdAt, 60000, "policyhash")
	require.NoError(t, err)
	h2, err := HoldHash("gate_1", 50, createdAt, 60000, "policyhash")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)

	h3, err := HoldHash("gate_1", 51, createdAt, 60000, "policyhash")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestHoldAutoReleaseWindow(t *testing.T) {
	createdAt := time.Now()
	hold, err := NewHold("gate_1", 50, createdAt, 60000, "policyhash")
	require.NoError(t, err)

	assert.False(t, hold.DueForAutoRelease(createdAt.Add(30*time.Second)))
	assert.True(t, hold.DueForAutoRelease(createdAt.Add(61*time.Second)))

	hold.Status = HoldDisputed
	assert.False(t, hold.DueForAutoRelease(createdAt.Add(2*time.Minute)),
		"disputed holds never auto-release")
}
