package settlement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateFullReleaseOnGreen(t *testing.T) {
	split, err := DefaultPolicy().Evaluate(StatusGreen, 1000, 0)
	require.NoError(t, err)
	assert.Equal(t, Split{ReleaseCents: 1000, RefundCents: 0, HoldbackCents: 0}, split)
}

func TestEvaluateFullRefundOnRed(t *testing.T) {
	split, err := DefaultPolicy().Evaluate(StatusRed, 1000, 0)
	require.NoError(t, err)
	assert.Equal(t, Split{ReleaseCents: 0, RefundCents: 1000, HoldbackCents: 0}, split)
}

func TestEvaluateHoldbackSplit(t *testing.T) {
	// 500¢ at 1000 bps: release 450, holdback 50.
	split, err := DefaultPolicy().Evaluate(StatusGreen, 500, 1000)
	require.NoError(t, err)
	assert.Equal(t, Split{ReleaseCents: 450, RefundCents: 0, HoldbackCents: 50}, split)
}

func TestEvaluateExactSumAcrossAwkwardRates(t *testing.T) {
	policy := Policy{
		Mode: ModeAutomatic,
		Rules: PolicyRules{
			AutoReleaseOnGreen:  true,
			GreenReleaseRatePct: 33,
			AutoReleaseOnAmber:  true,
			AmberReleaseRatePct: 67,
		},
	}

	for _, reserved := range []int64{1, 3, 7, 99, 101, 999, 12345, 1000000007} {
		for _, bps := range []int64{0, 1, 333, 999, 5000, 9999, 10000} {
			for _, status := range []VerificationStatus{StatusGreen, StatusAmber, StatusRed} {
				split, err := policy.Evaluate(status, reserved, bps)
				require.NoError(t, err, "reserved=%d bps=%d", reserved, bps)
				assert.Equal(t, reserved, split.ReleaseCents+split.RefundCents+split.HoldbackCents,
					"reserved=%d bps=%d status=%s", reserved, bps, status)
				assert.GreaterOrEqual(t, split.ReleaseCents, int64(0))
				assert.GreaterOrEqual(t, split.RefundCents, int64(0))
				assert.GreaterOrEqual(t, split.HoldbackCents, int64(0))
			}
		}
	}
}

func TestEvaluateDisabledRuleForcesZeroRelease(t *testing.T) {
	policy := Policy{
		Mode: ModeAutomatic,
		Rules: PolicyRules{
			AutoReleaseOnGreen:  false,
			GreenReleaseRatePct: 100,
		},
	}
	split, err := policy.Evaluate(StatusGreen, 1000, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), split.ReleaseCents)
	assert.Equal(t, int64(1000), split.RefundCents)
}

func TestNormalizeRejectsOutOfRangeRate(t *testing.T) {
	_, err := Policy{
		Mode:  ModeAutomatic,
		Rules: PolicyRules{GreenReleaseRatePct: 101},
	}.Normalize()
	assert.Error(t, err)
}

func TestNormalizeLowercasesMode(t *testing.T) {
	policy, err := Policy{Mode: "AUTOMATIC"}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, ModeAutomatic, policy.Mode)

	_, err = Policy{Mode: "chaotic"}.Normalize()
	assert.Error(t, err)
}

func TestPolicyHashStable(t *testing.T) {
	p1, err := DefaultPolicy().Normalize()
	require.NoError(t, err)
	h1, err := p1.Hash()
	require.NoError(t, err)
	h2, err := p1.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestParseVerificationStatusFailsClosed(t *testing.T) {
	for _, raw := range []string{"", "greenish", "GREEN "} {
		_, err := ParseVerificationStatus(raw)
		assert.Error(t, err, "raw=%q", raw)
	}
	status, err := ParseVerificationStatus("GREEN")
	require.NoError(t, err)
	assert.Equal(t, StatusGreen, status)
}
