package settlement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestDecision(t *testing.T) DecisionRecord {
	t.Helper()
	record, err := BuildDecision(BuildDecisionInput{
		DecisionID: "dec_1",
		GateID:     "gate_1",
		Status:     StatusGreen,
		Mode:       ModeAutomatic,
		PolicyHash: "aa",
		Split:      Split{ReleaseCents: 900, RefundCents: 50, HoldbackCents: 50},
		ReasonCodes: []string{
			"X402_PROVIDER_SIGNATURE_MISSING",
			"CASCADE_BINDING_INVALID",
			"X402_PROVIDER_SIGNATURE_MISSING",
			"",
		},
		EvidenceRefs: []string{"ref:b", "ref:a", "ref:b"},
		DecidedAt:    time.UnixMilli(1722470400000),
	})
	require.NoError(t, err)
	return record
}

func TestBuildDecisionSortsAndDedupes(t *testing.T) {
	record := buildTestDecision(t)
	assert.Equal(t, []string{"CASCADE_BINDING_INVALID", "X402_PROVIDER_SIGNATURE_MISSING"}, record.ReasonCodes)
	assert.Equal(t, []string{"ref:a", "ref:b"}, record.EvidenceRefs)
	assert.Equal(t, DecisionSchemaVersion, record.SchemaVersion)
}

func TestDecisionHashReplay(t *testing.T) {
	// Recomputing the hash from the stored record with decisionHash nulled
	// must reproduce the stored hash byte-identically.
	record := buildTestDecision(t)
	require.NotEmpty(t, record.DecisionHash)

	recomputed, err := record.ComputeHash()
	require.NoError(t, err)
	assert.Equal(t, record.DecisionHash, recomputed)

	// Any field change breaks the replay.
	tampered := record
	tampered.ReleasedAmountCents++
	altered, err := tampered.ComputeHash()
	require.NoError(t, err)
	assert.NotEqual(t, record.DecisionHash, altered)
}

func TestDecisionHashDeterministicAcrossBuilds(t *testing.T) {
	first := buildTestDecision(t)
	second := buildTestDecision(t)
	assert.Equal(t, first.DecisionHash, second.DecisionHash)
}
