package settlement

import (
	"sort"
	"time"

	"settld-gateway/pkg/canonical"
)

// DecisionSchemaVersion is the schema version of the decision record.
const DecisionSchemaVersion = "SettlementDecisionRecord.v2"

// DecisionRecord is the immutable outcome of a verify call. decisionHash is
// the canonical hash of the record with decisionHash:null, computed last;
// replaying the same inputs must reproduce it byte-identically.
type DecisionRecord struct {
	SchemaVersion              string             `json:"schemaVersion"`
	DecisionID                 string             `json:"decisionId"`
	GateID                     string             `json:"gateId"`
	VerificationStatus         VerificationStatus `json:"verificationStatus"`
	DecisionMode               DecisionMode       `json:"decisionMode"`
	PolicyHashUsed             string             `json:"policyHashUsed"`
	VerificationMethodHashUsed string             `json:"verificationMethodHashUsed,omitempty"`
	ReleasedAmountCents        int64              `json:"releasedAmountCents"`
	RefundedAmountCents        int64              `json:"refundedAmountCents"`
	HeldbackAmountCents        int64              `json:"heldbackAmountCents"`
	ReasonCodes                []string           `json:"reasonCodes"`
	EvidenceRefs               []string           `json:"evidenceRefs"`
	DecidedAt                  int64              `json:"decidedAt"`
	DecisionHash               string             `json:"decisionHash"`
}

// BuildDecisionInput carries everything the builder needs.
type BuildDecisionInput struct {
	DecisionID               string
	GateID                   string
	Status                   VerificationStatus
	Mode                     DecisionMode
	PolicyHash               string
	VerificationMethodHash   string
	Split                    Split
	ReasonCodes              []string
	EvidenceRefs             []string
	DecidedAt                time.Time
}

// BuildDecision assembles a DecisionRecord: reason codes and evidence refs
// are sorted unique before hashing, and decisionHash is filled last.
func BuildDecision(in BuildDecisionInput) (DecisionRecord, error) {
	record := DecisionRecord{
		SchemaVersion:              DecisionSchemaVersion,
		DecisionID:                 in.DecisionID,
		GateID:                     in.GateID,
		VerificationStatus:         in.Status,
		DecisionMode:               in.Mode,
		PolicyHashUsed:             in.PolicyHash,
		VerificationMethodHashUsed: in.VerificationMethodHash,
		ReleasedAmountCents:        in.Split.ReleaseCents,
		RefundedAmountCents:        in.Split.RefundCents,
		HeldbackAmountCents:        in.Split.HoldbackCents,
		ReasonCodes:                sortedUnique(in.ReasonCodes),
		EvidenceRefs:               sortedUnique(in.EvidenceRefs),
		DecidedAt:                  in.DecidedAt.UnixMilli(),
	}
	hash, err := record.ComputeHash()
	if err != nil {
		return DecisionRecord{}, err
	}
	record.DecisionHash = hash
	return record, nil
}

// ComputeHash recomputes the decision hash from the canonical form with
// decisionHash nulled. Used both at build time and by the replay check.
func (r DecisionRecord) ComputeHash() (string, error) {
	type hashForm struct {
		DecisionRecord
		DecisionHash any `json:"decisionHash"`
	}
	return canonical.Hash(hashForm{DecisionRecord: r, DecisionHash: nil})
}

func sortedUnique(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
