package escrow

import (
	"strings"
	"time"

	"settld-gateway/pkg/canonical"
	"settld-gateway/pkg/errors"
)

// HoldStatus tracks the holdback lifecycle. A disputed hold blocks
// auto-release until a verdict lands.
type HoldStatus string

const (
	HoldHeld     HoldStatus = "held"
	HoldReleased HoldStatus = "released"
	HoldRefunded HoldStatus = "refunded"
	HoldDisputed HoldStatus = "disputed"
)

// ParseHoldStatus fails closed on unknown variants.
func ParseHoldStatus(raw string) (HoldStatus, error) {
	switch HoldStatus(strings.ToLower(raw)) {
	case HoldHeld, HoldReleased, HoldRefunded, HoldDisputed:
		return HoldStatus(strings.ToLower(raw)), nil
	}
	return "", errors.ErrInvalidInput.WithDetails("holdStatus", raw)
}

// Hold is the withheld slice of a release, parked until the dispute window
// closes or a verdict resolves it.
type Hold struct {
	HoldHash              string     `json:"holdHash" db:"hold_hash"`
	GateID                string     `json:"gateId" db:"gate_id"`
	AmountCents           int64      `json:"amountCents" db:"amount_cents"`
	Status                HoldStatus `json:"status" db:"status"`
	CreatedAt             time.Time  `json:"createdAt" db:"created_at"`
	DisputeWindowMs       int64      `json:"disputeWindowMs" db:"dispute_window_ms"`
	PolicyHash            string     `json:"policyHash" db:"policy_hash"`
	ChallengeWindowEndsAt time.Time  `json:"challengeWindowEndsAt" db:"challenge_window_ends_at"`
	ResolvedAt            *time.Time `json:"resolvedAt,omitempty" db:"resolved_at"`
}

type holdHashBody struct {
	GateID          string `json:"gateId"`
	AmountCents     int64  `json:"amountCents"`
	CreatedAt       int64  `json:"createdAt"`
	DisputeWindowMs int64  `json:"disputeWindowMs"`
	PolicyHash      string `json:"policyHash"`
}

// HoldHash derives the deterministic hold identifier.
func HoldHash(gateID string, amountCents int64, createdAt time.Time, disputeWindowMs int64, policyHash string) (string, error) {
	return canonical.Hash(holdHashBody{
		GateID:          gateID,
		AmountCents:     amountCents,
		CreatedAt:       createdAt.UnixMilli(),
		DisputeWindowMs: disputeWindowMs,
		PolicyHash:      policyHash,
	})
}

// NewHold builds a held entry with its deterministic hash.
func NewHold(gateID string, amountCents int64, createdAt time.Time, disputeWindowMs int64, policyHash string) (Hold, error) {
	hash, err := HoldHash(gateID, amountCents, createdAt, disputeWindowMs, policyHash)
	if err != nil {
		return Hold{}, err
	}
	return Hold{
		HoldHash:              hash,
		GateID:                gateID,
		AmountCents:           amountCents,
		Status:                HoldHeld,
		CreatedAt:             createdAt,
		DisputeWindowMs:       disputeWindowMs,
		PolicyHash:            policyHash,
		ChallengeWindowEndsAt: createdAt.Add(time.Duration(disputeWindowMs) * time.Millisecond),
	}, nil
}

// DueForAutoRelease reports whether the maintenance sweep may release the
// hold at now. Disputed holds are never auto-released.
func (h Hold) DueForAutoRelease(now time.Time) bool {
	return h.Status == HoldHeld && !now.Before(h.ChallengeWindowEndsAt)
}
