package settlement

import (
	"strings"

	"github.com/shopspring/decimal"

	"settld-gateway/pkg/canonical"
	"settld-gateway/pkg/errors"
)

// VerificationStatus is the traffic-light verdict attached to a verify call.
type VerificationStatus string

const (
	StatusGreen VerificationStatus = "green"
	StatusAmber VerificationStatus = "amber"
	StatusRed   VerificationStatus = "red"
)

// ParseVerificationStatus fails closed on unknown variants.
func ParseVerificationStatus(raw string) (VerificationStatus, error) {
	switch VerificationStatus(strings.ToLower(raw)) {
	case StatusGreen, StatusAmber, StatusRed:
		return VerificationStatus(strings.ToLower(raw)), nil
	}
	return "", errors.ErrInvalidInput.WithDetails("verificationStatus", raw)
}

// DecisionMode separates automatic policy evaluation from manual rulings.
type DecisionMode string

const (
	ModeAutomatic DecisionMode = "automatic"
	ModeManual    DecisionMode = "manual"
)

// PolicyRules carries the per-status release behaviour.
type PolicyRules struct {
	AutoReleaseOnGreen  bool  `json:"autoReleaseOnGreen"`
	GreenReleaseRatePct int64 `json:"greenReleaseRatePct"`
	AutoReleaseOnAmber  bool  `json:"autoReleaseOnAmber"`
	AmberReleaseRatePct int64 `json:"amberReleaseRatePct"`
	AutoReleaseOnRed    bool  `json:"autoReleaseOnRed"`
	RedReleaseRatePct   int64 `json:"redReleaseRatePct"`
}

// Policy is the settlement policy evaluated at verify time.
type Policy struct {
	Mode  DecisionMode `json:"mode"`
	Rules PolicyRules  `json:"rules"`
}

// DefaultPolicy releases everything on green and refunds everything on red —
// the gateway's fallback when the offer names no policy.
func DefaultPolicy() Policy {
	return Policy{
		Mode: ModeAutomatic,
		Rules: PolicyRules{
			AutoReleaseOnGreen:  true,
			GreenReleaseRatePct: 100,
			AutoReleaseOnAmber:  false,
			AmberReleaseRatePct: 0,
			AutoReleaseOnRed:    false,
			RedReleaseRatePct:   0,
		},
	}
}

// Normalize lower-cases the mode, defaults it to automatic, and validates the
// rate bounds. Unknown JSON keys were already dropped at decode time.
func (p Policy) Normalize() (Policy, error) {
	mode := DecisionMode(strings.ToLower(string(p.Mode)))
	if mode == "" {
		mode = ModeAutomatic
	}
	if mode != ModeAutomatic && mode != ModeManual {
		return Policy{}, errors.ErrInvalidInput.WithDetails("mode", string(p.Mode))
	}
	p.Mode = mode
	for name, rate := range map[string]int64{
		"greenReleaseRatePct": p.Rules.GreenReleaseRatePct,
		"amberReleaseRatePct": p.Rules.AmberReleaseRatePct,
		"redReleaseRatePct":   p.Rules.RedReleaseRatePct,
	} {
		if rate < 0 || rate > 100 {
			return Policy{}, errors.ErrInvalidInput.WithDetails(name, rate)
		}
	}
	return p, nil
}

// Hash returns the canonical hash of the normalized policy.
func (p Policy) Hash() (string, error) {
	return canonical.Hash(p)
}

// rateFor picks the release rate for a verdict; a disabled auto-release rule
// forces the rate to zero.
func (p Policy) rateFor(status VerificationStatus) int64 {
	switch status {
	case StatusGreen:
		if p.Rules.AutoReleaseOnGreen {
			return p.Rules.GreenReleaseRatePct
		}
	case StatusAmber:
		if p.Rules.AutoReleaseOnAmber {
			return p.Rules.AmberReleaseRatePct
		}
	case StatusRed:
		if p.Rules.AutoReleaseOnRed {
			return p.Rules.RedReleaseRatePct
		}
	}
	return 0
}

// Split is the exact three-way division of the reserve.
type Split struct {
	ReleaseCents  int64
	RefundCents   int64
	HoldbackCents int64
}

// Evaluate divides reservedCents per the policy and holdback basis points.
// Release is floored, the holdback is floored out of the release, and the
// remainder refunds, so the three parts always sum exactly to the reserve.
func (p Policy) Evaluate(status VerificationStatus, reservedCents, holdbackBps int64) (Split, error) {
	if reservedCents < 0 || holdbackBps < 0 || holdbackBps > 10000 {
		return Split{}, errors.ErrInvalidInput.WithDetails("reservedCents", reservedCents)
	}

	rate := p.rateFor(status)
	reserved := decimal.NewFromInt(reservedCents)

	grossRelease := reserved.
		Mul(decimal.NewFromInt(rate)).
		Div(decimal.NewFromInt(100)).
		Floor().
		IntPart()
	refund := reservedCents - grossRelease

	holdback := decimal.NewFromInt(grossRelease).
		Mul(decimal.NewFromInt(holdbackBps)).
		Div(decimal.NewFromInt(10000)).
		Floor().
		IntPart()
	release := grossRelease - holdback

	split := Split{ReleaseCents: release, RefundCents: refund, HoldbackCents: holdback}
	if split.ReleaseCents+split.RefundCents+split.HoldbackCents != reservedCents {
		return Split{}, errors.ErrSettlementSplitInvalid.
			WithDetails("reserved", reservedCents).
			WithDetails("release", split.ReleaseCents).
			WithDetails("refund", split.RefundCents).
			WithDetails("holdback", split.HoldbackCents)
	}
	return split, nil
}
