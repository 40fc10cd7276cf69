package domain

// Gate lifecycle event types appended to the per-gate stream.
const (
	EventGateCreated       = "GATE_CREATED"
	EventGateQuoted        = "GATE_QUOTED"
	EventGateAuthorized    = "GATE_AUTHORIZED"
	EventGateVerified      = "GATE_VERIFIED"
	EventGateExpired       = "GATE_EXPIRED"
	EventSettlementDecided = "SETTLEMENT_DECIDED"
	EventHoldCreated       = "HOLD_CREATED"
	EventHoldChallenged    = "HOLD_CHALLENGED"
	EventHoldResolved      = "HOLD_RESOLVED"
	EventHoldAutoReleased  = "HOLD_AUTO_RELEASED"
)
