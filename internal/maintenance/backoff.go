package maintenance

import (
	"math/rand"
	"time"
)

// BackoffPolicy computes the outbox retry schedule: exponential with ±20%
// jitter, capped, with a hard attempt ceiling after which a delivery is
// marked permanently failed.
type BackoffPolicy struct {
	BaseMs   int64
	MaxMs    int64
	RetryMax int
}

// DefaultBackoff matches the production delivery schedule.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{BaseMs: 250, MaxMs: 60_000, RetryMax: 50}
}

// Exhausted reports whether attempts has hit the retry ceiling.
func (p BackoffPolicy) Exhausted(attempts int) bool {
	return attempts >= p.RetryMax
}

// Delay returns the wait before the given attempt (1-based). The exponent is
// clamped so the shift cannot overflow long before the cap applies.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	exp := attempt
	if exp > 16 {
		exp = 16
	}
	delayMs := p.BaseMs << uint(exp)
	if delayMs > p.MaxMs || delayMs <= 0 {
		delayMs = p.MaxMs
	}

	// ±20% jitter.
	jitter := int64(float64(delayMs) * 0.2)
	if jitter > 0 {
		delayMs = delayMs - jitter + rand.Int63n(2*jitter+1)
	}
	if delayMs > p.MaxMs {
		delayMs = p.MaxMs
	}
	return time.Duration(delayMs) * time.Millisecond
}
