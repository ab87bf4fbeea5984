// Package backoff holds the reconnection policy shared by every signaling
// transport. Each transport owns its own Retrier, so one concern exhausting
// its budget never affects another's.
package backoff

import (
	"errors"
	"time"

	expbackoff "github.com/cenkalti/backoff/v4"
)

// ErrBudgetExhausted is reported when a retrier has used every allowed
// attempt. The owning transport becomes terminally closed.
var ErrBudgetExhausted = errors.New("reconnect budget exhausted")

// Websocket close codes the policy cares about.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	CloseAbnormal  = 1006
)

// Policy describes exponential backoff: BaseDelay * Multiplier^attempt,
// capped at MaxDelay, for at most MaxAttempts attempts.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	MaxAttempts int
}

// DefaultPolicy matches the platform's production parameters.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		MaxAttempts: 3,
	}
}

// Retryable reports whether a closure with the given websocket close code
// should be retried at all. Normal and going-away closures are deliberate
// and therefore terminal.
func (p Policy) Retryable(closeCode int) bool {
	return closeCode != CloseNormal && closeCode != CloseGoingAway
}

// DelayFor returns the delay to wait before the given attempt (0-based) and
// whether that attempt is within budget.
func (p Policy) DelayFor(attempt int) (time.Duration, bool) {
	if attempt >= p.MaxAttempts {
		return 0, false
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.MaxDelay {
			return p.MaxDelay, true
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d, true
}

// Retrier is one transport's attempt counter over a Policy.
type Retrier struct {
	policy  Policy
	exp     *expbackoff.ExponentialBackOff
	attempt int
}

// NewRetrier returns a fresh retrier for this policy.
func (p Policy) NewRetrier() *Retrier {
	exp := expbackoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.MaxInterval = p.MaxDelay
	exp.Multiplier = p.Multiplier
	// Delays must be deterministic and non-decreasing; the budget is an
	// attempt count, not a wall-clock limit.
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()

	return &Retrier{policy: p, exp: exp}
}

// Next consumes one attempt and returns the delay to wait before it. It
// returns false once the budget is exhausted; no further attempts may be
// scheduled after that.
func (r *Retrier) Next() (time.Duration, bool) {
	if r.attempt >= r.policy.MaxAttempts {
		return 0, false
	}
	r.attempt++
	return r.exp.NextBackOff(), true
}

// Attempt returns how many attempts have been consumed since the last reset.
func (r *Retrier) Attempt() int {
	return r.attempt
}

// Reset restores the full budget. Called on every successful open.
func (r *Retrier) Reset() {
	r.attempt = 0
	r.exp.Reset()
}
