package connection

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// reconnectBackoff yields min(base*2^attempt, max) for consecutive failures.
// Not safe for concurrent use; the manager loop owns it.
type reconnectBackoff struct {
	b       *backoff.ExponentialBackOff
	base    time.Duration
	attempt int
	next    time.Duration
}

func newReconnectBackoff(base, max time.Duration, jitter float64) *reconnectBackoff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = jitter
	b.Multiplier = 2
	b.MaxInterval = max
	b.Reset()
	return &reconnectBackoff{b: b, base: base, next: base}
}

// Next returns the delay before the next attempt and advances the schedule.
func (r *reconnectBackoff) Next() time.Duration {
	d := r.b.NextBackOff()
	r.attempt++
	r.next = d
	return d
}

// Reset restarts the schedule at the base delay.
func (r *reconnectBackoff) Reset() {
	r.b.Reset()
	r.attempt = 0
	r.next = r.base
}

func (r *reconnectBackoff) State() ReconnectState {
	return ReconnectState{Attempt: r.attempt, NextDelay: r.next}
}
