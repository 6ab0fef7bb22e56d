package session

import (
	"math/rand/v2"
	"time"
)

// ReconnectBackoff produces capped exponential reconnect delays with jitter.
// Successive delays never decrease until Reset is called.
type ReconnectBackoff struct {
	base    time.Duration
	cap     time.Duration
	attempt int
	last    time.Duration
	jitter  func(n int64) int64
}

// NewReconnectBackoff returns a backoff growing from base up to limit
func NewReconnectBackoff(base, limit time.Duration) *ReconnectBackoff {
	return &ReconnectBackoff{base: base, cap: limit, jitter: rand.Int64N}
}

// Next returns the delay before the next reconnect attempt. The exponential
// step is jittered into its upper half and then raised to the previous delay.
func (b *ReconnectBackoff) Next() time.Duration {
	d := b.cap
	if b.attempt < 63 && b.base <= b.cap>>b.attempt {
		d = b.base << b.attempt
	}
	b.attempt++
	half := d / 2
	j := half + time.Duration(b.jitter(int64(d-half)+1))
	if j < b.last {
		j = b.last
	}
	if j > b.cap {
		j = b.cap
	}
	b.last = j
	return j
}

// Reset starts the sequence again from base
func (b *ReconnectBackoff) Reset() {
	b.attempt = 0
	b.last = 0
}

// Attempts returns how many delays were handed out since the last reset
func (b *ReconnectBackoff) Attempts() int {
	return b.attempt
}
