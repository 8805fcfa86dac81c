// Package ratelimit implements the outbound pacing token bucket
// described in spec component A: a bucket with a configurable rate and
// burst; consuming a token when a message is eligible to send, and
// reporting when the next token becomes available so a blocked sender
// can be woken up without busy-looping.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket mirrors original_source's envoy::TokenBucket interface:
// Consume(tokens) and NextTokenAvailable().
type TokenBucket interface {
	// Consume reports whether tokens tokens could be taken from the
	// bucket right now, taking them if so.
	Consume(tokens uint64) bool
	// NextTokenAvailable returns how long until the next token is
	// available, zero if one is available now.
	NextTokenAvailable() time.Duration
}

// Limiter is a TokenBucket backed by golang.org/x/time/rate, the
// library most of the corpus (istio, linkerd2, go-ethereum, etcd) vendors
// for exactly this purpose.
type Limiter struct {
	rl *rate.Limiter
}

// New creates a Limiter that allows up to maxTokens tokens with
// refillPerSecond replenished every second. A maxTokens of 0 disables
// the limit (Consume and NextTokenAvailable always succeed).
func New(maxTokens uint32, refillPerSecond float64) *Limiter {
	if maxTokens == 0 {
		return &Limiter{}
	}
	return &Limiter{rl: rate.NewLimiter(rate.Limit(refillPerSecond), int(maxTokens))}
}

// Consume implements TokenBucket.
func (l *Limiter) Consume(tokens uint64) bool {
	if l.rl == nil {
		return true
	}
	return l.rl.AllowN(time.Now(), int(tokens))
}

// NextTokenAvailable implements TokenBucket.
func (l *Limiter) NextTokenAvailable() time.Duration {
	if l.rl == nil {
		return 0
	}
	r := l.rl.ReserveN(time.Now(), 1)
	defer r.Cancel()
	if !r.OK() {
		// Burst smaller than 1 token; can never grant. Treat as a
		// generous fixed retry so callers don't spin.
		return time.Second
	}
	return r.DelayFrom(time.Now())
}
