// Package backoff provides the jittered exponential reconnect backoff
// used by the xDS stream state machine.
package backoff

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Strategy returns the delay to wait before the (retries+1)'th attempt.
type Strategy func(retries int) time.Duration

// DefaultExponential is a jittered exponential backoff capped at 2 minutes,
// matching the defaults Envoy and grpc-go both use for xDS stream
// reconnection.
var DefaultExponential Strategy = NewExponential(time.Second, 2*time.Minute)

// NewExponential builds a Strategy around cenkalti/backoff's
// ExponentialBackOff, reset on every call to retries==0 so that each
// fresh connection attempt sequence starts from the base interval.
func NewExponential(base, max time.Duration) Strategy {
	return func(retries int) time.Duration {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = base
		eb.MaxInterval = max
		eb.MaxElapsedTime = 0 // never stop retrying
		eb.Reset()

		var d time.Duration
		for i := 0; i <= retries; i++ {
			d = eb.NextBackOff()
		}
		if d > max {
			d = max
		}
		return d
	}
}
