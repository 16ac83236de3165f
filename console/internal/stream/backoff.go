package stream

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// newBackOff yields base, 2*base, 4*base, ... capped at ceiling, without
// jitter and without an elapsed-time limit.
func newBackOff(base time.Duration, ceiling time.Duration) *backoff.ExponentialBackOff {
	if base <= 0 {
		base = time.Second
	}
	if ceiling < base {
		ceiling = base
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = ceiling
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
