package sched

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryDelay computes the delay before retry number attempt (1-based):
// the class's base delay doubled for each prior failure, with no jitter so
// wait estimates stay predictable.
func RetryDelay(base time.Duration, attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = time.Hour
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
