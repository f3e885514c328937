package queue

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultBaseBackoff = 5 * time.Second
	defaultMaxBackoff  = 15 * time.Minute
	defaultMaxAttempts = 8
)

// RetryPolicy computes the delay before an operation's next attempt:
// exponential, jittered, capped.
type RetryPolicy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy returns the policy used when config leaves queue
// tuning unset.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:        defaultBaseBackoff,
		Max:         defaultMaxBackoff,
		MaxAttempts: defaultMaxAttempts,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Base <= 0 {
		p.Base = defaultBaseBackoff
	}
	if p.Max <= 0 {
		p.Max = defaultMaxBackoff
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	return p
}

// Delay returns the jittered wait after the given attempt count. Attempt 1
// is the first failure.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	p = p.normalized()
	if attempts < 1 {
		attempts = 1
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.Base
	exp.MaxInterval = p.Max
	// Doubling with ±20% jitter keeps successive delays strictly
	// increasing until the cap: 1.2x of one step stays below 0.8x of the
	// next.
	exp.Multiplier = 2
	exp.RandomizationFactor = 0.2
	exp.Reset()

	delay := exp.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = exp.NextBackOff()
	}
	if delay > p.Max {
		delay = p.Max
	}
	return delay
}

// Exhausted reports whether the operation has spent all of its attempts.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.normalized().MaxAttempts
}
