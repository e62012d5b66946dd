package bootstrap

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// BackoffConfig controls the delay between connect attempts. Each delay is
// the previous one times Multiplier, capped at MaxDelay. Delays are not
// randomized: the worker dials a single local listener.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultBackoff retries every 10ms.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     250 * time.Millisecond,
		Multiplier:   1.0,
	}
}

// newBackOff returns a fresh schedule for one connect loop.
func (c BackoffConfig) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          max(c.Multiplier, 1.0),
		MaxInterval:         max(c.MaxDelay, c.InitialDelay),
	}
	b.Reset()
	return b
}
