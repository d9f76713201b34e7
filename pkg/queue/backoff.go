package queue

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config holds the queue's retry and idempotency tunables.
type Config struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// IdempotencyTTL bounds idempotency ledger growth. It must outlast any
	// plausible duplicate-delivery window from the chat transport; expiry is
	// additionally gated on the quote having advanced past the recorded
	// state key.
	IdempotencyTTL time.Duration
	// LeaseTimeout bounds how long a leased task may sit in processing
	// before the sweeper hands it back to pending. It must exceed the
	// longest handler run, or live work gets double-executed.
	LeaseTimeout time.Duration
}

// DefaultConfig returns the queue defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		InitialInterval: 2 * time.Second,
		MaxInterval:     5 * time.Minute,
		IdempotencyTTL:  168 * time.Hour,
		LeaseTimeout:    5 * time.Minute,
	}
}

// retryDelay computes the exponential backoff delay before the given
// attempt is retried. Randomization is disabled so retry timing is
// reproducible in replays.
func retryDelay(config Config, attempt int) time.Duration {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = config.InitialInterval
	policy.MaxInterval = config.MaxInterval
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	policy.Reset()

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = policy.NextBackOff()
	}

	if delay > config.MaxInterval {
		return config.MaxInterval
	}

	return delay
}
