// Package config holds the runtime tunables shared by the binaries.
package config

import (
	"errors"
	"time"

	"github.com/quotehq/quoteflow/pkg/queue"
)

// Config carries everything the binaries parse from flags and environment.
type Config struct {
	DatabaseURL      string
	EventBusProvider string
	LedgerSigningKey string

	Queue queue.Config

	// Sweeper schedules, cron expressions.
	ExpirySweepSchedule      string
	IdempotencySweepSchedule string
	LeaseReclaimSchedule     string
}

// Default returns the tunables used unless flags override them.
func Default() Config {
	return Config{
		EventBusProvider:         "kafka",
		Queue:                    queue.DefaultConfig(),
		ExpirySweepSchedule:      "*/5 * * * *",
		IdempotencySweepSchedule: "0 * * * *",
		LeaseReclaimSchedule:     "* * * * *",
	}
}

// Validate checks the invariants the binaries rely on.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required")
	}

	if c.LedgerSigningKey == "" {
		return errors.New("ledger signing key is required")
	}

	if c.Queue.MaxAttempts < 1 {
		return errors.New("queue max attempts must be at least 1")
	}

	if c.Queue.IdempotencyTTL < time.Minute {
		return errors.New("idempotency TTL must be at least one minute")
	}

	if c.Queue.LeaseTimeout < time.Second {
		return errors.New("queue lease timeout must be at least one second")
	}

	return nil
}
