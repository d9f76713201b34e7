// Package persistence provides the data storage abstraction for quotes,
// flow states, the execution queue and the quote ledger.
package persistence

import (
	"context"
	"time"

	"github.com/quotehq/quoteflow/pkg/ledger"
	"github.com/quotehq/quoteflow/pkg/models"
)

// TransitionCommit is everything a committed flow transition writes: the
// updated quote and flow state, zero or more task inserts, and exactly one
// ledger append. Implementations apply all of it in a single serializable
// transaction scoped to the quote; partial application must be impossible.
// The ledger entry itself is built inside the transaction, where the
// previous entry's hash can be read consistently.
//
// ExpectedVersion is the quote version the transition was computed against.
// A mismatch at commit time returns ErrConcurrentModification.
type TransitionCommit struct {
	Quote           *models.Quote
	FlowState       *models.FlowState
	ExpectedVersion int
	Tasks           []*models.ExecutionQueueTask
	Append          *ledger.AppendRequest
	CancelPending   bool // terminal transitions skip queued unleased tasks
}

// Persistence is the single authoritative store behind the substrate.
type Persistence interface {
	QuoteRepository
	FlowStateRepository
	QueueRepository
	LedgerRepository

	// ApplyTransition commits a flow transition atomically.
	ApplyTransition(ctx context.Context, commit *TransitionCommit) error

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// QuoteRepository reads and writes quote aggregate rows.
type QuoteRepository interface {
	CreateQuote(ctx context.Context, quote *models.Quote) error
	QuoteByID(ctx context.Context, id string) (*models.Quote, error)
	// QuotesPastTerm returns non-terminal quotes whose term_end has passed.
	QuotesPastTerm(ctx context.Context, now time.Time) ([]*models.Quote, error)
	// SetLedgerHalted flips the halt flag that blocks further ledger appends
	// for a quote after an integrity failure.
	SetLedgerHalted(ctx context.Context, quoteID string, halted bool) error
}

// FlowStateRepository reads and writes per-quote flow state rows.
type FlowStateRepository interface {
	SaveFlowState(ctx context.Context, state *models.FlowState) error
	FlowStateByQuoteID(ctx context.Context, quoteID string) (*models.FlowState, error)
}

// QueueRepository backs the execution queue and its idempotency ledger.
type QueueRepository interface {
	// InsertTask inserts a task unless its idempotency key already exists,
	// in which case the existing task is returned with inserted=false. A key
	// collision with a different operation, quote or payload returns
	// ErrIdempotencyConflict.
	InsertTask(ctx context.Context, task *models.ExecutionQueueTask) (existing *models.ExecutionQueueTask, inserted bool, err error)

	// LeaseNext atomically claims the earliest available pending task, valid
	// until leaseUntil. Safe under concurrent workers; returns
	// ErrNoTaskAvailable when the queue is drained.
	LeaseNext(ctx context.Context, now, leaseUntil time.Time) (*models.ExecutionQueueTask, error)

	// ReclaimExpiredLeases returns processing tasks whose lease deadline has
	// passed to pending, writing one audit row per reclaimed task. A task in
	// that state belonged to a worker that crashed between lease and
	// completion; the idempotency ledger keeps the re-run harmless.
	ReclaimExpiredLeases(ctx context.Context, now time.Time) (int, error)

	// UpdateTask persists a status/attempt change and writes one
	// transition-audit row for the edge.
	UpdateTask(ctx context.Context, task *models.ExecutionQueueTask, from models.TaskStatus, note string) error

	TaskByID(ctx context.Context, id string) (*models.ExecutionQueueTask, error)
	TasksByQuoteID(ctx context.Context, quoteID string) ([]*models.ExecutionQueueTask, error)
	DeadTasks(ctx context.Context) ([]*models.ExecutionQueueTask, error)
	AuditByTaskID(ctx context.Context, taskID string) ([]*models.TransitionAudit, error)

	SaveIdempotencyEntry(ctx context.Context, entry *models.IdempotencyLedgerEntry) error
	// IdempotencyEntry returns the entry for (quote, state key), or nil when
	// none exists.
	IdempotencyEntry(ctx context.Context, quoteID, stateKey string) (*models.IdempotencyLedgerEntry, error)
	// ExpireIdempotencyEntries removes entries past their TTL whose quote
	// version has advanced beyond the recorded one. Expiring a still-relevant
	// entry is a correctness bug, so both conditions are required.
	ExpireIdempotencyEntries(ctx context.Context, now time.Time) (int, error)
}

// LedgerRepository backs the append-only quote ledger.
type LedgerRepository interface {
	// LatestLedgerEntry returns the newest entry for a quote, or
	// ErrLedgerEntryNotFound when the chain is empty.
	LatestLedgerEntry(ctx context.Context, quoteID string) (*models.QuoteLedgerEntry, error)
	// LedgerHistory returns entries ordered by version, restartable from any
	// version (fromVersion <= 1 means the chain head).
	LedgerHistory(ctx context.Context, quoteID string, fromVersion int) ([]*models.QuoteLedgerEntry, error)
	SaveVerification(ctx context.Context, verification *models.LedgerVerification) error
	VerificationsByQuoteID(ctx context.Context, quoteID string) ([]*models.LedgerVerification, error)
}
