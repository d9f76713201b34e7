package models

import (
	"bytes"
	"encoding/json"
	"time"
)

// TaskStatus represents the lifecycle state of an execution queue task.
// Status only moves forward (pending -> processing -> succeeded/failed/dead)
// except the explicit failed -> pending retry edge. Skipped marks tasks
// cancelled by a terminal flow transition before being leased.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusSucceeded  TaskStatus = "succeeded"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusDead       TaskStatus = "dead"
	TaskStatusSkipped    TaskStatus = "skipped"
)

// Operation names for queue tasks produced by flow transitions.
const (
	OperationRecomputePricing = "recompute_pricing"
	OperationRouteApproval    = "route_approval"
	OperationGenerateDocument = "generate_document"
	OperationSyncCRM          = "sync_crm"
)

// ExecutionQueueTask is a durable unit of side-effecting work. The
// idempotency key is unique and stable across retries of logically the same
// operation.
type ExecutionQueueTask struct {
	ID             string         `json:"id"`
	QuoteID        string         `json:"quote_id"        validate:"required"`
	Operation      string         `json:"operation"       validate:"required"`
	IdempotencyKey string         `json:"idempotency_key" validate:"required"`
	StateKey       string         `json:"state_key"       validate:"required"`
	Payload        map[string]any `json:"payload,omitempty"`
	AvailableAt    time.Time      `json:"available_at"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	Status         TaskStatus     `json:"status"`
	// LeasedUntil bounds a processing claim. A task still processing past
	// this deadline belonged to a crashed worker and may be reclaimed.
	LeasedUntil *time.Time `json:"leased_until,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// SamePayload reports whether the task's payload is semantically equal to
// other. Comparison goes through canonical JSON so type drift from a storage
// round trip (int vs float64) does not register as a difference.
func (t *ExecutionQueueTask) SamePayload(other map[string]any) bool {
	a, err := json.Marshal(t.Payload)
	if err != nil {
		return false
	}

	b, err := json.Marshal(other)
	if err != nil {
		return false
	}

	return bytes.Equal(a, b)
}

// IdempotencyLedgerEntry proves a (quote, state key) operation already
// executed. A non-expired entry short-circuits re-execution and replays the
// recorded result. QuoteVersion is the quote version at execution time; the
// sweeper only expires entries whose quote has advanced past it.
type IdempotencyLedgerEntry struct {
	QuoteID      string         `json:"quote_id"`
	StateKey     string         `json:"state_key"`
	QuoteVersion int            `json:"quote_version"`
	Result       map[string]any `json:"result,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	ExpiresAt    time.Time      `json:"expires_at"`
}

// Expired reports whether the entry's TTL has elapsed at the given instant.
func (e IdempotencyLedgerEntry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// TransitionAudit records one queue task status change. Every status edge,
// including cancellation, writes exactly one row.
type TransitionAudit struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id"`
	QuoteID    string     `json:"quote_id"`
	FromStatus TaskStatus `json:"from_status"`
	ToStatus   TaskStatus `json:"to_status"`
	Attempt    int        `json:"attempt"`
	Note       string     `json:"note,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
