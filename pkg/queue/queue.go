// Package queue implements the durable execution queue and its idempotency
// ledger: at-most-once application of side-effecting operations with bounded
// retry.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/quotehq/quoteflow/pkg/models"
	"github.com/quotehq/quoteflow/pkg/persistence"
)

// StateKey derives the logical state key for an operation at a quote
// version. It is stable across retries, so duplicate chat events targeting
// the same quote state collapse onto one task.
func StateKey(operation string, quoteVersion int) string {
	return fmt.Sprintf("%s@v%d", operation, quoteVersion)
}

// IdempotencyKey derives the queue-wide unique key for a task. The
// derivation from (quote, operation, quote version) is the enqueue contract:
// producers never supply their own keys, so any two producers naming the
// same operation at the same quote version collapse onto one task. An
// operation that must run more than once per quote version needs a distinct
// operation name.
func IdempotencyKey(quoteID, operation string, quoteVersion int) string {
	return fmt.Sprintf("%s:%s", quoteID, StateKey(operation, quoteVersion))
}

// NewTask builds a pending task for an operation produced at a given quote
// version.
func NewTask(quoteID, operation string, quoteVersion int, payload map[string]any, availableAt time.Time, maxAttempts int) (*models.ExecutionQueueTask, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate task ID: %w", err)
	}

	return &models.ExecutionQueueTask{
		ID:             id.String(),
		QuoteID:        quoteID,
		Operation:      operation,
		IdempotencyKey: IdempotencyKey(quoteID, operation, quoteVersion),
		StateKey:       StateKey(operation, quoteVersion),
		Payload:        payload,
		AvailableAt:    availableAt.UTC(),
		MaxAttempts:    maxAttempts,
		Status:         models.TaskStatusPending,
		CreatedAt:      availableAt.UTC(),
		UpdatedAt:      availableAt.UTC(),
	}, nil
}

// Queue is the write entry point for producers outside the flow engine and
// the lease/complete surface for workers.
type Queue struct {
	persistence persistence.Persistence
	config      Config
	logger      *slog.Logger
}

// NewQueue creates a queue service.
func NewQueue(p persistence.Persistence, config Config, logger *slog.Logger) *Queue {
	return &Queue{
		persistence: p,
		config:      config,
		logger:      logger.With("module", "execution_queue"),
	}
}

// Enqueue inserts a task unless one with the same idempotency key already
// exists, in which case the existing task is returned unchanged. This is
// the primary defense against duplicate chat events re-triggering the same
// side effect. A key hit carrying a different payload is not a duplicate
// but a producer bug, surfaced as ErrIdempotencyConflict.
func (q *Queue) Enqueue(ctx context.Context, quoteID, operation string, quoteVersion int, payload map[string]any, availableAt time.Time) (*models.ExecutionQueueTask, error) {
	task, err := NewTask(quoteID, operation, quoteVersion, payload, availableAt, q.config.MaxAttempts)
	if err != nil {
		return nil, err
	}

	existing, inserted, err := q.persistence.InsertTask(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	if !inserted {
		q.logger.DebugContext(ctx, "Duplicate enqueue deduplicated",
			"quote_id", quoteID,
			"idempotency_key", task.IdempotencyKey,
		)

		return existing, nil
	}

	return task, nil
}

// LeaseNext atomically claims the earliest available pending task. The
// claim expires after the configured lease timeout, after which the sweeper
// may hand the task back to pending. Returns nil when the queue is drained.
func (q *Queue) LeaseNext(ctx context.Context, now time.Time) (*models.ExecutionQueueTask, error) {
	task, err := q.persistence.LeaseNext(ctx, now, now.Add(q.config.LeaseTimeout))
	if err != nil {
		if errors.Is(err, persistence.ErrNoTaskAvailable) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to lease task: %w", err)
	}

	return task, nil
}

// Outcome carries the result of executing a leased task's side effect.
type Outcome struct {
	Err    error
	Result map[string]any
}

// Complete finishes a leased task. Success records the idempotency entry
// and marks the task succeeded. Failure retries with exponential backoff
// until attempts are exhausted, then marks the task dead; dead tasks
// require manual intervention and are never silently dropped.
func (q *Queue) Complete(ctx context.Context, task *models.ExecutionQueueTask, outcome Outcome, now time.Time) error {
	if outcome.Err == nil {
		return q.succeed(ctx, task, outcome.Result, now, "")
	}

	task.Attempts++
	task.LastError = outcome.Err.Error()
	task.LeasedUntil = nil
	task.UpdatedAt = now.UTC()

	if task.Attempts < task.MaxAttempts {
		task.Status = models.TaskStatusPending
		task.AvailableAt = now.Add(retryDelay(q.config, task.Attempts)).UTC()

		err := q.persistence.UpdateTask(ctx, task, models.TaskStatusProcessing, "retry scheduled: "+outcome.Err.Error())
		if err != nil {
			return fmt.Errorf("failed to schedule retry: %w", err)
		}

		q.logger.WarnContext(ctx, "Task failed, retry scheduled",
			"task_id", task.ID,
			"operation", task.Operation,
			"attempt", task.Attempts,
			"available_at", task.AvailableAt,
			"error", outcome.Err,
		)

		return nil
	}

	task.Status = models.TaskStatusDead

	err := q.persistence.UpdateTask(ctx, task, models.TaskStatusProcessing, "retries exhausted: "+outcome.Err.Error())
	if err != nil {
		return fmt.Errorf("failed to mark task dead: %w", err)
	}

	q.logger.ErrorContext(ctx, "Task exhausted retries, marked dead",
		"task_id", task.ID,
		"quote_id", task.QuoteID,
		"operation", task.Operation,
		"attempts", task.Attempts,
		"error", outcome.Err,
	)

	return &TaskExhaustedError{TaskID: task.ID, QuoteID: task.QuoteID, Operation: task.Operation, Attempts: task.Attempts, Err: outcome.Err}
}

// MarkReplayed marks a leased task succeeded without re-running its side
// effect, because the idempotency ledger proves a prior attempt completed.
func (q *Queue) MarkReplayed(ctx context.Context, task *models.ExecutionQueueTask, now time.Time) error {
	return q.succeed(ctx, task, nil, now, "idempotency ledger hit, side effect skipped")
}

func (q *Queue) succeed(ctx context.Context, task *models.ExecutionQueueTask, result map[string]any, now time.Time, note string) error {
	if note == "" {
		entry := &models.IdempotencyLedgerEntry{
			QuoteID:      task.QuoteID,
			StateKey:     task.StateKey,
			QuoteVersion: quoteVersionOf(task),
			Result:       result,
			CreatedAt:    now.UTC(),
			ExpiresAt:    now.Add(q.config.IdempotencyTTL).UTC(),
		}

		err := q.persistence.SaveIdempotencyEntry(ctx, entry)
		if err != nil {
			return fmt.Errorf("failed to save idempotency entry: %w", err)
		}
	}

	task.Status = models.TaskStatusSucceeded
	task.LeasedUntil = nil
	task.UpdatedAt = now.UTC()

	err := q.persistence.UpdateTask(ctx, task, models.TaskStatusProcessing, note)
	if err != nil {
		return fmt.Errorf("failed to mark task succeeded: %w", err)
	}

	return nil
}

// quoteVersionOf recovers the quote version embedded in the task's state
// key; the worker records it so the sweeper can tell when the quote has
// advanced past the entry.
func quoteVersionOf(task *models.ExecutionQueueTask) int {
	var version int

	_, err := fmt.Sscanf(task.StateKey, task.Operation+"@v%d", &version)
	if err != nil {
		return 0
	}

	return version
}
