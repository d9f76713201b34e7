package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/quotehq/quoteflow/pkg/eventbus"
	"github.com/quotehq/quoteflow/pkg/events"
	"github.com/quotehq/quoteflow/pkg/models"
	"github.com/quotehq/quoteflow/pkg/otelhelper"
	"github.com/quotehq/quoteflow/pkg/persistence"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Handler executes the side effect of one operation. Handlers run outside
// the transaction that claimed the task, so a slow external call never
// holds a store-level lock. Side effects must be naturally idempotent at
// the external boundary: a crash between execution and the idempotency
// write can cause one duplicate run.
type Handler func(ctx context.Context, task *models.ExecutionQueueTask) (map[string]any, error)

// Executor leases tasks and applies their side effects at-most-once.
type Executor struct {
	id           string
	queue        *Queue
	persistence  persistence.Persistence
	handlers     map[string]Handler
	eventBus     eventbus.EventBus
	tracer       trace.Tracer
	logger       *slog.Logger
	pollInterval time.Duration
}

// NewExecutor creates a task executor.
func NewExecutor(
	id string,
	queue *Queue,
	p persistence.Persistence,
	eventBus eventbus.EventBus,
	tracer trace.Tracer,
	logger *slog.Logger,
	pollInterval time.Duration,
) *Executor {
	return &Executor{
		id:           id,
		queue:        queue,
		persistence:  p,
		handlers:     make(map[string]Handler),
		eventBus:     eventBus,
		tracer:       tracer,
		logger:       logger.With("module", "task_executor", "worker_id", id),
		pollInterval: pollInterval,
	}
}

// Register installs the handler for an operation.
func (e *Executor) Register(operation string, handler Handler) {
	e.handlers[operation] = handler
}

// Run polls the queue until the context is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for {
				processed, err := e.RunOnce(ctx, time.Now())
				if err != nil {
					e.logger.ErrorContext(ctx, "Task processing failed", "error", err)

					break
				}

				if !processed {
					break
				}
			}
		}
	}
}

// RunOnce leases and processes at most one task. It reports whether a task
// was processed.
func (e *Executor) RunOnce(ctx context.Context, now time.Time) (bool, error) {
	task, err := e.queue.LeaseNext(ctx, now)
	if err != nil {
		return false, err
	}

	if task == nil {
		return false, nil
	}

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "execute_task",
		attribute.String(otelhelper.QuoteIDKey, task.QuoteID),
		attribute.String(otelhelper.TaskIDKey, task.ID),
		attribute.String(otelhelper.OperationKey, task.Operation),
	)
	defer span.End()

	err = e.process(ctx, task, now)
	if err != nil {
		otelhelper.SetError(span, err)

		return true, err
	}

	return true, nil
}

func (e *Executor) process(ctx context.Context, task *models.ExecutionQueueTask, now time.Time) error {
	// A non-expired idempotency entry proves a prior attempt already ran
	// the side effect, possibly crashing before it could mark the task.
	entry, err := e.persistence.IdempotencyEntry(ctx, task.QuoteID, task.StateKey)
	if err != nil {
		return fmt.Errorf("failed to consult idempotency ledger: %w", err)
	}

	if entry != nil {
		replay := !entry.Expired(now)

		if !replay {
			// An expired entry still witnesses a completed run. Re-executing
			// is only safe once the quote has advanced past the version that
			// run recorded; on a quote still at that version the side effect
			// would fire twice for the same state.
			quote, qerr := e.persistence.QuoteByID(ctx, task.QuoteID)
			if qerr != nil {
				return fmt.Errorf("failed to load quote for idempotency check: %w", qerr)
			}

			replay = quote.Version <= entry.QuoteVersion
		}

		if replay {
			e.logger.InfoContext(ctx, "Idempotency ledger hit, skipping side effect",
				"task_id", task.ID,
				"state_key", task.StateKey,
			)

			return e.queue.MarkReplayed(ctx, task, now)
		}
	}

	handler, ok := e.handlers[task.Operation]

	var outcome Outcome

	if !ok {
		outcome = Outcome{Err: fmt.Errorf("no handler registered for operation %q", task.Operation)}
	} else {
		result, handlerErr := handler(ctx, task)
		outcome = Outcome{Result: result, Err: handlerErr}
	}

	err = e.queue.Complete(ctx, task, outcome, now)
	if err != nil {
		if IsTaskExhausted(err) {
			e.publishTaskDead(ctx, task, outcome.Err)

			return nil
		}

		return err
	}

	return nil
}

func (e *Executor) publishTaskDead(ctx context.Context, task *models.ExecutionQueueTask, cause error) {
	if e.eventBus == nil {
		return
	}

	event := events.TaskDead{
		BaseEvent: events.BaseEvent{
			ID:        e.eventBus.GenerateID(),
			Type:      events.TaskDeadEvent,
			Timestamp: time.Now().UTC(),
			QuoteID:   task.QuoteID,
			WorkerID:  e.id,
		},
		TaskID:    task.ID,
		Operation: task.Operation,
		Attempts:  task.Attempts,
		Error:     cause.Error(),
	}

	err := e.eventBus.Publish(ctx, task.QuoteID, event)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish dead task event", "task_id", task.ID, "error", err)
	}
}
