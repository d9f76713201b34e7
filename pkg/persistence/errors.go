// Package persistence provides standardized error types for storage
// operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrQuoteNotFound indicates a quote was not found by the given identifier.
	ErrQuoteNotFound = errors.New("quote not found")

	// ErrFlowStateNotFound indicates no flow state exists for the given quote.
	ErrFlowStateNotFound = errors.New("flow state not found")

	// ErrTaskNotFound indicates a queue task was not found by the given identifier.
	ErrTaskNotFound = errors.New("task not found")

	// ErrNoTaskAvailable indicates no pending task is available for leasing.
	ErrNoTaskAvailable = errors.New("no task available")

	// ErrLedgerEntryNotFound indicates a ledger entry was not found.
	ErrLedgerEntryNotFound = errors.New("ledger entry not found")

	// ErrConcurrentModification indicates a transition lost a race for its
	// quote and should be retried against fresh state.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrIdempotencyConflict indicates an idempotency key was reused with a
	// different payload. This signals a caller bug and is never retried.
	ErrIdempotencyConflict = errors.New("idempotency key conflict")

	// ErrLedgerHalted indicates appends for the quote are blocked pending
	// manual investigation of a chain integrity failure.
	ErrLedgerHalted = errors.New("ledger halted for quote")
)

// QuoteError wraps quote-scoped storage errors with additional context.
type QuoteError struct {
	Op      string // Operation being performed (e.g., "ApplyTransition", "LeaseNext")
	QuoteID string // Quote ID if applicable
	Err     error  // Underlying error
}

func (e *QuoteError) Error() string {
	return fmt.Sprintf("%s operation failed for quote %s: %v", e.Op, e.QuoteID, e.Err)
}

func (e *QuoteError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for quote errors.
func (e *QuoteError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewQuoteError creates a new quote error with context.
func NewQuoteError(op, quoteID string, err error) *QuoteError {
	return &QuoteError{
		Op:      op,
		QuoteID: quoteID,
		Err:     err,
	}
}

// TaskError wraps task-scoped storage errors with additional context.
type TaskError struct {
	Op     string
	TaskID string
	Err    error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s operation failed for task %s: %v", e.Op, e.TaskID, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

func (e *TaskError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewTaskError creates a new task error with context.
func NewTaskError(op, taskID string, err error) *TaskError {
	return &TaskError{
		Op:     op,
		TaskID: taskID,
		Err:    err,
	}
}

// IsQuoteNotFound checks if an error indicates a quote was not found.
func IsQuoteNotFound(err error) bool {
	return errors.Is(err, ErrQuoteNotFound)
}

// IsFlowStateNotFound checks if an error indicates a flow state was not found.
func IsFlowStateNotFound(err error) bool {
	return errors.Is(err, ErrFlowStateNotFound)
}

// IsTaskNotFound checks if an error indicates a queue task was not found.
func IsTaskNotFound(err error) bool {
	return errors.Is(err, ErrTaskNotFound)
}

// IsConcurrentModification checks if an error indicates a lost transition race.
func IsConcurrentModification(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsIdempotencyConflict checks if an error indicates an idempotency key reuse bug.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyConflict)
}

// IsLedgerHalted checks if an error indicates appends are blocked for a quote.
func IsLedgerHalted(err error) bool {
	return errors.Is(err, ErrLedgerHalted)
}

// IsNoTaskAvailable checks if an error indicates an empty queue.
func IsNoTaskAvailable(err error) bool {
	return errors.Is(err, ErrNoTaskAvailable)
}
