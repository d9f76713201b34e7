package queue

import (
	"errors"
	"fmt"
)

// ErrTaskExhausted is the sentinel matched by TaskExhaustedError.
var ErrTaskExhausted = errors.New("task retries exhausted")

// TaskExhaustedError surfaces a dead task to operators. The quote remains
// in its last good state; the task requires manual intervention.
type TaskExhaustedError struct {
	TaskID    string
	QuoteID   string
	Operation string
	Attempts  int
	Err       error
}

func (e *TaskExhaustedError) Error() string {
	return fmt.Sprintf("task %s (%s) for quote %s dead after %d attempts: %v",
		e.TaskID, e.Operation, e.QuoteID, e.Attempts, e.Err)
}

func (e *TaskExhaustedError) Unwrap() error {
	return e.Err
}

func (e *TaskExhaustedError) Is(target error) bool {
	return target == ErrTaskExhausted
}

// IsTaskExhausted checks whether an error reports a dead task.
func IsTaskExhausted(err error) bool {
	return errors.Is(err, ErrTaskExhausted)
}
