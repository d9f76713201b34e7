// Package flow implements the per-quote flow state machine: a deterministic,
// replay-stable transition engine driven by closed step and event
// enumerations.
package flow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/quotehq/quoteflow/pkg/models"
)

// ErrRejected is the sentinel all flow rejections match. Rejections are
// user-facing and recoverable; they never reach the ledger and consume no
// version number.
var ErrRejected = errors.New("flow event rejected")

// RejectionError reports an event the transition table does not allow from
// the current step, or a malformed payload.
type RejectionError struct {
	Step   models.FlowStep
	Kind   models.EventKind
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("event %q rejected at step %q: %s", e.Kind, e.Step, e.Reason)
}

func (e *RejectionError) Is(target error) bool {
	return target == ErrRejected
}

// MissingFieldsError reports an advance attempt while required fields are
// still missing. Missing is sorted, so the same inputs always produce the
// same error.
type MissingFieldsError struct {
	Step    models.FlowStep
	Missing []string
}

func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf("step %q has missing required fields: %s", e.Step, strings.Join(e.Missing, ", "))
}

func (e *MissingFieldsError) Is(target error) bool {
	return target == ErrRejected
}

// IsRejection checks whether an error is a user-recoverable flow rejection.
func IsRejection(err error) bool {
	return errors.Is(err, ErrRejected)
}
