package web

import (
	"time"

	"github.com/quotehq/quoteflow/pkg/models"
)

// ApplyEventRequest is the transport shape of a flow event. OccurredAt is
// optional; the service stamps receipt time when absent.
type ApplyEventRequest struct {
	Kind       models.EventKind `json:"kind"     validate:"required"`
	ActorID    string           `json:"actor_id" validate:"required"`
	Payload    map[string]any   `json:"payload,omitempty"`
	OccurredAt *time.Time       `json:"occurred_at,omitempty"`
}

// EnqueueTaskRequest enqueues an operation for a quote at its current
// version. Duplicate submissions collapse onto the existing task.
type EnqueueTaskRequest struct {
	Operation string         `json:"operation" validate:"required,oneof=recompute_pricing route_approval generate_document sync_crm"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// TransitionResponse is returned after a committed or replayed transition.
type TransitionResponse struct {
	Quote     *models.Quote     `json:"quote"`
	FlowState *models.FlowState `json:"flow_state"`
	Replayed  bool              `json:"replayed"`
	TaskCount int               `json:"task_count"`
}

// LedgerResponse wraps a ledger history page.
type LedgerResponse struct {
	QuoteID     string                     `json:"quote_id"`
	FromVersion int                        `json:"from_version"`
	Entries     []*models.QuoteLedgerEntry `json:"entries"`
}
