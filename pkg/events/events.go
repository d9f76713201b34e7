// Package events defines event types and structures for quote lifecycle
// notifications consumed by downstream collaborators (CRM sync, analytics).
package events

import (
	"time"

	"github.com/quotehq/quoteflow/pkg/models"
)

type EventType string

// Kafka topic for quote lifecycle events.
const Topic = "quoteflow.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Flow lifecycle events.
	TransitionCommittedEvent EventType = "quote.transition.committed"
	QuoteExpiredEvent        EventType = "quote.expired"

	// Queue lifecycle events.
	TaskDeadEvent EventType = "queue.task.dead"

	// Ledger events.
	LedgerBrokenEvent EventType = "ledger.chain.broken"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	QuoteID   string         `json:"quote_id"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TransitionCommitted is published after a flow transition and its ledger
// append commit.
type TransitionCommitted struct {
	BaseEvent

	EventKind  models.EventKind  `json:"event_kind"`
	FromStep   models.FlowStep   `json:"from_step"`
	ToStep     models.FlowStep   `json:"to_step"`
	Version    int               `json:"version"`
	ActionType models.ActionType `json:"action_type"`
	ActorID    string            `json:"actor_id"`
}

func (e TransitionCommitted) GetType() EventType {
	return TransitionCommittedEvent
}

// QuoteExpired is published when the sweeper expires a quote past its term.
type QuoteExpired struct {
	BaseEvent

	TermEnd time.Time `json:"term_end"`
}

func (e QuoteExpired) GetType() EventType {
	return QuoteExpiredEvent
}

// TaskDead is the operator-visible escalation for a task that exhausted its
// retry budget.
type TaskDead struct {
	BaseEvent

	TaskID    string `json:"task_id"`
	Operation string `json:"operation"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error"`
}

func (e TaskDead) GetType() EventType {
	return TaskDeadEvent
}

// LedgerBroken reports a chain verification failure. Appends for the quote
// are halted until an operator clears the break.
type LedgerBroken struct {
	BaseEvent

	BrokenVersion int    `json:"broken_version"`
	Detail        string `json:"detail"`
}

func (e LedgerBroken) GetType() EventType {
	return LedgerBrokenEvent
}
