package models

import "time"

// EventKind is a closed enumeration of flow event kinds supplied by the
// intent extractor / chat transport.
type EventKind string

const (
	EventStart         EventKind = "start"
	EventFillField     EventKind = "fill_field"
	EventSubmitStep    EventKind = "submit_step"
	EventAcceptPricing EventKind = "accept_pricing"
	EventApprove       EventKind = "approve"
	EventReject        EventKind = "reject"
	EventMarkWon       EventKind = "mark_won"
	EventMarkLost      EventKind = "mark_lost"
	EventCancel        EventKind = "cancel"
	EventExpire        EventKind = "expire"
)

// FlowEvent is an ephemeral input value, consumed exactly once by the flow
// engine. It carries its own clock and actor so that applying it is a pure
// function of its inputs.
type FlowEvent struct {
	Kind       EventKind      `json:"kind"     validate:"required"`
	QuoteID    string         `json:"quote_id" validate:"required"`
	ActorID    string         `json:"actor_id" validate:"required"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Fields returns the field values carried by a fill_field payload.
func (e FlowEvent) Fields() map[string]string {
	raw, ok := e.Payload["fields"].(map[string]any)
	if !ok {
		return nil
	}

	fields := make(map[string]string, len(raw))

	for k, v := range raw {
		if s, ok := v.(string); ok {
			fields[k] = s
		}
	}

	return fields
}
