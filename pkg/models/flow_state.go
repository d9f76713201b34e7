package models

import "time"

// FlowType identifies a guided conversation template.
type FlowType string

const (
	FlowTypeNetNew  FlowType = "net-new"
	FlowTypeRenewal FlowType = "renewal"
)

// FlowStep is a closed enumeration of steps a flow can be in. Steps are
// shared across flow types; each type's transition table decides which of
// them it uses.
type FlowStep string

const (
	StepCollectDetails FlowStep = "collect_details"
	StepConfigureLines FlowStep = "configure_lines"
	StepReviewPricing  FlowStep = "review_pricing"
	StepAwaitApproval  FlowStep = "await_approval"
	StepFinalize       FlowStep = "finalize"
	StepCompleted      FlowStep = "completed"
	StepCancelled      FlowStep = "cancelled"
	StepExpired        FlowStep = "expired"
)

// Terminal reports whether a step accepts no further events (other than
// idempotent re-delivery of its own terminating event).
func (s FlowStep) Terminal() bool {
	switch s {
	case StepCompleted, StepCancelled, StepExpired:
		return true
	default:
		return false
	}
}

// MetadataLastRejection is the FlowState.Metadata key under which the most
// recent transition rejection is recorded. Rejections never reach the ledger
// and consume no version number.
const MetadataLastRejection = "last_rejection"

// FlowState is the per-quote state machine row, one-to-one with a Quote.
// MissingFields is always a subset of RequiredFields for the current step.
type FlowState struct {
	QuoteID        string            `json:"quote_id"  validate:"required"`
	FlowType       FlowType          `json:"flow_type" validate:"required"`
	CurrentStep    FlowStep          `json:"current_step"`
	StepNumber     int               `json:"step_number"`
	RequiredFields []string          `json:"required_fields"`
	MissingFields  []string          `json:"missing_fields"`
	Fields         map[string]string `json:"fields"`
	LastPrompt     string            `json:"last_prompt,omitempty"`
	LastInput      string            `json:"last_input,omitempty"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	ArchivedAt     *time.Time        `json:"archived_at,omitempty"`
}

// Clone returns a deep copy so the flow engine can stay pure: Apply never
// mutates the state it was given.
func (f *FlowState) Clone() *FlowState {
	clone := *f

	clone.RequiredFields = append([]string(nil), f.RequiredFields...)
	clone.MissingFields = append([]string(nil), f.MissingFields...)

	clone.Fields = make(map[string]string, len(f.Fields))
	for k, v := range f.Fields {
		clone.Fields[k] = v
	}

	clone.Metadata = make(map[string]any, len(f.Metadata))
	for k, v := range f.Metadata {
		clone.Metadata[k] = v
	}

	return &clone
}
