package flow

import (
	"fmt"

	"github.com/quotehq/quoteflow/pkg/models"
)

// Definition describes one flow type: its ordered steps, the required field
// keys per step, and the transition table. Tables are closed maps over the
// step and event enumerations, so an unsupported transition is an explicit
// gap here, not a runtime string comparison.
type Definition struct {
	Type           models.FlowType
	Steps          []models.FlowStep
	RequiredFields map[models.FlowStep][]string
	Table          map[models.FlowStep]map[models.EventKind]models.FlowStep
}

// StepNumber returns the ordinal of a step within the flow, or -1 for steps
// the flow does not use.
func (d *Definition) StepNumber(step models.FlowStep) int {
	for i, s := range d.Steps {
		if s == step {
			return i
		}
	}

	return -1
}

// Required returns the required field keys for a step.
func (d *Definition) Required(step models.FlowStep) []string {
	return d.RequiredFields[step]
}

var definitions = map[models.FlowType]*Definition{
	models.FlowTypeNetNew: {
		Type: models.FlowTypeNetNew,
		Steps: []models.FlowStep{
			models.StepCollectDetails,
			models.StepConfigureLines,
			models.StepReviewPricing,
			models.StepAwaitApproval,
			models.StepFinalize,
			models.StepCompleted,
		},
		RequiredFields: map[models.FlowStep][]string{
			models.StepCollectDetails: {"customer", "term"},
			models.StepConfigureLines: {"line_items"},
		},
		Table: map[models.FlowStep]map[models.EventKind]models.FlowStep{
			models.StepCollectDetails: {
				models.EventFillField:  models.StepCollectDetails,
				models.EventSubmitStep: models.StepConfigureLines,
				models.EventCancel:     models.StepCancelled,
				models.EventExpire:     models.StepExpired,
			},
			models.StepConfigureLines: {
				models.EventFillField:  models.StepConfigureLines,
				models.EventSubmitStep: models.StepReviewPricing,
				models.EventCancel:     models.StepCancelled,
				models.EventExpire:     models.StepExpired,
			},
			models.StepReviewPricing: {
				models.EventAcceptPricing: models.StepAwaitApproval,
				models.EventCancel:        models.StepCancelled,
				models.EventExpire:        models.StepExpired,
			},
			models.StepAwaitApproval: {
				models.EventApprove: models.StepFinalize,
				models.EventReject:  models.StepCompleted,
				models.EventCancel:  models.StepCancelled,
				models.EventExpire:  models.StepExpired,
			},
			models.StepFinalize: {
				models.EventMarkWon:  models.StepCompleted,
				models.EventMarkLost: models.StepCompleted,
				models.EventCancel:   models.StepCancelled,
				models.EventExpire:   models.StepExpired,
			},
		},
	},
	models.FlowTypeRenewal: {
		Type: models.FlowTypeRenewal,
		Steps: []models.FlowStep{
			models.StepCollectDetails,
			models.StepReviewPricing,
			models.StepAwaitApproval,
			models.StepFinalize,
			models.StepCompleted,
		},
		RequiredFields: map[models.FlowStep][]string{
			models.StepCollectDetails: {"customer", "previous_quote", "term"},
		},
		Table: map[models.FlowStep]map[models.EventKind]models.FlowStep{
			models.StepCollectDetails: {
				models.EventFillField:  models.StepCollectDetails,
				models.EventSubmitStep: models.StepReviewPricing,
				models.EventCancel:     models.StepCancelled,
				models.EventExpire:     models.StepExpired,
			},
			models.StepReviewPricing: {
				models.EventAcceptPricing: models.StepAwaitApproval,
				models.EventCancel:        models.StepCancelled,
				models.EventExpire:        models.StepExpired,
			},
			models.StepAwaitApproval: {
				models.EventApprove: models.StepFinalize,
				models.EventReject:  models.StepCompleted,
				models.EventCancel:  models.StepCancelled,
				models.EventExpire:  models.StepExpired,
			},
			models.StepFinalize: {
				models.EventMarkWon:  models.StepCompleted,
				models.EventMarkLost: models.StepCompleted,
				models.EventCancel:   models.StepCancelled,
				models.EventExpire:   models.StepExpired,
			},
		},
	},
}

// DefinitionFor returns the flow definition for a type.
func DefinitionFor(flowType models.FlowType) (*Definition, error) {
	def, ok := definitions[flowType]
	if !ok {
		return nil, fmt.Errorf("unknown flow type: %s", flowType)
	}

	return def, nil
}
