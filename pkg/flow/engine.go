package flow

import (
	"fmt"
	"sort"

	"github.com/quotehq/quoteflow/pkg/ledger"
	"github.com/quotehq/quoteflow/pkg/models"
)

// TaskRequest asks the execution queue to run a side-effecting operation
// after the transition commits.
type TaskRequest struct {
	Operation string
	Payload   map[string]any
}

// Transition is the full outcome of applying one event: the updated quote
// and flow state, follow-up task requests, and the ledger append request.
// The caller persists all of it in one atomic transaction. Replayed marks
// the idempotent re-delivery of a terminating event: nothing to persist,
// identical result.
type Transition struct {
	Quote        *models.Quote
	FlowState    *models.FlowState
	Tasks        []TaskRequest
	Append       *ledger.AppendRequest
	CancelQueued bool
	Replayed     bool
}

// Engine applies flow events. Apply is pure given its inputs: the clock and
// actor travel inside the event, never read from ambient state, which is
// what makes replay deterministic.
type Engine struct{}

// NewEngine creates a flow engine.
func NewEngine() *Engine {
	return &Engine{}
}

// NewFlowState creates the initial flow state for a quote entering a guided
// flow.
func (e *Engine) NewFlowState(flowType models.FlowType, quote *models.Quote, event models.FlowEvent) (*Transition, error) {
	def, err := DefinitionFor(flowType)
	if err != nil {
		return nil, err
	}

	first := def.Steps[0]
	required := sortedCopy(def.Required(first))

	state := &models.FlowState{
		QuoteID:        quote.ID,
		FlowType:       flowType,
		CurrentStep:    first,
		StepNumber:     0,
		RequiredFields: required,
		MissingFields:  append([]string(nil), required...),
		Fields:         map[string]string{},
		Metadata:       map[string]any{},
		CreatedAt:      event.OccurredAt,
		UpdatedAt:      event.OccurredAt,
	}

	quoteCopy := cloneQuote(quote)
	quoteCopy.Version = quote.Version + 1
	quoteCopy.UpdatedAt = event.OccurredAt

	appendReq, err := e.appendRequest(quoteCopy, state, event, models.ActionFlowStarted)
	if err != nil {
		return nil, err
	}

	return &Transition{
		Quote:     quoteCopy,
		FlowState: state,
		Append:    appendReq,
	}, nil
}

// Apply validates one event against the flow's transition table and
// produces the resulting transition. Rejections are typed and reproducible:
// the same inputs always yield the same result.
func (e *Engine) Apply(state *models.FlowState, quote *models.Quote, event models.FlowEvent) (*Transition, error) {
	err := ValidatePayload(event)
	if err != nil {
		return nil, err
	}

	if event.QuoteID != state.QuoteID {
		return nil, &RejectionError{
			Step:   state.CurrentStep,
			Kind:   event.Kind,
			Reason: fmt.Sprintf("event targets quote %s, state belongs to %s", event.QuoteID, state.QuoteID),
		}
	}

	def, err := DefinitionFor(state.FlowType)
	if err != nil {
		return nil, err
	}

	if state.CurrentStep.Terminal() {
		return e.applyTerminal(state, quote, event)
	}

	next, ok := def.Table[state.CurrentStep][event.Kind]
	if !ok {
		return nil, &RejectionError{
			Step:   state.CurrentStep,
			Kind:   event.Kind,
			Reason: "transition not allowed from current step",
		}
	}

	newState := state.Clone()
	newQuote := cloneQuote(quote)

	if event.Kind == models.EventFillField {
		for key, value := range event.Fields() {
			newState.Fields[key] = value
		}
	}

	// Advancing past a step requires its field set to be complete. Edges
	// into terminal steps (cancel, expire, reject) always go through: a
	// half-filled quote must still be cancellable.
	if next != state.CurrentStep && !next.Terminal() {
		missing := missingFields(def.Required(state.CurrentStep), newState.Fields)
		if len(missing) > 0 {
			return nil, &MissingFieldsError{Step: state.CurrentStep, Missing: missing}
		}
	}

	newState.CurrentStep = next
	newState.StepNumber = def.StepNumber(next)
	newState.RequiredFields = sortedCopy(def.Required(next))
	newState.MissingFields = missingFields(newState.RequiredFields, newState.Fields)
	newState.LastInput = string(event.Kind)
	newState.UpdatedAt = event.OccurredAt

	if next.Terminal() {
		archived := event.OccurredAt
		newState.ArchivedAt = &archived
	}

	actionType, tasks := e.effects(state.CurrentStep, next, event)

	applyStatus(newQuote, actionType)

	newQuote.Version = quote.Version + 1
	newQuote.UpdatedAt = event.OccurredAt

	appendReq, err := e.appendRequest(newQuote, newState, event, actionType)
	if err != nil {
		return nil, err
	}

	return &Transition{
		Quote:        newQuote,
		FlowState:    newState,
		Tasks:        tasks,
		Append:       appendReq,
		CancelQueued: next.Terminal(),
	}, nil
}

// applyTerminal handles events against terminal steps. Re-delivery of the
// terminating event is a no-op with the original result; everything else is
// rejected.
func (e *Engine) applyTerminal(state *models.FlowState, quote *models.Quote, event models.FlowEvent) (*Transition, error) {
	if terminalReplay(state.CurrentStep, quote.Status, event.Kind) {
		return &Transition{
			Quote:     cloneQuote(quote),
			FlowState: state.Clone(),
			Replayed:  true,
		}, nil
	}

	return nil, &RejectionError{
		Step:   state.CurrentStep,
		Kind:   event.Kind,
		Reason: "flow is in a terminal step",
	}
}

func terminalReplay(step models.FlowStep, status models.QuoteStatus, kind models.EventKind) bool {
	switch step {
	case models.StepCancelled:
		return kind == models.EventCancel
	case models.StepExpired:
		return kind == models.EventExpire
	case models.StepCompleted:
		switch kind {
		case models.EventReject:
			return status == models.QuoteStatusRejected
		case models.EventMarkWon:
			return status == models.QuoteStatusWon
		case models.EventMarkLost:
			return status == models.QuoteStatusLost
		default:
			return false
		}
	default:
		return false
	}
}

// effects maps a committed edge to its ledger action type and follow-up
// queue tasks.
func (e *Engine) effects(from, to models.FlowStep, event models.FlowEvent) (models.ActionType, []TaskRequest) {
	switch event.Kind {
	case models.EventFillField:
		return models.ActionFieldsUpdated, nil
	case models.EventSubmitStep:
		var tasks []TaskRequest
		if to == models.StepReviewPricing {
			tasks = append(tasks, TaskRequest{Operation: models.OperationRecomputePricing})
		}

		return models.ActionStepAdvanced, tasks
	case models.EventAcceptPricing:
		return models.ActionPricingAccepted, []TaskRequest{{Operation: models.OperationRouteApproval}}
	case models.EventApprove:
		return models.ActionApprovalGranted, []TaskRequest{
			{Operation: models.OperationGenerateDocument},
			{Operation: models.OperationSyncCRM},
		}
	case models.EventReject:
		return models.ActionApprovalDenied, nil
	case models.EventMarkWon:
		return models.ActionQuoteWon, nil
	case models.EventMarkLost:
		return models.ActionQuoteLost, nil
	case models.EventCancel:
		return models.ActionQuoteCancelled, nil
	case models.EventExpire:
		return models.ActionQuoteExpired, nil
	default:
		return models.ActionStepAdvanced, nil
	}
}

func applyStatus(quote *models.Quote, action models.ActionType) {
	switch action {
	case models.ActionPricingAccepted:
		quote.Status = models.QuoteStatusSent
	case models.ActionApprovalGranted:
		quote.Status = models.QuoteStatusApproved
	case models.ActionApprovalDenied:
		quote.Status = models.QuoteStatusRejected
	case models.ActionQuoteWon:
		quote.Status = models.QuoteStatusWon
	case models.ActionQuoteLost:
		quote.Status = models.QuoteStatusLost
	case models.ActionQuoteExpired:
		quote.Status = models.QuoteStatusExpired
	}
}

func (e *Engine) appendRequest(quote *models.Quote, state *models.FlowState, event models.FlowEvent, action models.ActionType) (*ledger.AppendRequest, error) {
	canonicalState, err := ledger.CanonicalQuoteState(quote, state.Fields)
	if err != nil {
		return nil, err
	}

	return &ledger.AppendRequest{
		QuoteID:        quote.ID,
		ActorID:        event.ActorID,
		ActionType:     action,
		CanonicalState: canonicalState,
		At:             event.OccurredAt,
		Metadata: map[string]any{
			"event_kind": string(event.Kind),
			"step":       string(state.CurrentStep),
		},
	}, nil
}

func cloneQuote(quote *models.Quote) *models.Quote {
	clone := *quote

	clone.Metadata = make(map[string]any, len(quote.Metadata))
	for k, v := range quote.Metadata {
		clone.Metadata[k] = v
	}

	return &clone
}

func missingFields(required []string, fields map[string]string) []string {
	missing := make([]string, 0, len(required))

	for _, key := range required {
		if _, ok := fields[key]; !ok {
			missing = append(missing, key)
		}
	}

	sort.Strings(missing)

	return missing
}

func sortedCopy(keys []string) []string {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	return sorted
}
