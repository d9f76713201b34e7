// Package services wires the flow engine, execution queue and quote ledger
// into the operations exposed to transports.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/quotehq/quoteflow/pkg/eventbus"
	"github.com/quotehq/quoteflow/pkg/events"
	"github.com/quotehq/quoteflow/pkg/flow"
	"github.com/quotehq/quoteflow/pkg/models"
	"github.com/quotehq/quoteflow/pkg/persistence"
	"github.com/quotehq/quoteflow/pkg/queue"
)

// SweeperActorID is the actor recorded on transitions the term sweeper
// produces.
const SweeperActorID = "system:sweeper"

// StartFlowRequest creates a quote and enters it into a guided flow.
type StartFlowRequest struct {
	FlowType  models.FlowType `json:"flow_type" validate:"required,oneof=net-new renewal"`
	Currency  string          `json:"currency"  validate:"required,iso4217"`
	Owner     string          `json:"owner"     validate:"required"`
	ActorID   string          `json:"actor_id"  validate:"required"`
	TermStart *time.Time      `json:"term_start,omitempty"`
	TermEnd   *time.Time      `json:"term_end,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// FlowService is the write path: it turns flow events into committed
// transitions.
type FlowService struct {
	persistence persistence.Persistence
	engine      *flow.Engine
	queueConfig queue.Config
	eventBus    eventbus.EventBus
	validator   *validator.Validate
	logger      *slog.Logger
}

// NewFlowService creates a flow service.
func NewFlowService(
	p persistence.Persistence,
	engine *flow.Engine,
	queueConfig queue.Config,
	eventBus eventbus.EventBus,
	logger *slog.Logger,
) *FlowService {
	return &FlowService{
		persistence: p,
		engine:      engine,
		queueConfig: queueConfig,
		eventBus:    eventBus,
		validator:   validator.New(),
		logger:      logger.With("module", "flow_service"),
	}
}

// StartFlow creates a new quote and commits its first transition, version 1
// of the ledger chain.
func (s *FlowService) StartFlow(ctx context.Context, req StartFlowRequest) (*flow.Transition, error) {
	err := s.validator.Struct(req)
	if err != nil {
		return nil, fmt.Errorf("invalid start flow request: %w", err)
	}

	quote := &models.Quote{
		Status:    models.QuoteStatusDraft,
		Currency:  req.Currency,
		Owner:     req.Owner,
		TermStart: req.TermStart,
		TermEnd:   req.TermEnd,
		Metadata:  req.Metadata,
	}

	err = s.persistence.CreateQuote(ctx, quote)
	if err != nil {
		return nil, fmt.Errorf("failed to create quote: %w", err)
	}

	event := models.FlowEvent{
		Kind:       models.EventStart,
		QuoteID:    quote.ID,
		ActorID:    req.ActorID,
		OccurredAt: time.Now().UTC(),
	}

	transition, err := s.engine.NewFlowState(req.FlowType, quote, event)
	if err != nil {
		return nil, err
	}

	err = s.commit(ctx, transition, quote.Version, event, "")
	if err != nil {
		return nil, err
	}

	return transition, nil
}

// ApplyEvent applies one flow event against the quote's current state.
// Rejections are recorded on the flow state's metadata and surfaced as typed
// errors; they never consume a version number. A lost commit race returns
// ErrConcurrentModification and the caller retries against fresh state.
func (s *FlowService) ApplyEvent(ctx context.Context, event models.FlowEvent) (*flow.Transition, error) {
	err := s.validator.Struct(event)
	if err != nil {
		return nil, fmt.Errorf("invalid flow event: %w", err)
	}

	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	quote, err := s.persistence.QuoteByID(ctx, event.QuoteID)
	if err != nil {
		return nil, err
	}

	state, err := s.persistence.FlowStateByQuoteID(ctx, event.QuoteID)
	if err != nil {
		return nil, err
	}

	fromStep := state.CurrentStep

	transition, err := s.engine.Apply(state, quote, event)
	if err != nil {
		if flow.IsRejection(err) {
			s.recordRejection(ctx, state, event, err)
		}

		return nil, err
	}

	if transition.Replayed {
		s.logger.InfoContext(ctx, "Terminal event replayed, nothing committed",
			"quote_id", quote.ID,
			"event_kind", event.Kind,
		)

		return transition, nil
	}

	err = s.commit(ctx, transition, quote.Version, event, fromStep)
	if err != nil {
		return nil, err
	}

	return transition, nil
}

// ExpireDueQuotes applies an expire event to every non-terminal quote whose
// term has ended. Quotes that lose a commit race are picked up by the next
// sweep.
func (s *FlowService) ExpireDueQuotes(ctx context.Context, now time.Time) (int, error) {
	quotes, err := s.persistence.QuotesPastTerm(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list quotes past term: %w", err)
	}

	expired := 0

	for _, quote := range quotes {
		event := models.FlowEvent{
			Kind:       models.EventExpire,
			QuoteID:    quote.ID,
			ActorID:    SweeperActorID,
			OccurredAt: now.UTC(),
		}

		_, err := s.ApplyEvent(ctx, event)
		if err != nil {
			s.logger.WarnContext(ctx, "Failed to expire quote",
				"quote_id", quote.ID,
				"error", err,
			)

			continue
		}

		expired++
		s.publishExpired(ctx, quote, now)
	}

	return expired, nil
}

func (s *FlowService) commit(ctx context.Context, transition *flow.Transition, expectedVersion int, event models.FlowEvent, fromStep models.FlowStep) error {
	tasks := make([]*models.ExecutionQueueTask, 0, len(transition.Tasks))

	for _, req := range transition.Tasks {
		task, err := queue.NewTask(
			transition.Quote.ID,
			req.Operation,
			transition.Quote.Version,
			req.Payload,
			event.OccurredAt,
			s.queueConfig.MaxAttempts,
		)
		if err != nil {
			return err
		}

		tasks = append(tasks, task)
	}

	commit := &persistence.TransitionCommit{
		Quote:           transition.Quote,
		FlowState:       transition.FlowState,
		ExpectedVersion: expectedVersion,
		Tasks:           tasks,
		Append:          transition.Append,
		CancelPending:   transition.CancelQueued,
	}

	err := s.persistence.ApplyTransition(ctx, commit)
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "Flow transition committed",
		"quote_id", transition.Quote.ID,
		"event_kind", event.Kind,
		"step", transition.FlowState.CurrentStep,
		"version", transition.Quote.Version,
		"tasks", len(tasks),
	)

	s.publishCommitted(ctx, transition, event, fromStep)

	return nil
}

// recordRejection stores the rejection on the flow state for operator
// inspection. Best effort: a failed write only logs.
func (s *FlowService) recordRejection(ctx context.Context, state *models.FlowState, event models.FlowEvent, rejection error) {
	updated := state.Clone()
	updated.Metadata[models.MetadataLastRejection] = map[string]any{
		"event_kind":  string(event.Kind),
		"step":        string(state.CurrentStep),
		"reason":      rejection.Error(),
		"occurred_at": event.OccurredAt.UTC().Format(time.RFC3339),
	}

	err := s.persistence.SaveFlowState(ctx, updated)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to record rejection",
			"quote_id", state.QuoteID,
			"error", err,
		)
	}
}

func (s *FlowService) publishCommitted(ctx context.Context, transition *flow.Transition, event models.FlowEvent, fromStep models.FlowStep) {
	if s.eventBus == nil {
		return
	}

	committed := events.TransitionCommitted{
		BaseEvent: events.BaseEvent{
			ID:        s.eventBus.GenerateID(),
			Type:      events.TransitionCommittedEvent,
			Timestamp: time.Now().UTC(),
			QuoteID:   transition.Quote.ID,
		},
		EventKind:  event.Kind,
		FromStep:   fromStep,
		ToStep:     transition.FlowState.CurrentStep,
		Version:    transition.Quote.Version,
		ActionType: transition.Append.ActionType,
		ActorID:    event.ActorID,
	}

	err := s.eventBus.Publish(ctx, transition.Quote.ID, committed)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to publish transition event",
			"quote_id", transition.Quote.ID,
			"error", err,
		)
	}
}

func (s *FlowService) publishExpired(ctx context.Context, quote *models.Quote, now time.Time) {
	if s.eventBus == nil {
		return
	}

	expired := events.QuoteExpired{
		BaseEvent: events.BaseEvent{
			ID:        s.eventBus.GenerateID(),
			Type:      events.QuoteExpiredEvent,
			Timestamp: now.UTC(),
			QuoteID:   quote.ID,
		},
	}
	if quote.TermEnd != nil {
		expired.TermEnd = quote.TermEnd.UTC()
	}

	err := s.eventBus.Publish(ctx, quote.ID, expired)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to publish expiry event",
			"quote_id", quote.ID,
			"error", err,
		)
	}
}
