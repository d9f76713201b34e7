// Package web provides the HTTP surface of the quoting substrate: flow
// state reads, event submission, ledger inspection and queue operations.
package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/quotehq/quoteflow/pkg/models"
	"github.com/quotehq/quoteflow/pkg/persistence"
	"github.com/quotehq/quoteflow/pkg/queue"
	"github.com/quotehq/quoteflow/pkg/services"
)

type APIHandlers struct {
	flowService   *services.FlowService
	ledgerService *services.LedgerService
	queue         *queue.Queue
	persistence   persistence.Persistence
	validator     *validator.Validate
}

func NewAPIHandlers(
	flowService *services.FlowService,
	ledgerService *services.LedgerService,
	q *queue.Queue,
	p persistence.Persistence,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		flowService:   flowService,
		ledgerService: ledgerService,
		queue:         q,
		persistence:   p,
		validator:     validator,
	}
}

// CreateQuote creates a quote and starts its guided flow.
func (h *APIHandlers) CreateQuote(c fiber.Ctx) error {
	var req services.StartFlowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	transition, err := h.flowService.StartFlow(c.Context(), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(TransitionResponse{
		Quote:     transition.Quote,
		FlowState: transition.FlowState,
	})
}

func (h *APIHandlers) GetQuote(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Quote ID is required")
	}

	quote, err := h.persistence.QuoteByID(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(quote)
}

func (h *APIHandlers) GetFlowState(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Quote ID is required")
	}

	state, err := h.persistence.FlowStateByQuoteID(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(state)
}

// ApplyEvent submits one flow event for a quote.
func (h *APIHandlers) ApplyEvent(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Quote ID is required")
	}

	var req ApplyEventRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	event := models.FlowEvent{
		Kind:    req.Kind,
		QuoteID: id,
		ActorID: req.ActorID,
		Payload: req.Payload,
	}
	if req.OccurredAt != nil {
		event.OccurredAt = req.OccurredAt.UTC()
	}

	transition, err := h.flowService.ApplyEvent(c.Context(), event)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(TransitionResponse{
		Quote:     transition.Quote,
		FlowState: transition.FlowState,
		Replayed:  transition.Replayed,
		TaskCount: len(transition.Tasks),
	})
}

// GetLedger returns a quote's ledger entries, restartable via ?from=.
func (h *APIHandlers) GetLedger(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Quote ID is required")
	}

	fromVersion := 1

	if fromStr := c.Query("from"); fromStr != "" {
		from, err := strconv.Atoi(fromStr)
		if err != nil {
			return badRequest(c, "Invalid from parameter: "+err.Error())
		}

		fromVersion = from
	}

	entries, err := h.ledgerService.History(c.Context(), id, fromVersion)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(LedgerResponse{
		QuoteID:     id,
		FromVersion: fromVersion,
		Entries:     entries,
	})
}

// VerifyLedger runs on-demand chain verification. A broken chain is a
// successful verification run, reported in the result body, not an HTTP
// error.
func (h *APIHandlers) VerifyLedger(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Quote ID is required")
	}

	result, err := h.ledgerService.Verify(c.Context(), id, time.Now())
	if err != nil && result == nil {
		return handleServiceError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) GetVerifications(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Quote ID is required")
	}

	verifications, err := h.ledgerService.Verifications(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"quote_id": id, "verifications": verifications})
}

// ClearLedgerHalt re-enables appends after an operator resolved a break.
func (h *APIHandlers) ClearLedgerHalt(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Quote ID is required")
	}

	err := h.ledgerService.ClearHalt(c.Context(), id, time.Now())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"quote_id": id, "ledger_halted": false})
}

// EnqueueTask enqueues an operation against the quote's current version.
func (h *APIHandlers) EnqueueTask(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Quote ID is required")
	}

	var req EnqueueTaskRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	quote, err := h.persistence.QuoteByID(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	task, err := h.queue.Enqueue(c.Context(), quote.ID, req.Operation, quote.Version, req.Payload, time.Now())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(task)
}

func (h *APIHandlers) GetTasks(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Quote ID is required")
	}

	if _, err := h.persistence.QuoteByID(c.Context(), id); err != nil {
		return handleServiceError(c, err)
	}

	tasks, err := h.persistence.TasksByQuoteID(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"quote_id": id, "tasks": tasks})
}

func (h *APIHandlers) GetTaskAudit(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Task ID is required")
	}

	task, err := h.persistence.TaskByID(c.Context(), id)
	if err != nil {
		if persistence.IsTaskNotFound(err) {
			return notFound(c, "task not found")
		}

		return handleServiceError(c, err)
	}

	audits, err := h.persistence.AuditByTaskID(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"task": task, "audit": audits})
}

// GetDeadTasks lists tasks that exhausted their retry budget and await
// manual intervention.
func (h *APIHandlers) GetDeadTasks(c fiber.Ctx) error {
	tasks, err := h.persistence.DeadTasks(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"tasks": tasks})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	message := "QuoteFlow API is healthy"
	httpStatus := http.StatusOK

	if err := h.persistence.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		message = "Persistence layer is unhealthy: " + err.Error()
		httpStatus = http.StatusInternalServerError
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":    status,
		"message":   message,
		"timestamp": time.Now().UTC(),
	})
}
