package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/quotehq/quoteflow/pkg/models"
	"github.com/quotehq/quoteflow/pkg/persistence"
	"github.com/quotehq/quoteflow/pkg/queue"
)

// operationHandlers owns the side effects behind queue operations. Real
// deployments talk to the pricing service, approval router, document
// renderer and CRM here; results flow into the idempotency ledger so
// retries and duplicates never re-run them.
type operationHandlers struct {
	persistence persistence.Persistence
	logger      *slog.Logger
}

func newOperationHandlers(p persistence.Persistence, logger *slog.Logger) *operationHandlers {
	return &operationHandlers{
		persistence: p,
		logger:      logger.With("module", "operation_handlers"),
	}
}

func (h *operationHandlers) registerAll(executor *queue.Executor) {
	executor.Register(models.OperationRecomputePricing, h.recomputePricing)
	executor.Register(models.OperationRouteApproval, h.routeApproval)
	executor.Register(models.OperationGenerateDocument, h.generateDocument)
	executor.Register(models.OperationSyncCRM, h.syncCRM)
}

// recomputePricing derives the quote total from its collected fields. The
// computation is deterministic so a replay produces the identical result.
func (h *operationHandlers) recomputePricing(ctx context.Context, task *models.ExecutionQueueTask) (map[string]any, error) {
	state, err := h.persistence.FlowStateByQuoteID(ctx, task.QuoteID)
	if err != nil {
		return nil, fmt.Errorf("failed to load flow state: %w", err)
	}

	quote, err := h.persistence.QuoteByID(ctx, task.QuoteID)
	if err != nil {
		return nil, err
	}

	lineItems := splitLineItems(state.Fields["line_items"])
	termMonths := termMonthsOf(state.Fields["term"])

	// Placeholder rate card until the pricing service integration lands.
	const unitRate = 120

	subtotal := len(lineItems) * unitRate * termMonths

	h.logger.InfoContext(ctx, "Pricing recomputed",
		"quote_id", task.QuoteID,
		"line_items", len(lineItems),
		"term_months", termMonths,
		"subtotal", subtotal,
	)

	return map[string]any{
		"subtotal":    subtotal,
		"currency":    quote.Currency,
		"line_items":  len(lineItems),
		"term_months": termMonths,
	}, nil
}

// routeApproval picks the approval queue for the quote based on its owner.
func (h *operationHandlers) routeApproval(ctx context.Context, task *models.ExecutionQueueTask) (map[string]any, error) {
	quote, err := h.persistence.QuoteByID(ctx, task.QuoteID)
	if err != nil {
		return nil, err
	}

	approvalQueue := "approvals:" + quote.Currency

	h.logger.InfoContext(ctx, "Approval routed",
		"quote_id", task.QuoteID,
		"owner", quote.Owner,
		"approval_queue", approvalQueue,
	)

	return map[string]any{
		"approval_queue": approvalQueue,
		"routed_for":     quote.Owner,
	}, nil
}

// generateDocument renders the final quote document. The reference is
// derived from quote and version, so re-generation lands on the same key.
func (h *operationHandlers) generateDocument(ctx context.Context, task *models.ExecutionQueueTask) (map[string]any, error) {
	quote, err := h.persistence.QuoteByID(ctx, task.QuoteID)
	if err != nil {
		return nil, err
	}

	documentRef := fmt.Sprintf("documents/%s/%s.pdf", quote.ID, task.StateKey)

	h.logger.InfoContext(ctx, "Quote document generated",
		"quote_id", task.QuoteID,
		"document_ref", documentRef,
	)

	return map[string]any{
		"document_ref": documentRef,
		"generated_at": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// syncCRM pushes the approved quote to the CRM record.
func (h *operationHandlers) syncCRM(ctx context.Context, task *models.ExecutionQueueTask) (map[string]any, error) {
	quote, err := h.persistence.QuoteByID(ctx, task.QuoteID)
	if err != nil {
		return nil, err
	}

	state, err := h.persistence.FlowStateByQuoteID(ctx, task.QuoteID)
	if err != nil {
		return nil, err
	}

	h.logger.InfoContext(ctx, "CRM record synced",
		"quote_id", task.QuoteID,
		"customer", state.Fields["customer"],
		"status", quote.Status,
	)

	return map[string]any{
		"crm_record": "crm:" + quote.ID,
		"status":     string(quote.Status),
	}, nil
}

func splitLineItems(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	items := make([]string, 0, len(parts))

	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			items = append(items, trimmed)
		}
	}

	return items
}

func termMonthsOf(raw string) int {
	months, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(raw), "m"))
	if err != nil || months < 1 {
		return 12
	}

	return months
}
