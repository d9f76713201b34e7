package web

import (
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
	"github.com/quotehq/quoteflow/pkg/flow"
	"github.com/quotehq/quoteflow/pkg/persistence"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleServiceError maps domain errors onto problem responses. Rejections
// and commit races are caller-recoverable and carry their reason; ledger
// halts surface as conflicts requiring operator action.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case flow.IsRejection(err):
		problem := problems.NewStatusProblem(422).
			WithInstance(c.Path()).
			WithType("transition_rejected").
			WithDetail(err.Error())

		return c.Status(fiber.StatusUnprocessableEntity).JSON(problem)

	case persistence.IsConcurrentModification(err):
		problem := problems.NewStatusProblem(409).
			WithInstance(c.Path()).
			WithType("concurrent_modification").
			WithDetail("quote was modified concurrently, retry against fresh state")

		return c.Status(fiber.StatusConflict).JSON(problem)

	case persistence.IsIdempotencyConflict(err):
		problem := problems.NewStatusProblem(409).
			WithInstance(c.Path()).
			WithType("idempotency_conflict").
			WithDetail(err.Error())

		return c.Status(fiber.StatusConflict).JSON(problem)

	case persistence.IsLedgerHalted(err):
		problem := problems.NewStatusProblem(409).
			WithInstance(c.Path()).
			WithType("ledger_halted").
			WithDetail("ledger appends are halted for this quote pending investigation")

		return c.Status(fiber.StatusConflict).JSON(problem)

	case persistence.IsQuoteNotFound(err):
		return notFound(c, "quote not found")

	case persistence.IsFlowStateNotFound(err):
		return notFound(c, "flow state not found")

	default:
		return internalError(c, err)
	}
}
