// Package main provides the QuoteFlow API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/quotehq/quoteflow/pkg/config"
	"github.com/quotehq/quoteflow/pkg/eventbus"
	"github.com/quotehq/quoteflow/pkg/flow"
	"github.com/quotehq/quoteflow/pkg/ledger"
	"github.com/quotehq/quoteflow/pkg/persistence"
	"github.com/quotehq/quoteflow/pkg/queue"
	"github.com/quotehq/quoteflow/pkg/services"
	"github.com/quotehq/quoteflow/pkg/web"
)

type API struct {
	logger      *slog.Logger
	config      config.Config
	persistence persistence.Persistence
	chain       *ledger.Chain
	eventBus    eventbus.EventBus
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	cfg config.Config,
	p persistence.Persistence,
	chain *ledger.Chain,
	eventBus eventbus.EventBus,
) *API {
	return &API{
		logger:      logger,
		config:      cfg,
		persistence: p,
		chain:       chain,
		eventBus:    eventBus,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	engine := flow.NewEngine()
	verifier := ledger.NewVerifier(a.persistence, a.chain, a.logger)
	q := queue.NewQueue(a.persistence, a.config.Queue, a.logger)

	flowService := services.NewFlowService(a.persistence, engine, a.config.Queue, a.eventBus, a.logger)
	ledgerService := services.NewLedgerService(a.persistence, verifier, a.eventBus, a.logger)

	handlers := web.NewAPIHandlers(flowService, ledgerService, q, a.persistence, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("QuoteFlow API")
	})

	quotes := app.Group("/quotes")
	quotes.Post("/", handlers.CreateQuote)
	quotes.Get("/:id", handlers.GetQuote)
	quotes.Get("/:id/flow-state", handlers.GetFlowState)
	quotes.Post("/:id/events", handlers.ApplyEvent)

	quotes.Get("/:id/ledger", handlers.GetLedger)
	quotes.Post("/:id/ledger/verify", handlers.VerifyLedger)
	quotes.Get("/:id/ledger/verifications", handlers.GetVerifications)
	quotes.Post("/:id/ledger/clear-halt", handlers.ClearLedgerHalt)

	quotes.Post("/:id/tasks", handlers.EnqueueTask)
	quotes.Get("/:id/tasks", handlers.GetTasks)

	tasks := app.Group("/tasks")
	tasks.Get("/dead", handlers.GetDeadTasks)
	tasks.Get("/:id/audit", handlers.GetTaskAudit)

	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	return app.Listen(":" + strconv.Itoa(port))
}
