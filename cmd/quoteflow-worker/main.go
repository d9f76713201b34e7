package main

import (
	"context"
	"os"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/quotehq/quoteflow/pkg/cmd"
	"github.com/quotehq/quoteflow/pkg/config"
	"github.com/quotehq/quoteflow/pkg/ledger"
	"github.com/quotehq/quoteflow/pkg/log"
	"github.com/quotehq/quoteflow/pkg/otelhelper"
	"github.com/quotehq/quoteflow/pkg/receivers/chat"
)

func main() {
	command := &cli.Command{
		Name:                  "quoteflow-worker",
		EnableShellCompletion: true,
		Usage:                 "Start a worker to execute queue tasks and consume chat events",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, gochannel)",
				Value:   "kafka",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:     "ledger-signing-key",
				Usage:    "HMAC key for ledger entry signatures",
				Required: true,
				Sources:  cli.EnvVars("LEDGER_SIGNING_KEY"),
			},
			&cli.StringFlag{
				Name:    "redis-addr",
				Usage:   "Redis address for the chat event queue",
				Value:   "localhost:6379",
				Sources: cli.EnvVars("REDIS_ADDR"),
			},
			&cli.StringFlag{
				Name:    "chat-queue",
				Usage:   "Redis list the intent extractor pushes chat events onto",
				Value:   chat.DefaultQueue,
				Sources: cli.EnvVars("CHAT_QUEUE"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("quoteflow-worker").With("worker_id", workerID)
			logger.InfoContext(ctx, "Initializing QuoteFlow Worker")

			cfg := config.Default()
			cfg.DatabaseURL = command.String("database-url")
			cfg.EventBusProvider = command.String("event-bus")
			cfg.LedgerSigningKey = command.String("ledger-signing-key")

			err := cfg.Validate()
			if err != nil {
				return err
			}

			chain := ledger.NewChain(ledger.NewSigner([]byte(cfg.LedgerSigningKey)))

			persistence, err := cmd.NewPersistence(ctx, logger, cfg.DatabaseURL, chain)
			if err != nil {
				return err
			}

			defer func() {
				err := persistence.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus, err := cmd.NewEventBus(cfg.EventBusProvider, "quoteflow-worker", logger)
			if err != nil {
				return err
			}

			defer func() {
				err := eventBus.Close()
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			tracer, err := otelhelper.NewTracer(ctx, "quoteflow-worker")
			if err != nil {
				return err
			}

			worker := NewWorkerManager(
				workerID,
				cfg,
				persistence,
				eventBus,
				tracer,
				command.String("chat-queue"),
				command.String("redis-addr"),
				logger,
			)

			return worker.Start(ctx)
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
