package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/quotehq/quoteflow/pkg/cmd"
	"github.com/quotehq/quoteflow/pkg/config"
	"github.com/quotehq/quoteflow/pkg/ledger"
	"github.com/quotehq/quoteflow/pkg/log"
)

func main() {
	command := &cli.Command{
		Name:                  "quoteflow-api",
		EnableShellCompletion: true,
		Usage:                 "Start the QuoteFlow HTTP API",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   8080,
				Sources: cli.EnvVars("PORT"),
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
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("quoteflow-api")
			logger.InfoContext(ctx, "Initializing QuoteFlow API")

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

			eventBus, err := cmd.NewEventBus(cfg.EventBusProvider, "quoteflow-api", logger)
			if err != nil {
				return err
			}

			defer func() {
				err := eventBus.Close()
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			api := NewAPI(logger, cfg, persistence, chain, eventBus)

			return api.Start(command.Int("port"))
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
