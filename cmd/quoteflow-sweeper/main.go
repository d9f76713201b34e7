// Package main provides the QuoteFlow sweeper: scheduled term-expiry and
// idempotency-ledger maintenance.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	cli "github.com/urfave/cli/v3"

	"github.com/quotehq/quoteflow/pkg/cmd"
	"github.com/quotehq/quoteflow/pkg/config"
	"github.com/quotehq/quoteflow/pkg/flow"
	"github.com/quotehq/quoteflow/pkg/ledger"
	"github.com/quotehq/quoteflow/pkg/log"
	"github.com/quotehq/quoteflow/pkg/services"
)

func main() {
	command := &cli.Command{
		Name:                  "quoteflow-sweeper",
		EnableShellCompletion: true,
		Usage:                 "Run scheduled expiry sweeps over quotes and the idempotency ledger",
		Flags: []cli.Flag{
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
				Name:    "expiry-schedule",
				Usage:   "Cron schedule for quote term-expiry sweeps",
				Value:   "*/5 * * * *",
				Sources: cli.EnvVars("EXPIRY_SCHEDULE"),
			},
			&cli.StringFlag{
				Name:    "idempotency-schedule",
				Usage:   "Cron schedule for idempotency ledger expiry",
				Value:   "0 * * * *",
				Sources: cli.EnvVars("IDEMPOTENCY_SCHEDULE"),
			},
			&cli.StringFlag{
				Name:    "lease-reclaim-schedule",
				Usage:   "Cron schedule for reclaiming expired task leases",
				Value:   "* * * * *",
				Sources: cli.EnvVars("LEASE_RECLAIM_SCHEDULE"),
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

			logger := log.WithModule("quoteflow-sweeper")
			logger.InfoContext(ctx, "Initializing QuoteFlow Sweeper")

			cfg := config.Default()
			cfg.DatabaseURL = command.String("database-url")
			cfg.EventBusProvider = command.String("event-bus")
			cfg.LedgerSigningKey = command.String("ledger-signing-key")
			cfg.ExpirySweepSchedule = command.String("expiry-schedule")
			cfg.IdempotencySweepSchedule = command.String("idempotency-schedule")
			cfg.LeaseReclaimSchedule = command.String("lease-reclaim-schedule")

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

			eventBus, err := cmd.NewEventBus(cfg.EventBusProvider, "quoteflow-sweeper", logger)
			if err != nil {
				return err
			}

			defer func() {
				err := eventBus.Close()
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			flowService := services.NewFlowService(persistence, flow.NewEngine(), cfg.Queue, eventBus, logger)

			scheduler := cron.New()

			_, err = scheduler.AddFunc(cfg.ExpirySweepSchedule, func() {
				now := time.Now().UTC()

				expired, err := flowService.ExpireDueQuotes(ctx, now)
				if err != nil {
					logger.ErrorContext(ctx, "Term expiry sweep failed", "error", err)

					return
				}

				logger.InfoContext(ctx, "Term expiry sweep finished", "expired", expired)
			})
			if err != nil {
				return err
			}

			_, err = scheduler.AddFunc(cfg.IdempotencySweepSchedule, func() {
				now := time.Now().UTC()

				removed, err := persistence.ExpireIdempotencyEntries(ctx, now)
				if err != nil {
					logger.ErrorContext(ctx, "Idempotency ledger sweep failed", "error", err)

					return
				}

				logger.InfoContext(ctx, "Idempotency ledger sweep finished", "removed", removed)
			})
			if err != nil {
				return err
			}

			_, err = scheduler.AddFunc(cfg.LeaseReclaimSchedule, func() {
				now := time.Now().UTC()

				reclaimed, err := persistence.ReclaimExpiredLeases(ctx, now)
				if err != nil {
					logger.ErrorContext(ctx, "Lease reclaim sweep failed", "error", err)

					return
				}

				if reclaimed > 0 {
					logger.WarnContext(ctx, "Reclaimed expired task leases", "reclaimed", reclaimed)
				}
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			scheduler.Start()
			logger.InfoContext(ctx, "Sweeper started",
				"expiry_schedule", cfg.ExpirySweepSchedule,
				"idempotency_schedule", cfg.IdempotencySweepSchedule,
				"lease_reclaim_schedule", cfg.LeaseReclaimSchedule,
			)

			<-ctx.Done()

			stopCtx := scheduler.Stop()
			<-stopCtx.Done()

			logger.InfoContext(ctx, "Sweeper stopped")

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
