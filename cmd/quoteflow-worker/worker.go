package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/quotehq/quoteflow/pkg/config"
	"github.com/quotehq/quoteflow/pkg/eventbus"
	"github.com/quotehq/quoteflow/pkg/flow"
	"github.com/quotehq/quoteflow/pkg/persistence"
	"github.com/quotehq/quoteflow/pkg/queue"
	"github.com/quotehq/quoteflow/pkg/receivers/chat"
	"github.com/quotehq/quoteflow/pkg/services"
)

const pollInterval = 500 * time.Millisecond

// WorkerManager runs the task executor and the chat receiver side by side.
type WorkerManager struct {
	id          string
	cfg         config.Config
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	tracer      trace.Tracer
	chatQueue   string
	redisAddr   string
	logger      *slog.Logger
}

func NewWorkerManager(
	id string,
	cfg config.Config,
	p persistence.Persistence,
	eventBus eventbus.EventBus,
	tracer trace.Tracer,
	chatQueue string,
	redisAddr string,
	logger *slog.Logger,
) *WorkerManager {
	return &WorkerManager{
		id:          id,
		cfg:         cfg,
		persistence: p,
		eventBus:    eventBus,
		tracer:      tracer,
		chatQueue:   chatQueue,
		redisAddr:   redisAddr,
		logger:      logger,
	}
}

// Start runs until the context is cancelled or a termination signal
// arrives.
func (w *WorkerManager) Start(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	q := queue.NewQueue(w.persistence, w.cfg.Queue, w.logger)
	executor := queue.NewExecutor(w.id, q, w.persistence, w.eventBus, w.tracer, w.logger, pollInterval)

	handlers := newOperationHandlers(w.persistence, w.logger)
	handlers.registerAll(executor)

	engine := flow.NewEngine()
	flowService := services.NewFlowService(w.persistence, engine, w.cfg.Queue, w.eventBus, w.logger)

	receiver, err := chat.NewReceiver(flowService, w.chatQueue, w.redisAddr, "", 0, w.logger)
	if err != nil {
		return err
	}

	err = receiver.Start(ctx)
	if err != nil {
		return err
	}

	defer func() {
		err := receiver.Stop(context.WithoutCancel(ctx))
		if err != nil {
			w.logger.ErrorContext(ctx, "Failed to stop chat receiver", "error", err)
		}
	}()

	w.logger.InfoContext(ctx, "Worker started", "worker_id", w.id)

	err = executor.Run(ctx)
	if err != nil && ctx.Err() == nil {
		return err
	}

	w.logger.InfoContext(ctx, "Worker stopped")

	return nil
}
