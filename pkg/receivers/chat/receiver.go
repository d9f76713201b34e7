// Package chat consumes extracted chat intents from a Redis queue and
// applies them to quote flows.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/quotehq/quoteflow/pkg/flow"
	"github.com/quotehq/quoteflow/pkg/models"
	"github.com/quotehq/quoteflow/pkg/persistence"
	"github.com/quotehq/quoteflow/pkg/services"
)

// DefaultQueue is the Redis list the intent extractor pushes onto.
const DefaultQueue = "quoteflow:chat:events"

// Receiver pops intent messages and applies them as flow events. Messages
// are processed one at a time: per-quote ordering is what keeps replays and
// duplicates harmless.
type Receiver struct {
	Queue string

	addr        string
	password    string
	db          int
	client      redis.UniversalClient
	flowService *services.FlowService
	logger      *slog.Logger
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// NewReceiver creates a chat receiver from connection settings.
func NewReceiver(flowService *services.FlowService, queue, addr, password string, db int, logger *slog.Logger) (*Receiver, error) {
	if queue == "" {
		queue = DefaultQueue
	}

	if addr == "" {
		addr = "localhost:6379"
	}

	return &Receiver{
		Queue:       queue,
		addr:        addr,
		password:    password,
		db:          db,
		flowService: flowService,
		stopCh:      make(chan struct{}),
		logger: logger.With(
			"module", "chat_receiver",
			"queue", queue,
		),
	}, nil
}

// Start connects to Redis and begins consuming.
func (r *Receiver) Start(ctx context.Context) error {
	r.logger.InfoContext(ctx, "Starting chat receiver")

	r.client = redis.NewClient(&redis.Options{
		Addr:     r.addr,
		Password: r.password,
		DB:       r.db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := r.client.Ping(pingCtx).Err()
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	r.logger.InfoContext(ctx, "Connected to Redis", "addr", r.addr, "db", r.db)

	r.wg.Add(1)

	go r.consume(ctx)

	return nil
}

func (r *Receiver) consume(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-r.stopCh:
			r.logger.InfoContext(ctx, "Chat receiver stopped")

			return
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "Context cancelled, stopping chat receiver")

			return
		default:
			err := r.processMessage(ctx)
			if err != nil {
				r.logger.ErrorContext(ctx, "Error processing chat message", "error", err)
				time.Sleep(1 * time.Second)
			}
		}
	}
}

func (r *Receiver) processMessage(ctx context.Context) error {
	result, err := r.client.BLPop(ctx, 1*time.Second, r.Queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}

		return fmt.Errorf("failed to pop chat message: %w", err)
	}

	if len(result) < 2 {
		return nil
	}

	var event models.FlowEvent
	if err := json.Unmarshal([]byte(result[1]), &event); err != nil {
		r.logger.WarnContext(ctx, "Discarding malformed chat message", "error", err)

		return nil
	}

	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	return r.apply(ctx, event)
}

// apply runs the event through the flow service. Rejections and terminal
// replays are expected outcomes of chat input, not consumer failures. A
// lost commit race is retried here, against fresh state, a bounded number
// of times.
func (r *Receiver) apply(ctx context.Context, event models.FlowEvent) error {
	const maxRetries = 3

	for attempt := 1; ; attempt++ {
		transition, err := r.flowService.ApplyEvent(ctx, event)

		switch {
		case err == nil:
			r.logger.InfoContext(ctx, "Chat event applied",
				"quote_id", event.QuoteID,
				"event_kind", event.Kind,
				"replayed", transition.Replayed,
			)

			return nil

		case flow.IsRejection(err):
			r.logger.WarnContext(ctx, "Chat event rejected",
				"quote_id", event.QuoteID,
				"event_kind", event.Kind,
				"reason", err,
			)

			return nil

		case persistence.IsConcurrentModification(err) && attempt < maxRetries:
			r.logger.DebugContext(ctx, "Chat event lost commit race, retrying",
				"quote_id", event.QuoteID,
				"attempt", attempt,
			)

			continue

		default:
			return fmt.Errorf("failed to apply chat event for quote %s: %w", event.QuoteID, err)
		}
	}
}

// Stop drains the consumer and closes the connection.
func (r *Receiver) Stop(ctx context.Context) error {
	r.logger.InfoContext(ctx, "Stopping chat receiver")

	close(r.stopCh)
	r.wg.Wait()

	if r.client != nil {
		err := r.client.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "Error closing Redis client", "error", err)
		}
	}

	return nil
}
