// Package eventbus provides publish/subscribe access to the quote lifecycle
// topic.
package eventbus

import (
	"context"

	"github.com/quotehq/quoteflow/pkg/events"
)

// Event is anything publishable on the lifecycle topic.
type Event interface {
	GetType() events.EventType
}

// EventHandler processes one decoded event.
type EventHandler func(ctx context.Context, event any) error

// EventBus publishes and consumes quote lifecycle events.
type EventBus interface {
	Publish(ctx context.Context, key string, event Event) error
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
	GenerateID() string
	Close() error
}
