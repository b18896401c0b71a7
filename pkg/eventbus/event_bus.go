// Package eventbus carries delegate tasks, delegate responses and notifications between processes.
package eventbus

import (
	"context"

	"github.com/dukex/conveyor/pkg/events"
)

// Event is anything published on the bus; its type selects the topic.
type Event interface {
	GetType() events.EventType
}

// EventPublisher publishes events. key orders events of one stream on partitioned transports.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

// EventSubscriber routes consumed events to the handler registered for their type. Handlers
// must be registered before Subscribe.
type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

// EventHandler receives a pointer to the decoded event; returning an error nacks the message.
type EventHandler func(ctx context.Context, event any) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}
