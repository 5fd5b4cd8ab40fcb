// Package bus provides the CAM event bus: synchronous in-process fan-out
// keyed by event type, with an optional NATS-backed variant for
// deployments that bridge events to other processes.
package bus

import (
	"context"

	"github.com/camdev/cam/internal/models"
)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// EventHandler is invoked for each delivered event. Errors and panics are
// logged and swallowed; they never affect the publisher or other handlers.
type EventHandler func(ctx context.Context, event models.AgentEvent) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the fan-out surface the monitor and manager publish on and
// streaming collaborators subscribe to.
type EventBus interface {
	// Publish delivers the event to type-specific handlers then wildcard
	// handlers, in subscribe order.
	Publish(ctx context.Context, event models.AgentEvent) error

	// Subscribe registers a handler for one event type, or Wildcard.
	Subscribe(eventType string, handler EventHandler) (Subscription, error)

	// Close shuts the bus down; further publishes fail.
	Close()

	// IsConnected reports whether the bus accepts publishes.
	IsConnected() bool
}
