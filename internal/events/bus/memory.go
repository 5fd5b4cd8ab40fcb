package bus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/camdev/cam/internal/common/logger"
	"github.com/camdev/cam/internal/models"
)

// MemoryEventBus implements EventBus with an in-process handler table.
// Handlers run synchronously on the publishing goroutine, so for one agent
// subscribers observe events in publish order.
type MemoryEventBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*memorySubscription
	logger        *logger.Logger
	closed        bool
}

// memorySubscription is one registered handler.
type memorySubscription struct {
	bus       *MemoryEventBus
	eventType string
	handler   EventHandler
	mu        sync.Mutex
	active    bool
}

// Unsubscribe removes the subscription from the bus.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	subs := s.bus.subscriptions[s.eventType]
	for i, sub := range subs {
		if sub == s {
			s.bus.subscriptions[s.eventType] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NewMemoryEventBus creates a new in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		logger:        log,
	}
}

// Publish delivers the event to type-specific handlers, then wildcard
// handlers. Each handler runs inside a recover so a panicking or failing
// subscriber cannot affect the publisher or later subscribers.
func (b *MemoryEventBus) Publish(ctx context.Context, event models.AgentEvent) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}
	targets := make([]*memorySubscription, 0,
		len(b.subscriptions[event.Type])+len(b.subscriptions[Wildcard]))
	targets = append(targets, b.subscriptions[event.Type]...)
	targets = append(targets, b.subscriptions[Wildcard]...)
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()
		if !active {
			continue
		}
		b.deliver(ctx, sub, event)
	}

	b.logger.Debug("published event",
		zap.String("agent_id", event.AgentID),
		zap.String("event_type", event.Type))
	return nil
}

func (b *MemoryEventBus) deliver(ctx context.Context, sub *memorySubscription, event models.AgentEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event_type", event.Type),
				zap.Any("panic", r))
		}
	}()
	if err := sub.handler(ctx, event); err != nil {
		b.logger.Error("event handler error",
			zap.String("event_type", event.Type),
			zap.Error(err))
	}
}

// Subscribe registers a handler for one event type or the wildcard.
func (b *MemoryEventBus) Subscribe(eventType string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:       b,
		eventType: eventType,
		handler:   handler,
		active:    true,
	}
	b.subscriptions[eventType] = append(b.subscriptions[eventType], sub)

	b.logger.Debug("subscribed", zap.String("event_type", eventType))
	return sub, nil
}

// Close deactivates all subscriptions and rejects further publishes.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)
}

// IsConnected returns true until the bus is closed.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}
