package bus

import (
	"context"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"github.com/camdev/cam/internal/models"
)

// natsSubscription wraps a NATS subscription to implement Subscription.
type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) IsValid() bool {
	return s.sub != nil && s.sub.IsValid()
}

// queueCapacity bounds a Queue subscriber; events past the bound are
// dropped rather than blocking the publisher.
const queueCapacity = 256

// Queue bridges the synchronous bus to consumers that need their own
// pacing (WebSocket writers, log followers). Events overflowing the
// bounded channel are counted and dropped.
type Queue struct {
	ch      chan models.AgentEvent
	sub     Subscription
	dropped atomic.Int64
}

// NewQueue subscribes to eventType (or Wildcard) and returns a bounded
// asynchronous view of the stream.
func NewQueue(b EventBus, eventType string) (*Queue, error) {
	q := &Queue{ch: make(chan models.AgentEvent, queueCapacity)}
	sub, err := b.Subscribe(eventType, func(ctx context.Context, event models.AgentEvent) error {
		select {
		case q.ch <- event:
		default:
			q.dropped.Add(1)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	q.sub = sub
	return q, nil
}

// Events returns the bounded event channel.
func (q *Queue) Events() <-chan models.AgentEvent {
	return q.ch
}

// Dropped returns how many events overflowed the queue.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Close unsubscribes from the bus. The channel is not closed so a
// concurrent handler invocation can never send on a closed channel;
// consumers stop via their own context.
func (q *Queue) Close() error {
	if q.sub == nil {
		return nil
	}
	return q.sub.Unsubscribe()
}
