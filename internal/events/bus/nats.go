package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/camdev/cam/internal/common/logger"
	"github.com/camdev/cam/internal/models"
)

const subjectPrefix = "cam.events."

// NATSEventBus implements EventBus over a NATS connection. Events are
// published to "cam.events.<type>"; the wildcard maps to "cam.events.>".
// Delivery ordering across subscribers follows NATS semantics rather than
// the strict in-process guarantee of MemoryEventBus.
type NATSEventBus struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// NewNATSEventBus connects to NATS with reconnection handling.
func NewNATSEventBus(url string, log *logger.Logger) (*NATSEventBus, error) {
	opts := []nats.Option{
		nats.Name("cam"),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info("connected to NATS", zap.String("url", url))
	return &NATSEventBus{conn: conn, logger: log}, nil
}

func subjectFor(eventType string) string {
	if eventType == Wildcard {
		return subjectPrefix + ">"
	}
	return subjectPrefix + eventType
}

// Publish sends the event as JSON to its type subject.
func (b *NATSEventBus) Publish(ctx context.Context, event models.AgentEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.conn.Publish(subjectFor(event.Type), data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe registers a handler for one event type or the wildcard.
func (b *NATSEventBus) Subscribe(eventType string, handler EventHandler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subjectFor(eventType), func(msg *nats.Msg) {
		var event models.AgentEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Error("failed to unmarshal event",
				zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("event handler panicked",
					zap.String("subject", msg.Subject), zap.Any("panic", r))
			}
		}()
		if err := handler(context.Background(), event); err != nil {
			b.logger.Error("event handler error",
				zap.String("subject", msg.Subject), zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", eventType, err)
	}
	return &natsSubscription{sub: sub}, nil
}

// Close drains the connection, falling back to a hard close.
func (b *NATSEventBus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("error draining NATS connection", zap.Error(err))
		b.conn.Close()
	}
}

// IsConnected reports whether the NATS connection is live.
func (b *NATSEventBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}
