package eventbus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Sink accepts events for delivery under an explicit routing key.
type Sink interface {
	PublishWithKey(ctx context.Context, key string, e Event) error
}

// Publisher sends events to the topic exchange as persistent JSON messages.
// Delivery is at-most-once from the producer side; use the outbox when a
// publish must survive a crash after a local commit.
type Publisher struct {
	client *Client
	logger *slog.Logger
}

// NewPublisher creates a Publisher on client. A nil client returns a no-op
// publisher that logs events instead of sending them.
func NewPublisher(client *Client, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		logger.Info("broker not configured, using no-op publisher")
	}
	return &Publisher{client: client, logger: logger.With("component", "event_publisher")}
}

// Publish routes e by its event type.
func (p *Publisher) Publish(ctx context.Context, e Event) error {
	return p.PublishWithKey(ctx, e.RoutingKey(), e)
}

// PublishUserEvent routes e under "user.{userID}.{type}".
func (p *Publisher) PublishUserEvent(ctx context.Context, userID string, e Event) error {
	if userID == "" {
		return fmt.Errorf("publish %s: empty user id", e.Type)
	}
	return p.PublishWithKey(ctx, UserRoutingKey(userID, e.Type), e)
}

// PublishSystemEvent routes e under "system.{type}".
func (p *Publisher) PublishSystemEvent(ctx context.Context, e Event) error {
	return p.PublishWithKey(ctx, SystemRoutingKey(e.Type), e)
}

// PublishWithKey sends e with an explicit routing key.
func (p *Publisher) PublishWithKey(ctx context.Context, key string, e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	msg, err := publishing(e)
	if err != nil {
		return err
	}

	// No-op mode: just log.
	if p.client == nil {
		p.logger.Info("event published (no-op)", "event_type", e.Type, "routing_key", key, "event_id", e.ID)
		return nil
	}

	cfg := p.client.Config()
	if err := p.client.DeclareExchange(ctx, cfg.Exchange, cfg.ExchangeType); err != nil {
		eventsPublished.WithLabelValues(string(e.Type), "error").Inc()
		return err
	}
	if err := p.client.Publish(ctx, cfg.Exchange, key, msg); err != nil {
		eventsPublished.WithLabelValues(string(e.Type), "error").Inc()
		p.logger.Error("event publish failed", "event_type", e.Type, "routing_key", key, "event_id", e.ID, "error", err)
		return err
	}
	eventsPublished.WithLabelValues(string(e.Type), "success").Inc()
	p.logger.Debug("event published", "event_type", e.Type, "routing_key", key, "event_id", e.ID)
	return nil
}

func publishing(e Event) (amqp.Publishing, error) {
	body, err := e.Marshal()
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal event %s: %w", e.Type, err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Timestamp:    e.Timestamp,
		Type:         string(e.Type),
		AppId:        e.ServiceName,
		Body:         body,
	}
	if e.CorrelationID != nil {
		msg.CorrelationId = *e.CorrelationID
	}
	if e.ReplyTo != nil {
		msg.ReplyTo = *e.ReplyTo
	}
	return msg, nil
}
