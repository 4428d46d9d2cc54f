package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/albumqr/albumqr-mesh/internal/resilience"
)

// Headers used when a failed message is put back on its queue.
const (
	HeaderRedeliveryCount = "x-redelivery-count"
	HeaderRetryHandlers   = "x-retry-handlers"
)

// Handler processes one event. A returned error is logged and, depending on
// the registration's requeue policy, may cause the message to be redelivered.
type Handler func(ctx context.Context, e Event) error

type registration struct {
	name            string
	handler         Handler
	maxRedeliveries int
}

// Option configures a handler registration.
type Option func(*registration)

// WithName names the handler in logs, metrics and retry headers.
func WithName(name string) Option {
	return func(r *registration) { r.name = name }
}

// WithRequeue redelivers the message up to max times when the handler
// fails; once exhausted the message is rejected without requeue so a
// dead-letter exchange can take it. The default is zero: failures are
// logged and the message is acknowledged.
func WithRequeue(max int) Option {
	return func(r *registration) { r.maxRedeliveries = max }
}

// Consumer binds one queue to the exchange and dispatches each delivery to
// the handlers registered for its event type.
type Consumer struct {
	client *Client
	queue  string
	logger *slog.Logger

	mu       sync.RWMutex
	bindings []string
	handlers map[EventType][]registration

	republish func(ctx context.Context, queue string, msg amqp.Publishing) error
	backoff   resilience.Backoff
}

// NewConsumer creates a consumer for a durable queue.
func NewConsumer(client *Client, queue string, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Consumer{
		client:   client,
		queue:    queue,
		logger:   logger.With("component", "event_consumer", "queue", queue),
		handlers: make(map[EventType][]registration),
		backoff:  resilience.Backoff{BaseDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2, Jitter: true},
	}
	c.republish = func(ctx context.Context, queue string, msg amqp.Publishing) error {
		return client.Publish(ctx, "", queue, msg)
	}
	return c
}

// Bind adds routing patterns for the queue. Without explicit bindings the
// queue is bound to every scope of each registered event type.
func (c *Consumer) Bind(patterns ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings = append(c.bindings, patterns...)
}

// On registers h for events of type t.
func (c *Consumer) On(t EventType, h Handler, opts ...Option) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reg := registration{
		name:    fmt.Sprintf("%s#%d", t, len(c.handlers[t])),
		handler: h,
	}
	for _, opt := range opts {
		opt(&reg)
	}
	c.handlers[t] = append(c.handlers[t], reg)
}

// Types returns the registered event types in sorted order.
func (c *Consumer) Types() []EventType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	types := make([]EventType, 0, len(c.handlers))
	for t := range c.handlers {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

func (c *Consumer) routingPatterns() []string {
	c.mu.RLock()
	explicit := slices.Clone(c.bindings)
	c.mu.RUnlock()
	if len(explicit) > 0 {
		return explicit
	}
	return BindingsFor(c.Types()...)
}

// Setup declares the exchange and queue and applies the bindings.
func (c *Consumer) Setup(ctx context.Context) error {
	cfg := c.client.Config()
	if err := c.client.DeclareExchange(ctx, cfg.Exchange, cfg.ExchangeType); err != nil {
		return err
	}
	if _, err := c.client.DeclareQueue(ctx, c.queue, nil); err != nil {
		return err
	}
	for _, p := range c.routingPatterns() {
		if err := c.client.BindQueue(ctx, c.queue, p, cfg.Exchange); err != nil {
			return err
		}
	}
	return nil
}

// Run consumes until ctx is done, reconnecting when the delivery stream
// closes.
func (c *Consumer) Run(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return nil
		}
		deliveries, err := c.start(ctx)
		if err != nil {
			delay := c.backoff.Delay(attempt, nil)
			c.logger.Error("consumer setup failed", "error", err, "retry_in_ms", delay.Milliseconds())
			if !sleep(ctx, delay) {
				return nil
			}
			continue
		}
		c.logger.Info("consumer started", "types", c.Types())
		attempt = -1

		if done := c.drain(ctx, deliveries); done {
			return nil
		}
		c.logger.Warn("delivery stream closed, reconnecting")
	}
}

func (c *Consumer) start(ctx context.Context) (<-chan amqp.Delivery, error) {
	if err := c.Setup(ctx); err != nil {
		return nil, err
	}
	return c.client.Consume(ctx, c.queue, "")
}

// drain handles deliveries until the stream closes or ctx is done. It
// reports whether ctx ended.
func (c *Consumer) drain(ctx context.Context, deliveries <-chan amqp.Delivery) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case d, ok := <-deliveries:
			if !ok {
				return false
			}
			c.handleDelivery(ctx, d)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	e, err := Unmarshal(d.Body)
	if err != nil {
		c.logger.Error("discarding undecodable message", "message_id", d.MessageId, "routing_key", d.RoutingKey, "error", err)
		eventsConsumed.WithLabelValues("unknown", "rejected").Inc()
		d.Nack(false, false)
		return
	}
	logger := c.logger.With("event_type", e.Type, "event_id", e.ID, "routing_key", d.RoutingKey)
	if e.CorrelationID != nil {
		logger = logger.With("correlation_id", *e.CorrelationID)
	}

	regs := c.registrationsFor(e.Type, d.Headers)
	if len(regs) == 0 {
		logger.Debug("no handler registered for event type")
		eventsConsumed.WithLabelValues(string(e.Type), "unhandled").Inc()
		d.Ack(false)
		return
	}

	var failed []registration
	for _, reg := range regs {
		if err := invoke(ctx, reg, e); err != nil {
			logger.Error("event handler failed", "handler", reg.name, "error", err)
			handlerFailures.WithLabelValues(string(e.Type), reg.name).Inc()
			failed = append(failed, reg)
		}
	}
	if len(failed) == 0 {
		eventsConsumed.WithLabelValues(string(e.Type), "acked").Inc()
		d.Ack(false)
		return
	}

	// Only handlers that opted into requeueing and still have redeliveries
	// left run again; a handler stays in the retry list only while it keeps
	// failing, so count is also its own redelivery count.
	count := redeliveryCount(d.Headers)
	var retry []registration
	exhausted := false
	for _, reg := range failed {
		switch {
		case reg.maxRedeliveries == 0:
		case count < reg.maxRedeliveries:
			retry = append(retry, reg)
		default:
			exhausted = true
			logger.Warn("handler redeliveries exhausted", "handler", reg.name, "redelivery_count", count)
		}
	}
	if len(retry) == 0 {
		if exhausted {
			logger.Warn("redeliveries exhausted, rejecting message", "redelivery_count", count)
			eventsConsumed.WithLabelValues(string(e.Type), "dead_lettered").Inc()
			d.Nack(false, false)
			return
		}
		eventsConsumed.WithLabelValues(string(e.Type), "acked_with_failures").Inc()
		d.Ack(false)
		return
	}

	if err := c.republish(ctx, c.queue, retryPublishing(d, count+1, retry)); err != nil {
		logger.Error("requeue failed, returning message to broker", "error", err)
		eventsConsumed.WithLabelValues(string(e.Type), "requeued").Inc()
		d.Nack(false, true)
		return
	}
	logger.Info("message scheduled for redelivery", "redelivery_count", count+1)
	eventsConsumed.WithLabelValues(string(e.Type), "redelivered").Inc()
	d.Ack(false)
}

// registrationsFor returns the handlers for t, narrowed to the ones named in
// the retry header when the message is a redelivery.
func (c *Consumer) registrationsFor(t EventType, headers amqp.Table) []registration {
	c.mu.RLock()
	regs := slices.Clone(c.handlers[t])
	c.mu.RUnlock()

	names, ok := headers[HeaderRetryHandlers].(string)
	if !ok || names == "" {
		return regs
	}
	retry := strings.Split(names, ",")
	return slices.DeleteFunc(regs, func(r registration) bool {
		return !slices.Contains(retry, r.name)
	})
}

func invoke(ctx context.Context, reg registration, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return reg.handler(ctx, e)
}

func redeliveryCount(h amqp.Table) int {
	switch v := h[HeaderRedeliveryCount].(type) {
	case int:
		return v
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	default:
		return 0
	}
}

func retryPublishing(d amqp.Delivery, count int, retry []registration) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	names := make([]string, len(retry))
	for i, reg := range retry {
		names[i] = reg.name
	}
	headers[HeaderRedeliveryCount] = int32(count)
	headers[HeaderRetryHandlers] = strings.Join(names, ",")

	return amqp.Publishing{
		Headers:       headers,
		ContentType:   d.ContentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		MessageId:     d.MessageId,
		Timestamp:     d.Timestamp,
		Type:          d.Type,
		AppId:         d.AppId,
		Body:          d.Body,
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
