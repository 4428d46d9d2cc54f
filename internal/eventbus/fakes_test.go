package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	exchanges  []string
	queues     []string
	bindings   []string
	published  []published
	publishErr error
	deliveries chan amqp.Delivery
	qos        int
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges = append(f.exchanges, name+":"+kind)
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues = append(f.queues, name)
	if name == "" {
		name = "amq.gen-1"
	}
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings = append(f.bindings, key)
	return nil
}

func (f *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	f.qos = prefetchCount
	return nil
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if f.deliveries == nil {
		f.deliveries = make(chan amqp.Delivery)
	}
	return f.deliveries, nil
}

// channelHandle is one opened channel; each connection gets its own so
// closing an old handle does not affect the new one.
type channelHandle struct {
	*fakeChannel
	closed atomic.Bool
}

func (h *channelHandle) IsClosed() bool { return h.closed.Load() }

func (h *channelHandle) Close() error {
	h.closed.Store(true)
	return nil
}

func (f *fakeChannel) sent() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.published...)
}

type fakeConnection struct {
	ch     *fakeChannel
	closed bool
}

func (f *fakeConnection) Channel() (channel, error) { return &channelHandle{fakeChannel: f.ch}, nil }
func (f *fakeConnection) IsClosed() bool            { return f.closed }
func (f *fakeConnection) Close() error {
	f.closed = true
	return nil
}

// newFakeClient returns a client whose dialer hands out ch. The first
// failDials dials fail.
func newFakeClient(ch *fakeChannel, failDials int) (*Client, *int) {
	cfg := DefaultConfig()
	c := NewClient(cfg, nil)
	dials := 0
	c.dial = func(string) (connection, error) {
		dials++
		if dials <= failDials {
			return nil, errors.New("connection refused")
		}
		return &fakeConnection{ch: ch}, nil
	}
	c.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return c, &dials
}

type ackRecord struct {
	acked    bool
	nacked   bool
	requeue  bool
	multiple bool
}

type fakeAcknowledger struct {
	mu      sync.Mutex
	records []ackRecord
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, ackRecord{acked: true, multiple: multiple})
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, ackRecord{nacked: true, requeue: requeue, multiple: multiple})
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) last() ackRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.records) == 0 {
		return ackRecord{}
	}
	return a.records[len(a.records)-1]
}
