package eventbus

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func delivery(t *testing.T, ack *fakeAcknowledger, e Event, headers amqp.Table) amqp.Delivery {
	t.Helper()
	body, err := e.Marshal()
	require.NoError(t, err)
	return amqp.Delivery{
		Acknowledger: ack,
		Headers:      headers,
		ContentType:  "application/json",
		MessageId:    e.ID,
		RoutingKey:   e.RoutingKey(),
		Body:         body,
	}
}

func newTestConsumer() (*Consumer, *[]amqp.Publishing) {
	c := NewConsumer(NewClient(DefaultConfig(), nil), "notifications", nil)
	var republished []amqp.Publishing
	c.republish = func(_ context.Context, queue string, msg amqp.Publishing) error {
		republished = append(republished, msg)
		return nil
	}
	return c, &republished
}

func TestConsumer_FailingHandlerStillAcksAndSiblingsRun(t *testing.T) {
	c, republished := newTestConsumer()

	var ran []string
	c.On(AlbumShared, func(context.Context, Event) error {
		ran = append(ran, "first")
		return errors.New("smtp down")
	})
	c.On(AlbumShared, func(context.Context, Event) error {
		ran = append(ran, "second")
		return nil
	})

	ack := &fakeAcknowledger{}
	c.handleDelivery(context.Background(), delivery(t, ack, NewEvent(AlbumShared, "album-service", nil), nil))

	assert.Equal(t, []string{"first", "second"}, ran)
	assert.True(t, ack.last().acked)
	assert.Empty(t, *republished)
}

func TestConsumer_PanickingHandlerIsContained(t *testing.T) {
	c, _ := newTestConsumer()
	secondRan := false
	c.On(QRScanned, func(context.Context, Event) error { panic("nil map") })
	c.On(QRScanned, func(context.Context, Event) error {
		secondRan = true
		return nil
	})

	ack := &fakeAcknowledger{}
	c.handleDelivery(context.Background(), delivery(t, ack, NewEvent(QRScanned, "qr-service", nil), nil))

	assert.True(t, secondRan)
	assert.True(t, ack.last().acked)
}

func TestConsumer_DecodeFailureIsRejectedWithoutRequeue(t *testing.T) {
	c, _ := newTestConsumer()
	ack := &fakeAcknowledger{}

	c.handleDelivery(context.Background(), amqp.Delivery{Acknowledger: ack, Body: []byte("<xml/>")})

	rec := ack.last()
	assert.True(t, rec.nacked)
	assert.False(t, rec.requeue)
}

func TestConsumer_UnregisteredTypeIsAcked(t *testing.T) {
	c, _ := newTestConsumer()
	c.On(AlbumCreated, func(context.Context, Event) error { return nil })
	ack := &fakeAcknowledger{}

	c.handleDelivery(context.Background(), delivery(t, ack, NewEvent(PrintOrderShipped, "print-service", nil), nil))

	assert.True(t, ack.last().acked)
}

func TestConsumer_RequeuePolicy(t *testing.T) {
	c, republished := newTestConsumer()

	okCalls, failCalls := 0, 0
	c.On(PaymentSucceeded, func(context.Context, Event) error {
		okCalls++
		return nil
	}, WithName("receipt"))
	c.On(PaymentSucceeded, func(context.Context, Event) error {
		failCalls++
		return errors.New("ledger unavailable")
	}, WithName("ledger"), WithRequeue(2))

	e := NewEvent(PaymentSucceeded, "billing-service", map[string]any{"amount": 499.0}).WithCorrelationID("c-1")

	// First delivery: republished with count 1, only the failing handler named.
	ack := &fakeAcknowledger{}
	c.handleDelivery(context.Background(), delivery(t, ack, e, amqp.Table{"x-trace": "t"}))
	assert.True(t, ack.last().acked)
	require.Len(t, *republished, 1)
	msg := (*republished)[0]
	assert.Equal(t, int32(1), msg.Headers[HeaderRedeliveryCount])
	assert.Equal(t, "ledger", msg.Headers[HeaderRetryHandlers])
	assert.Equal(t, "t", msg.Headers["x-trace"])
	assert.Equal(t, uint8(amqp.Persistent), msg.DeliveryMode)

	// Redelivery runs only the failed handler.
	ack = &fakeAcknowledger{}
	c.handleDelivery(context.Background(), amqp.Delivery{Acknowledger: ack, Headers: msg.Headers, Body: msg.Body})
	assert.Equal(t, 1, okCalls)
	assert.Equal(t, 2, failCalls)
	require.Len(t, *republished, 2)
	assert.Equal(t, int32(2), (*republished)[1].Headers[HeaderRedeliveryCount])

	// Exhausted: dead-lettered.
	ack = &fakeAcknowledger{}
	c.handleDelivery(context.Background(), amqp.Delivery{Acknowledger: ack, Headers: (*republished)[1].Headers, Body: msg.Body})
	rec := ack.last()
	assert.True(t, rec.nacked)
	assert.False(t, rec.requeue)
	assert.Len(t, *republished, 2)
}

func TestConsumer_RequeueIsPerHandler(t *testing.T) {
	c, republished := newTestConsumer()

	emailCalls, ledgerCalls, auditCalls := 0, 0, 0
	c.On(PaymentSucceeded, func(context.Context, Event) error {
		emailCalls++
		return errors.New("smtp down")
	}, WithName("email"))
	c.On(PaymentSucceeded, func(context.Context, Event) error {
		ledgerCalls++
		return errors.New("ledger unavailable")
	}, WithName("ledger"), WithRequeue(1))
	c.On(PaymentSucceeded, func(context.Context, Event) error {
		auditCalls++
		return errors.New("audit store busy")
	}, WithName("audit"), WithRequeue(2))

	e := NewEvent(PaymentSucceeded, "billing-service", nil)

	// The handler without a requeue policy is never named for redelivery.
	ack := &fakeAcknowledger{}
	c.handleDelivery(context.Background(), delivery(t, ack, e, nil))
	assert.True(t, ack.last().acked)
	require.Len(t, *republished, 1)
	assert.Equal(t, "ledger,audit", (*republished)[0].Headers[HeaderRetryHandlers])

	// ledger has used its single redelivery; only audit goes around again.
	ack = &fakeAcknowledger{}
	first := (*republished)[0]
	c.handleDelivery(context.Background(), amqp.Delivery{Acknowledger: ack, Headers: first.Headers, Body: first.Body})
	assert.True(t, ack.last().acked)
	require.Len(t, *republished, 2)
	assert.Equal(t, "audit", (*republished)[1].Headers[HeaderRetryHandlers])

	ack = &fakeAcknowledger{}
	second := (*republished)[1]
	c.handleDelivery(context.Background(), amqp.Delivery{Acknowledger: ack, Headers: second.Headers, Body: second.Body})
	rec := ack.last()
	assert.True(t, rec.nacked)
	assert.False(t, rec.requeue)

	assert.Equal(t, 1, emailCalls)
	assert.Equal(t, 2, ledgerCalls)
	assert.Equal(t, 3, auditCalls)
}

func TestConsumer_NoRequeuePolicyAcksWithFailures(t *testing.T) {
	c, republished := newTestConsumer()
	c.On(AlbumShared, func(context.Context, Event) error { return errors.New("boom") }, WithName("email"))

	ack := &fakeAcknowledger{}
	c.handleDelivery(context.Background(), delivery(t, ack, NewEvent(AlbumShared, "album-service", nil), nil))
	assert.True(t, ack.last().acked)
	assert.Empty(t, *republished)
}

func TestConsumer_RequeueFallsBackToBrokerWhenRepublishFails(t *testing.T) {
	c, _ := newTestConsumer()
	c.republish = func(context.Context, string, amqp.Publishing) error { return errors.New("channel closed") }
	c.On(ContentFlagged, func(context.Context, Event) error { return errors.New("boom") }, WithRequeue(3))

	ack := &fakeAcknowledger{}
	c.handleDelivery(context.Background(), delivery(t, ack, NewEvent(ContentFlagged, "moderation-service", nil), nil))

	rec := ack.last()
	assert.True(t, rec.nacked)
	assert.True(t, rec.requeue)
}

func TestConsumer_SetupBindsEveryScopeOfRegisteredTypes(t *testing.T) {
	ch := &fakeChannel{}
	client, _ := newFakeClient(ch, 0)
	c := NewConsumer(client, "notifications", nil)
	c.On(UserRegistered, func(context.Context, Event) error { return nil })

	require.NoError(t, c.Setup(context.Background()))
	assert.Equal(t, []string{"notifications"}, ch.queues)
	assert.Equal(t, []string{"user.registered", "user.*.user.registered", "system.user.registered"}, ch.bindings)

	ch2 := &fakeChannel{}
	client2, _ := newFakeClient(ch2, 0)
	c2 := NewConsumer(client2, "audit", nil)
	c2.Bind(AllUserEventsPattern, AllSystemEventsPattern)
	require.NoError(t, c2.Setup(context.Background()))
	assert.Equal(t, []string{"user.*.#", "system.#"}, ch2.bindings)
}

func TestConsumer_RunDispatchesUntilCancelled(t *testing.T) {
	ch := &fakeChannel{deliveries: make(chan amqp.Delivery)}
	client, _ := newFakeClient(ch, 0)
	c := NewConsumer(client, "notifications", nil)

	handled := make(chan Event, 1)
	c.On(NotificationRequested, func(_ context.Context, e Event) error {
		handled <- e
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	ack := &fakeAcknowledger{}
	e := NewEvent(NotificationRequested, "notification-service", nil)
	ch.deliveries <- delivery(t, ack, e, nil)

	select {
	case got := <-handled:
		assert.Equal(t, e.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
