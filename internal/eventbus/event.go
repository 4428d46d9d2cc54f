// Package eventbus implements durable topic publish/subscribe over RabbitMQ:
// the event model and routing-key derivation, a reconnecting AMQP client, a
// publisher, a typed consumer registry, and a transactional outbox relay.
package eventbus

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// EventType names an event kind. It is also the unscoped routing key.
type EventType string

const (
	UserRegistered EventType = "user.registered"
	UserDeleted    EventType = "user.deleted"

	AlbumCreated EventType = "album.created"
	AlbumShared  EventType = "album.shared"
	AlbumDeleted EventType = "album.deleted"

	MediaUploaded EventType = "media.uploaded"

	QRGenerated EventType = "qr.generated"
	QRScanned   EventType = "qr.scanned"

	PaymentSucceeded    EventType = "billing.payment_succeeded"
	SubscriptionChanged EventType = "billing.subscription_changed"

	ContentFlagged     EventType = "moderation.content_flagged"
	ModerationDecision EventType = "moderation.decision"

	PrintOrderCreated EventType = "print.order_created"
	PrintOrderShipped EventType = "print.order_shipped"

	NotificationRequested EventType = "notification.requested"

	ServiceHealthChanged EventType = "service.health_changed"
)

// Event is the message exchanged between services. It is immutable once
// published.
type Event struct {
	ID            string         `json:"event_id,omitempty"`
	Type          EventType      `json:"event_type"`
	ServiceName   string         `json:"service_name"`
	Data          map[string]any `json:"data"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID *string        `json:"correlation_id"`
	ReplyTo       *string        `json:"reply_to"`
}

// NewEvent creates an event stamped with a fresh id and the current UTC time.
func NewEvent(t EventType, service string, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{
		ID:          uuid.NewString(),
		Type:        t,
		ServiceName: service,
		Data:        data,
		Timestamp:   time.Now().UTC(),
	}
}

// WithCorrelationID returns a copy of e carrying id.
func (e Event) WithCorrelationID(id string) Event {
	if id == "" {
		e.CorrelationID = nil
		return e
	}
	e.CorrelationID = &id
	return e
}

// WithReplyTo returns a copy of e carrying the reply queue name.
func (e Event) WithReplyTo(queue string) Event {
	if queue == "" {
		e.ReplyTo = nil
		return e
	}
	e.ReplyTo = &queue
	return e
}

// Validate checks the fields every event must carry.
func (e Event) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("event: missing event_type")
	}
	if e.ServiceName == "" {
		return fmt.Errorf("event %s: missing service_name", e.Type)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("event %s: missing timestamp", e.Type)
	}
	return nil
}

// ToDict returns the wire representation as a generic map with the timestamp
// formatted as RFC 3339.
func (e Event) ToDict() map[string]any {
	m := map[string]any{
		"event_type":     string(e.Type),
		"service_name":   e.ServiceName,
		"data":           e.Data,
		"timestamp":      e.Timestamp.Format(time.RFC3339Nano),
		"correlation_id": nil,
		"reply_to":       nil,
	}
	if e.ID != "" {
		m["event_id"] = e.ID
	}
	if e.CorrelationID != nil {
		m["correlation_id"] = *e.CorrelationID
	}
	if e.ReplyTo != nil {
		m["reply_to"] = *e.ReplyTo
	}
	return m
}

// EventFromDict rebuilds an event from its map representation.
func EventFromDict(m map[string]any) (Event, error) {
	var e Event
	str := func(key string) (string, error) {
		v, ok := m[key]
		if !ok || v == nil {
			return "", nil
		}
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("event field %s: want string, got %T", key, v)
		}
		return s, nil
	}

	id, err := str("event_id")
	if err != nil {
		return e, err
	}
	typ, err := str("event_type")
	if err != nil {
		return e, err
	}
	svc, err := str("service_name")
	if err != nil {
		return e, err
	}
	ts, err := str("timestamp")
	if err != nil {
		return e, err
	}
	e.ID, e.Type, e.ServiceName = id, EventType(typ), svc

	if ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return e, fmt.Errorf("event field timestamp: %w", err)
		}
		e.Timestamp = parsed
	}

	switch d := m["data"].(type) {
	case nil:
		e.Data = map[string]any{}
	case map[string]any:
		e.Data = d
	default:
		return e, fmt.Errorf("event field data: want object, got %T", d)
	}

	if v, err := str("correlation_id"); err != nil {
		return e, err
	} else if v != "" {
		e.CorrelationID = &v
	}
	if v, err := str("reply_to"); err != nil {
		return e, err
	} else if v != "" {
		e.ReplyTo = &v
	}
	return e, e.Validate()
}

// Equal reports whether two events carry the same content.
func (e Event) Equal(o Event) bool {
	return e.ID == o.ID &&
		e.Type == o.Type &&
		e.ServiceName == o.ServiceName &&
		e.Timestamp.Equal(o.Timestamp) &&
		equalPtr(e.CorrelationID, o.CorrelationID) &&
		equalPtr(e.ReplyTo, o.ReplyTo) &&
		reflect.DeepEqual(e.Data, o.Data)
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Marshal encodes the event as JSON.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes a JSON message body into an event and validates it.
func Unmarshal(body []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		return e, fmt.Errorf("decode event: %w", err)
	}
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	return e, e.Validate()
}

// RoutingKey is the unscoped routing key of the event: its type.
func (e Event) RoutingKey() string { return string(e.Type) }

// UserRoutingKey scopes an event type to one user: "user.{id}.{type}".
func UserRoutingKey(userID string, t EventType) string {
	return "user." + userID + "." + string(t)
}

// SystemRoutingKey scopes an event type to the platform: "system.{type}".
func SystemRoutingKey(t EventType) string {
	return "system." + string(t)
}

// Binding patterns matching the scoped routing keys.
const (
	AllUserEventsPattern   = "user.*.#"
	AllSystemEventsPattern = "system.#"
)

// UserEventPattern matches one event type for any user.
func UserEventPattern(t EventType) string {
	return "user.*." + string(t)
}

// SystemEventPattern matches one system-scoped event type.
func SystemEventPattern(t EventType) string {
	return SystemRoutingKey(t)
}

// BindingsFor returns the binding keys a queue needs to receive every scope
// of the given event types.
func BindingsFor(types ...EventType) []string {
	out := make([]string, 0, len(types)*3)
	for _, t := range types {
		out = append(out, string(t), UserEventPattern(t), SystemEventPattern(t))
	}
	return out
}
