package eventbus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvent_DictRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 14, 15, 9, 26, 535897000, time.UTC)

	tests := []struct {
		name  string
		event Event
	}{
		{
			name: "all fields",
			event: Event{
				ID:          "0b7f0a9e-4c41-4d83-9f3c-5a1f2d6c7e10",
				Type:        AlbumShared,
				ServiceName: "album-service",
				Data:        map[string]any{"album_id": "a1", "recipients": []any{"b@example.com"}},
				Timestamp:   ts,
			}.WithCorrelationID("req-1").WithReplyTo("album.replies"),
		},
		{
			name: "optional fields nil",
			event: Event{
				Type:        QRScanned,
				ServiceName: "qr-service",
				Data:        map[string]any{},
				Timestamp:   ts,
			},
		},
		{
			name:  "generated",
			event: NewEvent(UserRegistered, "auth-service", map[string]any{"user_id": "42"}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			back, err := EventFromDict(tt.event.ToDict())
			require.NoError(t, err)
			assert.True(t, tt.event.Equal(back), "got %+v", back)
		})
	}
}

func TestEvent_JSONWireFormat(t *testing.T) {
	e := Event{
		Type:        PrintOrderCreated,
		ServiceName: "print-service",
		Data:        map[string]any{"order_id": "o-9"},
		Timestamp:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	body, err := e.Marshal()
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(body, &raw))
	assert.Equal(t, "print.order_created", raw["event_type"])
	assert.Equal(t, "2026-01-02T03:04:05Z", raw["timestamp"])
	assert.Contains(t, raw, "correlation_id")
	assert.Nil(t, raw["correlation_id"])
	assert.NotContains(t, raw, "event_id")

	back, err := Unmarshal(body)
	require.NoError(t, err)
	assert.True(t, e.Equal(back))
}

func TestUnmarshal_RejectsInvalid(t *testing.T) {
	_, err := Unmarshal([]byte("{not json"))
	assert.Error(t, err)

	_, err = Unmarshal([]byte(`{"service_name":"x","timestamp":"2026-01-02T03:04:05Z"}`))
	assert.ErrorContains(t, err, "missing event_type")
}

func TestEventFromDict_TypeErrors(t *testing.T) {
	_, err := EventFromDict(map[string]any{"event_type": 7})
	assert.Error(t, err)

	_, err = EventFromDict(map[string]any{
		"event_type":   "album.created",
		"service_name": "album-service",
		"timestamp":    "yesterday",
	})
	assert.ErrorContains(t, err, "timestamp")
}

func TestRoutingKeys(t *testing.T) {
	e := NewEvent(AlbumCreated, "album-service", nil)

	assert.Equal(t, "album.created", e.RoutingKey())
	assert.Equal(t, "user.42.album.created", UserRoutingKey("42", AlbumCreated))
	assert.Equal(t, "system.service.health_changed", SystemRoutingKey(ServiceHealthChanged))
	assert.Equal(t, "user.*.album.created", UserEventPattern(AlbumCreated))
	assert.Equal(t,
		[]string{"qr.scanned", "user.*.qr.scanned", "system.qr.scanned"},
		BindingsFor(QRScanned),
	)
}
