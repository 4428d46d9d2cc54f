package eventbus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_events_published_total",
		Help: "Events sent to the broker by type and outcome.",
	}, []string{"event_type", "outcome"})

	eventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_events_consumed_total",
		Help: "Deliveries handled by type and disposition.",
	}, []string{"event_type", "disposition"})

	handlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_event_handler_failures_total",
		Help: "Event handler errors and panics.",
	}, []string{"event_type", "handler"})

	outboxPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_outbox_pending",
		Help: "Outbox records due for publication in the last relay cycle.",
	})

	outboxRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_outbox_relayed_total",
		Help: "Outbox publish attempts by result.",
	}, []string{"result"})
)
