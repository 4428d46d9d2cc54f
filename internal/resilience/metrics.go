package resilience

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mesh_circuit_breaker_state",
		Help: "Circuit breaker state per destination (0=closed, 1=open, 2=half_open).",
	}, []string{"name"})

	breakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_circuit_breaker_transitions_total",
		Help: "Circuit breaker state transitions.",
	}, []string{"name", "from", "to"})

	retryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_retry_attempts_total",
		Help: "Retries scheduled after a failed attempt.",
	}, []string{"operation"})
)
