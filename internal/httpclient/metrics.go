package httpclient

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	clientRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_http_client_requests_total",
		Help: "Outbound HTTP calls by destination and terminal outcome.",
	}, []string{"service", "method", "outcome"})

	clientDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mesh_http_client_request_duration_seconds",
		Help:    "Outbound HTTP call duration including retries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"service", "method"})
)
