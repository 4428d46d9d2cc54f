package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	proxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_gateway_proxy_requests_total",
		Help: "Proxied requests by backend service, method and response status.",
	}, []string{"service", "method", "status"})

	proxyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_gateway_proxy_failures_total",
		Help: "Proxied requests that got no backend response, by service and error type.",
	}, []string{"service", "type"})

	proxyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mesh_gateway_proxy_request_duration_seconds",
		Help:    "Time spent proxying a request to a backend, including retries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"service"})

	rateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_gateway_rate_limit_rejections_total",
		Help: "Requests rejected with 429 by limit scope.",
	}, []string{"scope"})

	authFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_gateway_auth_failures_total",
		Help: "Requests rejected with 401.",
	}, []string{"reason"})
)
