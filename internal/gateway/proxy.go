package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/albumqr/albumqr-mesh/internal/httpclient"
	"github.com/albumqr/albumqr-mesh/internal/resilience"
)

// maxRequestBody is the maximum allowed size for incoming client request bodies (10MB).
const maxRequestBody = 10 << 20

// forwardedRequestHeaders are the client headers passed to backends.
var forwardedRequestHeaders = []string{
	"Accept",
	"Accept-Language",
	"Authorization",
	"Content-Type",
	"If-Match",
	"If-Modified-Since",
	"If-None-Match",
	"Range",
	"User-Agent",
}

// strippedResponseHeaders are never copied back to the client.
var strippedResponseHeaders = []string{
	"Connection",
	"Content-Encoding",
	"Content-Length",
	"Keep-Alive",
	"Proxy-Connection",
	"Server",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Proxy forwards requests to the backend owning the first path segment.
type Proxy struct {
	routes            *RouteTable
	stripPrefix       bool
	trustForwardedFor bool
	failures          *resilience.ErrorHandler
	logger            *slog.Logger
}

// NewProxy creates a reverse proxy over the route table.
func NewProxy(routes *RouteTable, routing RoutingConfig, trustForwardedFor bool, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Proxy{
		routes:            routes,
		stripPrefix:       routing.StripPrefix,
		trustForwardedFor: trustForwardedFor,
		failures:          resilience.NewErrorHandler(),
		logger:            logger.With("component", "proxy"),
	}
	p.failures.Register(resilience.ErrorExternal, func(ctx context.Context, ie *resilience.IntegrationError) {
		p.logger.Warn("circuit open, backend not called",
			"service", ie.Service,
			"correlation_id", CorrelationID(ctx),
			"error", ie.Message,
		)
	})
	return p
}

// OnFailure registers fn to run for proxy failures of type t.
func (p *Proxy) OnFailure(t resilience.ErrorType, fn resilience.HandlerFunc) {
	p.failures.Register(t, fn)
}

// ServeHTTP handles an incoming request by routing it to a backend service.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	escaped := r.URL.EscapedPath()
	rawSegment, remainder, ok := ParseServiceFromPath("/", escaped)
	if !ok {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	segment, err := url.PathUnescape(rawSegment)
	if err != nil {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	service, ok := p.routes.Resolve(segment)
	if !ok {
		writeError(w, http.StatusNotFound, "Service not found")
		return
	}
	client, err := p.routes.Client(service)
	if err != nil {
		p.logger.Error("routed service has no client", "service", service, "error", err)
		writeError(w, http.StatusServiceUnavailable, "Service unavailable")
		return
	}

	path := escaped
	if p.stripPrefix {
		path = remainder
	}
	target := BuildBackendURL(client.BaseURL(), path, r.URL.RawQuery)

	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	}
	out, err := http.NewRequestWithContext(r.Context(), r.Method, target, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Bad request")
		return
	}
	p.copyRequestHeaders(out, r)

	opts := &httpclient.CallOptions{}
	if !idempotent(r.Method) {
		opts.MaxRetries = httpclient.Retries(0)
	}

	start := time.Now()
	resp, err := client.Reliable().Do(out, opts)
	proxyDuration.WithLabelValues(service).Observe(time.Since(start).Seconds())
	if err != nil {
		ie := p.failures.Handle(r.Context(), service, err)
		proxyFailures.WithLabelValues(service, ie.Type.String()).Inc()
		status, message := failureStatus(ie)
		proxyRequests.WithLabelValues(service, r.Method, strconv.Itoa(status)).Inc()
		p.logger.Error("proxy request failed",
			"service", service,
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"correlation_id", CorrelationID(r.Context()),
			"error", err,
		)
		writeError(w, status, message)
		return
	}
	defer resp.Body.Close()

	proxyRequests.WithLabelValues(service, r.Method, strconv.Itoa(resp.StatusCode)).Inc()
	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.logger.Warn("copying response body failed", "service", service, "error", err)
	}
}

func (p *Proxy) copyRequestHeaders(out, in *http.Request) {
	for _, h := range forwardedRequestHeaders {
		if v := in.Header.Values(h); len(v) > 0 {
			out.Header[h] = append([]string(nil), v...)
		}
	}

	ctx := in.Context()
	if id, ok := IdentityFromContext(ctx); ok {
		out.Header.Set("X-User-ID", id.UserID)
		out.Header.Set("X-Authenticated", "true")
	} else {
		out.Header.Set("X-Authenticated", "false")
	}
	if cid := CorrelationID(ctx); cid != "" {
		out.Header.Set(HeaderCorrelationID, cid)
	}

	clientIP := clientIPAddress(in, p.trustForwardedFor)
	if prior := in.Header.Get("X-Forwarded-For"); prior != "" && p.trustForwardedFor {
		out.Header.Set("X-Forwarded-For", prior+", "+remoteHost(in))
	} else {
		out.Header.Set("X-Forwarded-For", clientIP)
	}
	out.Header.Set("X-Forwarded-Host", in.Host)
	proto := "http"
	if in.TLS != nil {
		proto = "https"
	}
	out.Header.Set("X-Forwarded-Proto", proto)
}

func copyResponseHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append([]string(nil), vv...)
	}
	for _, h := range strippedResponseHeaders {
		dst.Del(h)
	}
}

// failureStatus maps a transport failure to the status shown to the client.
func failureStatus(err error) (int, string) {
	if resilience.IsType(err, resilience.ErrorTimeout) {
		return http.StatusGatewayTimeout, "Service timeout"
	}
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return http.StatusRequestEntityTooLarge, "Request body too large"
	}
	return http.StatusServiceUnavailable, "Service unavailable"
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

func remoteHost(r *http.Request) string {
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return h
	}
	return r.RemoteAddr
}
