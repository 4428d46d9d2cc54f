package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/albumqr/albumqr-mesh/internal/health"
	"github.com/albumqr/albumqr-mesh/internal/httpclient"
	"github.com/albumqr/albumqr-mesh/internal/resilience"
)

// Server is the gateway HTTP surface. It owns the route table (and through
// it the per-backend clients and breakers), the auth middleware and the
// rate limiter; nothing is package global.
type Server struct {
	cfg     Config
	routes  *RouteTable
	auth    *Authenticator
	limiter *RateLimiter
	checker *health.Checker
	proxy   *Proxy
	logger  *slog.Logger
	handler http.Handler
}

// Deps are the collaborators of a Server. Limiter may be nil to disable
// rate limiting.
type Deps struct {
	Routes  *RouteTable
	Auth    *Authenticator
	Limiter *RateLimiter
	Health  *health.Checker
	Logger  *slog.Logger
}

// NewServer builds the router and middleware chain.
func NewServer(cfg Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		routes:  deps.Routes,
		auth:    deps.Auth,
		limiter: deps.Limiter,
		checker: deps.Health,
		proxy:   NewProxy(deps.Routes, cfg.Routing, cfg.RateLimit.TrustForwardedFor, logger),
		logger:  logger,
	}
	if s.auth == nil {
		s.auth = NewAuthenticator(nil, nil, logger)
	}

	r := mux.NewRouter()
	r.Handle("/healthz", health.LivenessHandler()).Methods(http.MethodGet)
	r.Handle("/health", health.Handler(s.checker)).Methods(http.MethodGet)
	r.Handle("/health/ready", health.ReadinessHandler(s.checker)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/services", s.listServices).Methods(http.MethodGet)
	r.HandleFunc("/services/{name}/health", s.serviceHealth).Methods(http.MethodGet)

	for _, action := range []string{"login", "register", "refresh", "logout"} {
		r.HandleFunc("/auth/"+action, s.delegateAuth).Methods(http.MethodPost)
	}
	r.HandleFunc("/auth/me", s.delegateAuth).Methods(http.MethodGet)

	r.PathPrefix("/").Handler(s.proxy)

	// Outermost first: CORS, correlation, auth, rate limit, logging, route.
	var h http.Handler = r
	h = RequestLogging(logger, cfg.RateLimit.TrustForwardedFor, h)
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	h = s.auth.Middleware(h)
	h = Correlation(h)
	h = CORS(cfg.CORS)(h)
	s.handler = h
	return s
}

// Handler returns the composed handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type serviceInfo struct {
	Name    string                  `json:"name"`
	BaseURL string                  `json:"base_url"`
	Stats   httpclient.ServiceStats `json:"stats"`
}

func (s *Server) listServices(w http.ResponseWriter, r *http.Request) {
	names := s.routes.Services()
	out := make([]serviceInfo, 0, len(names))
	for _, name := range names {
		client, err := s.routes.Client(name)
		if err != nil {
			continue
		}
		out = append(out, serviceInfo{Name: name, BaseURL: client.BaseURL(), Stats: client.Stats()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": out})
}

func (s *Server) serviceHealth(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	client, err := s.routes.Client(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "Service not found")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Health.CheckTimeout)
	defer cancel()
	start := time.Now()
	resp, err := client.Get(ctx, "/health", &httpclient.RequestConfig{MaxRetries: httpclient.Retries(0)})
	elapsed := float64(time.Since(start).Microseconds()) / 1000

	body := map[string]any{
		"service":          name,
		"response_time_ms": elapsed,
	}
	if resp == nil {
		body["status"] = health.StatusUnhealthy
		body["error"] = errorSummary(err)
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}

	var payload any
	if json.Unmarshal(resp.Body, &payload) == nil {
		body["details"] = payload
	}
	body["status_code"] = resp.StatusCode
	if err != nil {
		body["status"] = health.StatusUnhealthy
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	body["status"] = health.StatusHealthy
	writeJSON(w, http.StatusOK, body)
}

// delegateAuth forwards the session endpoints to the auth service and
// relays its answer.
func (s *Server) delegateAuth(w http.ResponseWriter, r *http.Request) {
	client, err := s.routes.Client(s.cfg.Auth.Service)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Service unavailable")
		return
	}

	var payload any
	if r.Method == http.MethodPost {
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		if len(raw) > 0 {
			payload = json.RawMessage(raw)
			if !json.Valid(raw) {
				writeError(w, http.StatusBadRequest, "Request body must be JSON")
				return
			}
		}
	}

	rc := &httpclient.RequestConfig{Headers: map[string]string{}}
	if token, ok := bearerToken(r); ok {
		rc.AuthToken = token
	}
	if cid := CorrelationID(r.Context()); cid != "" {
		rc.Headers[HeaderCorrelationID] = cid
	}
	if r.Method == http.MethodPost {
		rc.MaxRetries = httpclient.Retries(0)
	}

	resp, err := client.Request(r.Context(), r.Method, r.URL.Path, payload, rc)
	if resp == nil {
		status, message := failureStatus(err)
		s.logger.Error("auth delegation failed", "path", r.URL.Path, "status", status, "error", err)
		writeError(w, status, message)
		return
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	for _, c := range resp.Header.Values("Set-Cookie") {
		w.Header().Add("Set-Cookie", c)
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

func errorSummary(err error) string {
	if ie, ok := resilience.AsIntegrationError(err); ok {
		return ie.Type.String()
	}
	if err != nil {
		return "unavailable"
	}
	return ""
}
