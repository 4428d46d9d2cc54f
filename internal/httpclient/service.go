package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/albumqr/albumqr-mesh/internal/resilience"
)

// ServiceConfig describes one named destination service.
type ServiceConfig struct {
	Name       string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	Headers    map[string]string
}

// RequestConfig overrides ServiceConfig for a single call. Headers are merged
// over the service headers; Timeout and MaxRetries replace the defaults.
type RequestConfig struct {
	Timeout    time.Duration
	MaxRetries *int
	Headers    map[string]string
	AuthToken  string
}

// Retries is a helper for setting RequestConfig.MaxRetries.
func Retries(n int) *int { return &n }

// Response is a fully read service response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("decode response: empty body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// maxResponseBody caps how much of a service response is buffered.
const maxResponseBody = 10 << 20

// ServiceStats are the counters reported per registered service.
type ServiceStats struct {
	Requests int64                      `json:"requests"`
	Errors   int64                      `json:"errors"`
	Breaker  resilience.BreakerSnapshot `json:"circuit_breaker"`
}

// ServiceClient calls one named service with JSON bodies, mapping non-2xx
// responses to IntegrationErrors.
type ServiceClient struct {
	cfg      ServiceConfig
	reliable *ReliableClient
	logger   *slog.Logger

	requests atomic.Int64
	errors   atomic.Int64
}

// NewServiceClient builds a client for cfg with its own breaker and pool.
func NewServiceClient(cfg ServiceConfig, breaker resilience.BreakerConfig, logger *slog.Logger) *ServiceClient {
	if logger == nil {
		logger = slog.Default()
	}
	rc := DefaultConfig(cfg.Name)
	if cfg.Timeout > 0 {
		rc.Timeout = cfg.Timeout
	}
	if cfg.MaxRetries >= 0 {
		rc.MaxRetries = cfg.MaxRetries
	}
	if cfg.RetryDelay > 0 {
		rc.RetryDelay = cfg.RetryDelay
	}
	rc.Breaker = breaker
	return &ServiceClient{
		cfg:      cfg,
		reliable: NewReliableClient(rc, logger),
		logger:   logger.With("component", "service_client", "service", cfg.Name),
	}
}

// Name returns the service name.
func (c *ServiceClient) Name() string { return c.cfg.Name }

// BaseURL returns the service base URL.
func (c *ServiceClient) BaseURL() string { return c.cfg.BaseURL }

// Reliable returns the underlying transport client.
func (c *ServiceClient) Reliable() *ReliableClient { return c.reliable }

// Get calls GET path.
func (c *ServiceClient) Get(ctx context.Context, path string, rc *RequestConfig) (*Response, error) {
	return c.Request(ctx, http.MethodGet, path, nil, rc)
}

// Post calls POST path with data encoded as JSON.
func (c *ServiceClient) Post(ctx context.Context, path string, data any, rc *RequestConfig) (*Response, error) {
	return c.Request(ctx, http.MethodPost, path, data, rc)
}

// Put calls PUT path with data encoded as JSON.
func (c *ServiceClient) Put(ctx context.Context, path string, data any, rc *RequestConfig) (*Response, error) {
	return c.Request(ctx, http.MethodPut, path, data, rc)
}

// Patch calls PATCH path with data encoded as JSON.
func (c *ServiceClient) Patch(ctx context.Context, path string, data any, rc *RequestConfig) (*Response, error) {
	return c.Request(ctx, http.MethodPatch, path, data, rc)
}

// Delete calls DELETE path.
func (c *ServiceClient) Delete(ctx context.Context, path string, rc *RequestConfig) (*Response, error) {
	return c.Request(ctx, http.MethodDelete, path, nil, rc)
}

// Request sends one call. For a non-2xx status both the Response and an
// IntegrationError describing it are returned.
func (c *ServiceClient) Request(ctx context.Context, method, path string, data any, rc *RequestConfig) (*Response, error) {
	c.requests.Add(1)
	resp, err := c.do(ctx, method, path, data, rc)
	if err != nil {
		c.errors.Add(1)
	}
	return resp, err
}

func (c *ServiceClient) do(ctx context.Context, method, path string, data any, rc *RequestConfig) (*Response, error) {
	var body io.Reader
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, resilience.Wrap(resilience.ErrorValidation, c.cfg.Name, fmt.Errorf("encode request: %w", err))
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), body)
	if err != nil {
		return nil, resilience.Wrap(resilience.ErrorValidation, c.cfg.Name, err)
	}
	req.Header.Set("Accept", "application/json")
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	var opts *CallOptions
	if rc != nil {
		for k, v := range rc.Headers {
			req.Header.Set(k, v)
		}
		if rc.AuthToken != "" {
			req.Header.Set("Authorization", "Bearer "+rc.AuthToken)
		}
		opts = &CallOptions{Timeout: rc.Timeout, MaxRetries: rc.MaxRetries}
	}

	res, err := c.reliable.Do(req, opts)
	if err != nil {
		c.logger.Warn("service call failed", "method", method, "path", path, "error", err)
		return nil, err
	}
	defer res.Body.Close()

	b, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		return nil, classifyTransportError(c.cfg.Name, err)
	}
	out := &Response{StatusCode: res.StatusCode, Header: res.Header.Clone(), Body: b}

	if res.StatusCode >= http.StatusBadRequest {
		ie := errorForStatus(c.cfg.Name, res.StatusCode, fmt.Sprintf("%s %s returned %d", method, path, res.StatusCode))
		if msg := errorMessage(b); msg != "" {
			ie.WithDetail("response", msg)
		}
		return out, ie
	}
	return out, nil
}

func (c *ServiceClient) url(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// Stats returns request counters and breaker state.
func (c *ServiceClient) Stats() ServiceStats {
	return ServiceStats{
		Requests: c.requests.Load(),
		Errors:   c.errors.Load(),
		Breaker:  c.reliable.Breaker().Snapshot(),
	}
}

// Close releases pooled connections.
func (c *ServiceClient) Close() {
	c.reliable.Close()
}

// errorMessage extracts a short message from a JSON error body.
func errorMessage(body []byte) string {
	var payload struct {
		Detail  any    `json:"detail"`
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) != nil {
		return ""
	}
	switch {
	case payload.Message != "":
		return payload.Message
	case payload.Error != "":
		return payload.Error
	case payload.Detail != nil:
		return fmt.Sprint(payload.Detail)
	}
	return ""
}
