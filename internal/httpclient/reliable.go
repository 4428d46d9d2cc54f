// Package httpclient provides the outbound HTTP layer used between services:
// a pooled client guarded by a circuit breaker with bounded retries, a
// per-service client registry, and the auth-service token helper.
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/albumqr/albumqr-mesh/internal/resilience"
)

// Config controls a ReliableClient.
type Config struct {
	Name                string        `env:"-"`
	Timeout             time.Duration `env:"TIMEOUT" envDefault:"30s"`
	MaxRetries          int           `env:"MAX_RETRIES" envDefault:"3"`
	RetryDelay          time.Duration `env:"RETRY_DELAY" envDefault:"1s"`
	RetryMultiplier     float64       `env:"RETRY_MULTIPLIER" envDefault:"2"`
	RetryMaxDelay       time.Duration `env:"RETRY_MAX_DELAY" envDefault:"60s"`
	MaxIdleConnsPerHost int           `env:"MAX_IDLE_CONNS_PER_HOST" envDefault:"20"`
	MaxConnsPerHost     int           `env:"MAX_CONNS_PER_HOST" envDefault:"100"`
	IdleConnTimeout     time.Duration `env:"IDLE_CONN_TIMEOUT" envDefault:"90s"`

	Breaker resilience.BreakerConfig `envPrefix:"BREAKER_"`
}

// DefaultConfig returns the settings used for sibling-service calls.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		Timeout:             30 * time.Second,
		MaxRetries:          3,
		RetryDelay:          time.Second,
		RetryMultiplier:     2,
		RetryMaxDelay:       60 * time.Second,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     100,
		IdleConnTimeout:     90 * time.Second,
		Breaker:             resilience.DefaultBreakerConfig(),
	}
}

// CallOptions override the client defaults for one call.
type CallOptions struct {
	Timeout    time.Duration // zero keeps the client timeout
	MaxRetries *int          // nil keeps the client retry count
}

// StatusError is returned by the convenience methods when the destination
// keeps answering with a server error after all retries.
type StatusError struct {
	Service    string
	Method     string
	URL        string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s %s: server error %d", e.Service, e.Method, e.URL, e.StatusCode)
}

// maxErrorBody bounds how much of a failed response is kept in a StatusError.
const maxErrorBody = 64 << 10

// ReliableClient is a pooled HTTP client for one destination. Every call
// passes through the destination's circuit breaker and is retried with
// exponential backoff on timeouts, connection failures and 5xx responses.
// 4xx responses are returned to the caller untouched and never retried.
type ReliableClient struct {
	cfg       Config
	client    *http.Client
	transport *http.Transport
	breaker   *resilience.CircuitBreaker
	logger    *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error // for testing
}

// NewReliableClient creates a client with its own connection pool and breaker.
func NewReliableClient(cfg Config, logger *slog.Logger) *ReliableClient {
	if logger == nil {
		logger = slog.Default()
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          cfg.MaxIdleConnsPerHost * 4,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &ReliableClient{
		cfg:       cfg,
		client:    &http.Client{Transport: transport},
		transport: transport,
		breaker:   resilience.NewCircuitBreaker(cfg.Name, cfg.Breaker),
		logger:    logger.With("component", "http_client", "service", cfg.Name),
	}
}

// Name returns the destination name.
func (c *ReliableClient) Name() string { return c.cfg.Name }

// Breaker exposes the destination's circuit breaker.
func (c *ReliableClient) Breaker() *resilience.CircuitBreaker { return c.breaker }

// Close releases idle pooled connections.
func (c *ReliableClient) Close() {
	c.transport.CloseIdleConnections()
}

// Do sends req with breaker protection and retries.
//
// A response is returned for every status the destination produced,
// including a persistent 5xx after retries are exhausted; callers that
// proxy responses rely on this. Transport failures are returned as
// *resilience.IntegrationError (Network or Timeout) and an open circuit as
// an ErrorExternal IntegrationError.
func (c *ReliableClient) Do(req *http.Request, opts *CallOptions) (*http.Response, error) {
	ctx := req.Context()
	if !c.breaker.Allow() {
		clientRequests.WithLabelValues(c.cfg.Name, req.Method, "circuit_open").Inc()
		return nil, c.breaker.OpenError()
	}
	if err := bufferBody(req); err != nil {
		return nil, resilience.Wrap(resilience.ErrorValidation, c.cfg.Name, err)
	}

	timeout, retries := c.cfg.Timeout, c.cfg.MaxRetries
	if opts != nil {
		if opts.Timeout > 0 {
			timeout = opts.Timeout
		}
		if opts.MaxRetries != nil {
			retries = *opts.MaxRetries
		}
	}

	start := time.Now()
	var resp *http.Response
	retrier := resilience.Retrier{
		MaxAttempts: retries + 1,
		Backoff: resilience.Backoff{
			BaseDelay:  c.cfg.RetryDelay,
			MaxDelay:   c.cfg.RetryMaxDelay,
			Multiplier: c.cfg.RetryMultiplier,
			Jitter:     true,
		},
		ShouldRetry: retryableHTTP,
		Sleep:       c.sleep,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			c.logger.Warn("retrying request",
				"method", req.Method,
				"url", req.URL.Redacted(),
				"attempt", attempt+1,
				"delay_ms", delay.Milliseconds(),
				"error", err,
			)
		},
	}

	err := retrier.Do(ctx, func(ctx context.Context, _ int) error {
		if resp != nil {
			drainAndClose(resp.Body)
			resp = nil
		}
		res, err := c.attempt(ctx, req, timeout)
		if err != nil {
			return err
		}
		resp = res
		if res.StatusCode >= http.StatusInternalServerError {
			return &StatusError{Service: c.cfg.Name, Method: req.Method, URL: req.URL.Redacted(), StatusCode: res.StatusCode}
		}
		return nil
	})
	elapsed := time.Since(start).Seconds()

	var statusErr *StatusError
	switch {
	case err == nil:
		c.breaker.RecordSuccess()
		clientRequests.WithLabelValues(c.cfg.Name, req.Method, "success").Inc()
		clientDuration.WithLabelValues(c.cfg.Name, req.Method).Observe(elapsed)
		return resp, nil
	case errors.As(err, &statusErr) && resp != nil:
		c.breaker.RecordFailure()
		clientRequests.WithLabelValues(c.cfg.Name, req.Method, "server_error").Inc()
		clientDuration.WithLabelValues(c.cfg.Name, req.Method).Observe(elapsed)
		return resp, nil
	}

	if resp != nil {
		drainAndClose(resp.Body)
	}
	if ctx.Err() != nil {
		// The caller gave up; that says nothing about the destination.
		clientRequests.WithLabelValues(c.cfg.Name, req.Method, "cancelled").Inc()
		return nil, classifyTransportError(c.cfg.Name, ctx.Err())
	}
	c.breaker.RecordFailure()
	clientRequests.WithLabelValues(c.cfg.Name, req.Method, "error").Inc()
	c.logger.Error("request failed", "method", req.Method, "url", req.URL.Redacted(), "error", err)
	return nil, err
}

func (c *ReliableClient) attempt(ctx context.Context, req *http.Request, timeout time.Duration) (*http.Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	out := req.Clone(attemptCtx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			cancel()
			return nil, resilience.Wrap(resilience.ErrorInternal, c.cfg.Name, err).WithRetryable(false)
		}
		out.Body = body
	}
	res, err := c.client.Do(out)
	if err != nil {
		cancel()
		return nil, classifyTransportError(c.cfg.Name, err)
	}
	res.Body = &cancelBody{ReadCloser: res.Body, cancel: cancel}
	return res, nil
}

// Request builds and sends a request. A persistent 5xx is turned into a
// *StatusError carrying the response body.
func (c *ReliableClient) Request(ctx context.Context, method, url string, body io.Reader, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, resilience.Wrap(resilience.ErrorValidation, c.cfg.Name, err)
	}
	for k, vv := range header {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.Do(req, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Service: c.cfg.Name, Method: method, URL: req.URL.Redacted(), StatusCode: resp.StatusCode, Body: b}
	}
	return resp, nil
}

// Get sends a GET request.
func (c *ReliableClient) Get(ctx context.Context, url string, header http.Header) (*http.Response, error) {
	return c.Request(ctx, http.MethodGet, url, nil, header)
}

// Post sends a POST request.
func (c *ReliableClient) Post(ctx context.Context, url string, body io.Reader, header http.Header) (*http.Response, error) {
	return c.Request(ctx, http.MethodPost, url, body, header)
}

// Put sends a PUT request.
func (c *ReliableClient) Put(ctx context.Context, url string, body io.Reader, header http.Header) (*http.Response, error) {
	return c.Request(ctx, http.MethodPut, url, body, header)
}

// Patch sends a PATCH request.
func (c *ReliableClient) Patch(ctx context.Context, url string, body io.Reader, header http.Header) (*http.Response, error) {
	return c.Request(ctx, http.MethodPatch, url, body, header)
}

// Delete sends a DELETE request.
func (c *ReliableClient) Delete(ctx context.Context, url string, header http.Header) (*http.Response, error) {
	return c.Request(ctx, http.MethodDelete, url, nil, header)
}

// bufferBody makes the request body replayable across attempts.
func bufferBody(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	b, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	req.ContentLength = int64(len(b))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b)), nil
	}
	req.Body, _ = req.GetBody()
	return nil
}

func drainAndClose(body io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(body, maxErrorBody))
	body.Close()
}

// cancelBody releases the per-attempt context once the body is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
