package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/albumqr/albumqr-mesh/internal/httpclient"
)

// Discovery resolves the healthy base URLs of a service.
type Discovery interface {
	ServiceURLs(ctx context.Context, service string) ([]string, error)
}

// RouteTable maps request path segments to backend services and keeps one
// registered client per service in the client manager. Backend addresses
// come from static configuration and can be refreshed from a Discovery.
type RouteTable struct {
	clients  *httpclient.Manager
	upstream ResilienceConfig
	logger   *slog.Logger

	mu       sync.RWMutex
	segments map[string]string // path segment -> service
	static   map[string]string // service -> configured base URL
	current  map[string]string // service -> base URL in use
}

// NewRouteTable registers a client for every service and returns the table.
func NewRouteTable(routes []Route, services map[string]string, clients *httpclient.Manager, upstream ResilienceConfig, logger *slog.Logger) (*RouteTable, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &RouteTable{
		clients:  clients,
		upstream: upstream,
		logger:   logger.With("component", "route_table"),
		segments: make(map[string]string, len(routes)),
		static:   make(map[string]string, len(services)),
		current:  make(map[string]string, len(services)),
	}
	for _, r := range routes {
		if _, ok := services[r.Service]; !ok {
			return nil, fmt.Errorf("route %q: no base url for service %q", r.Segment, r.Service)
		}
		rt.segments[strings.ToLower(r.Segment)] = r.Service
	}
	for _, name := range sortedKeys(services) {
		if err := rt.register(name, services[name]); err != nil {
			return nil, err
		}
		rt.static[name] = services[name]
	}
	return rt, nil
}

func (rt *RouteTable) register(service, baseURL string) error {
	_, err := rt.clients.Register(httpclient.ServiceConfig{
		Name:       service,
		BaseURL:    baseURL,
		Timeout:    rt.upstream.Timeout,
		MaxRetries: rt.upstream.MaxRetries,
		RetryDelay: rt.upstream.RetryDelay,
	})
	if err != nil {
		return err
	}
	rt.mu.Lock()
	rt.current[service] = baseURL
	rt.mu.Unlock()
	return nil
}

// Resolve returns the service behind a path segment.
func (rt *RouteTable) Resolve(segment string) (string, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	svc, ok := rt.segments[strings.ToLower(segment)]
	return svc, ok
}

// Client returns the client for a service.
func (rt *RouteTable) Client(service string) (*httpclient.ServiceClient, error) {
	return rt.clients.Client(service)
}

// Services returns the routed service names in sorted order.
func (rt *RouteTable) Services() []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return sortedKeys(rt.current)
}

// BaseURL returns the base URL currently used for service.
func (rt *RouteTable) BaseURL(service string) string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.current[service]
}

// Run refreshes backend addresses from d every interval until ctx is done.
func (rt *RouteTable) Run(ctx context.Context, d Discovery, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	rt.Refresh(ctx, d)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.Refresh(ctx, d)
		}
	}
}

// Refresh resolves every service once. A service keeps its current address
// while that address is still healthy, moves to the first healthy address
// otherwise, and falls back to its static address when discovery has
// nothing.
func (rt *RouteTable) Refresh(ctx context.Context, d Discovery) {
	changed := 0
	for _, service := range rt.Services() {
		urls, err := d.ServiceURLs(ctx, service)
		if err != nil {
			rt.logger.Error("failed to resolve service", "service", service, "error", err)
			continue
		}

		rt.mu.RLock()
		current, static := rt.current[service], rt.static[service]
		rt.mu.RUnlock()

		next := static
		switch {
		case slices.Contains(urls, current):
			next = current
		case len(urls) > 0:
			next = urls[0]
		default:
			if current != static {
				rt.logger.Warn("no healthy instances, using configured address", "service", service, "base_url", static)
			}
		}
		if next == current {
			continue
		}
		if err := rt.register(service, next); err != nil {
			rt.logger.Error("failed to update backend", "service", service, "base_url", next, "error", err)
			continue
		}
		changed++
	}
	rt.logger.Info("route table refreshed", "services", len(rt.Services()), "changed", changed)
}

// ParseServiceFromPath extracts the service segment from a request path
// given a prefix. For example, with prefix "/" and path "/albums/42/pages",
// returns ("albums", "/42/pages", true).
func ParseServiceFromPath(prefix, path string) (serviceName, remainder string, ok bool) {
	if !strings.HasPrefix(path, prefix) {
		return "", "", false
	}

	rest := path[len(prefix):]
	if rest == "" {
		return "", "", false
	}

	idx := strings.IndexByte(rest, '/')
	if idx < 0 {
		return rest, "/", true
	}
	return rest[:idx], rest[idx:], true
}

// BuildBackendURL constructs the full backend URL for a request. The
// escaped path is appended to any path already present in backendAddr and
// keeps its encoding, so an encoded slash reaches the backend as %2F.
func BuildBackendURL(backendAddr, escapedPath, rawQuery string) string {
	u, err := url.Parse(backendAddr)
	if err != nil {
		return backendAddr + escapedPath
	}
	raw := strings.TrimRight(u.EscapedPath(), "/") + escapedPath
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return backendAddr + escapedPath
	}
	u.Path = decoded
	u.RawPath = raw
	u.RawQuery = rawQuery
	return u.String()
}
