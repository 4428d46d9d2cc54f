package httpclient

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"

	"github.com/albumqr/albumqr-mesh/internal/resilience"
)

// ErrServiceNotRegistered is returned when a client is requested for an
// unknown service name.
var ErrServiceNotRegistered = errors.New("service not registered")

// Manager is the registry of per-service clients of one process.
type Manager struct {
	breaker resilience.BreakerConfig
	logger  *slog.Logger

	mu      sync.RWMutex
	clients map[string]*ServiceClient
}

// NewManager creates an empty registry. Every registered service gets its own
// breaker built from breaker.
func NewManager(breaker resilience.BreakerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		breaker: breaker,
		logger:  logger,
		clients: make(map[string]*ServiceClient),
	}
}

// Register adds or replaces the client for cfg.Name.
func (m *Manager) Register(cfg ServiceConfig) (*ServiceClient, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("register service: empty name")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("register service %s: invalid base url %q", cfg.Name, cfg.BaseURL)
	}

	client := NewServiceClient(cfg, m.breaker, m.logger)

	m.mu.Lock()
	old := m.clients[cfg.Name]
	m.clients[cfg.Name] = client
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	m.logger.Info("service client registered", "service", cfg.Name, "base_url", cfg.BaseURL)
	return client, nil
}

// Client returns the client registered under name.
func (m *Manager) Client(name string) (*ServiceClient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotRegistered, name)
	}
	return c, nil
}

// Names lists the registered services in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats returns the counters of every registered client.
func (m *Manager) Stats() map[string]ServiceStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ServiceStats, len(m.clients))
	for name, c := range m.clients {
		out[name] = c.Stats()
	}
	return out
}

// CloseAll closes every client and empties the registry.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*ServiceClient)
	m.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
}
