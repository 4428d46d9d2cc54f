package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/albumqr/albumqr-mesh/internal/eventbus"
	"github.com/albumqr/albumqr-mesh/internal/resilience"
)

// SystemPublisher publishes system-scoped events.
type SystemPublisher interface {
	PublishSystemEvent(ctx context.Context, e eventbus.Event) error
}

// ChangeFunc observes readiness reports. previous is nil on the first
// evaluation.
type ChangeFunc func(ctx context.Context, previous *ReadinessResponse, current ReadinessResponse)

// Monitor periodically evaluates a Checker, keeps the last report and
// announces transitions of the overall status.
type Monitor struct {
	checker   *Checker
	service   string
	interval  time.Duration
	publisher SystemPublisher
	retry     *resilience.RetryManager
	logger    *slog.Logger

	mu        sync.RWMutex
	last      *ReadinessResponse
	listeners []ChangeFunc
}

// NewMonitor creates a monitor for the named service. publisher may be nil.
func NewMonitor(checker *Checker, service string, interval time.Duration, publisher SystemPublisher, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger = logger.With("component", "health_monitor")
	return &Monitor{
		checker:   checker,
		service:   service,
		interval:  interval,
		publisher: publisher,
		retry:     resilience.NewRetryManager("health_publish", DefaultPublishRetry(), logger),
		logger:    logger,
	}
}

// DefaultPublishRetry returns the retry policy for health-change events:
// 3 attempts starting at 500ms, capped at 5s.
func DefaultPublishRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:     3,
		BaseDelay:       500 * time.Millisecond,
		MaxDelay:        5 * time.Second,
		ExponentialBase: 2,
		Jitter:          true,
		RetryUnknown:    true,
	}
}

// SetPublishRetry replaces the retry policy used when publishing
// health-change events. Call it before Run.
func (m *Monitor) SetPublishRetry(cfg resilience.RetryConfig) {
	m.retry = resilience.NewRetryManager("health_publish", cfg, m.logger)
}

// PublishStats returns the counters of the publish retry loop.
func (m *Monitor) PublishStats() resilience.RetryStats {
	return m.retry.Stats()
}

// OnChange registers fn to run after the first evaluation and after every
// transition of the overall status or readiness.
func (m *Monitor) OnChange(fn ChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Last returns the most recent report, if any.
func (m *Monitor) Last() (ReadinessResponse, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return ReadinessResponse{}, false
	}
	return *m.last, true
}

// Run evaluates immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("health monitor starting", "interval", m.interval)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Evaluate(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopping")
			return
		case <-ticker.C:
			m.Evaluate(ctx)
		}
	}
}

// Evaluate runs the checks once and reports whether the overall status or
// readiness changed since the previous evaluation. The first evaluation
// never counts as a change.
func (m *Monitor) Evaluate(ctx context.Context) bool {
	current := m.checker.Readiness(ctx)

	m.mu.Lock()
	previous := m.last
	m.last = &current
	listeners := append([]ChangeFunc(nil), m.listeners...)
	m.mu.Unlock()

	changed := previous != nil && (previous.Status != current.Status || previous.Ready != current.Ready)
	if previous != nil && !changed {
		return false
	}

	if changed {
		m.logger.Warn("service health changed",
			"service", m.service,
			"previous_status", previous.Status,
			"current_status", current.Status,
			"ready", current.Ready,
		)
		m.publish(ctx, previous.Response, current)
	}
	for _, fn := range listeners {
		fn(ctx, previous, current)
	}
	return changed
}

func (m *Monitor) publish(ctx context.Context, previous Response, current ReadinessResponse) {
	if m.publisher == nil {
		return
	}
	failing := []string{}
	for _, dc := range current.Dependencies {
		if dc.Status != StatusHealthy {
			failing = append(failing, dc.Name)
		}
	}
	e := eventbus.NewEvent(eventbus.ServiceHealthChanged, m.service, map[string]any{
		"service":         m.service,
		"previous_status": string(previous.Status),
		"current_status":  string(current.Status),
		"failing":         failing,
		"ready":           current.Ready,
		"version":         current.Version,
	})
	err := m.retry.Execute(ctx, func(ctx context.Context) error {
		return m.publisher.PublishSystemEvent(ctx, e)
	})
	if err != nil {
		m.logger.Error("failed to publish health change", "event_id", e.ID, "error", err)
	}
}
