package healthmonitor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/albumqr/albumqr-mesh/internal/eventbus"
	"github.com/albumqr/albumqr-mesh/internal/health"
	"github.com/albumqr/albumqr-mesh/internal/resilience"
)

// Check sources recorded on reports.
const (
	SourceHTTP    = "http"
	SourceTCP     = "tcp"
	SourceBreaker = "circuit-breaker"
	SourceEvent   = "event"
)

// maxConcurrentChecks bounds the check fan-out per round.
const maxConcurrentChecks = 32

// Worker is the background check loop. Each round it lists the targets,
// checks them concurrently, caches the results and publishes a
// service.health_changed event whenever an instance changes status.
type Worker struct {
	source    Source
	publisher health.SystemPublisher
	cache     *Cache
	config    Config
	logger    *slog.Logger
	client    *http.Client
	breakers  *resilience.BreakerSet
}

// NewWorker creates a check worker. publisher may be nil.
func NewWorker(source Source, publisher health.SystemPublisher, cache *Cache, config Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		source:    source,
		publisher: publisher,
		cache:     cache,
		config:    config,
		logger:    logger.With("component", "check_worker"),
		client:    &http.Client{Timeout: config.HTTPTimeout},
		breakers: resilience.NewBreakerSet(resilience.BreakerConfig{
			FailureThreshold: config.FailureThreshold,
			SuccessThreshold: config.RecoveryThreshold,
			RecoveryTimeout:  2 * config.CheckInterval,
		}),
	}
}

// Run checks immediately and then every CheckInterval until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("check worker starting",
		"check_interval", w.config.CheckInterval,
		"failure_threshold", w.config.FailureThreshold,
	)
	ticker := time.NewTicker(w.config.CheckInterval)
	defer ticker.Stop()

	w.CheckAll(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("check worker stopping")
			return
		case <-ticker.C:
			w.CheckAll(ctx)
		}
	}
}

// CheckAll runs one check round. Cached check results for instances that
// are no longer listed are evicted; event-sourced reports are kept.
func (w *Worker) CheckAll(ctx context.Context) {
	targets, err := w.source.Targets(ctx)
	if err != nil {
		w.logger.Error("failed to list check targets", "error", err)
		return
	}

	live := make(map[string]struct{}, len(targets))
	var g errgroup.Group
	g.SetLimit(maxConcurrentChecks)
	for _, t := range targets {
		live[t.ServiceID] = struct{}{}
		g.Go(func() error {
			w.checkTarget(ctx, t)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range w.cache.GetAll() {
		if _, ok := live[r.ServiceID]; !ok && r.Source != SourceEvent {
			w.cache.Remove(r.ServiceID)
		}
	}
}

func (w *Worker) checkTarget(ctx context.Context, t Target) {
	breaker := w.breakers.Get("healthmonitor:" + t.ServiceID)
	if !breaker.Allow() {
		w.record(ctx, t, health.StatusUnhealthy, SourceBreaker, "checks suspended after repeated failures")
		return
	}

	status, source, message := w.runCheck(ctx, t)
	if status == health.StatusUnhealthy {
		breaker.RecordFailure()
	} else {
		breaker.RecordSuccess()
	}
	w.record(ctx, t, status, source, message)
}

func (w *Worker) runCheck(ctx context.Context, t Target) (health.Status, string, string) {
	switch {
	case t.HealthPath != "":
		url := strings.TrimRight(t.URL, "/") + "/" + strings.TrimLeft(t.HealthPath, "/")
		dc := health.HTTPServiceCheck(w.client, url, w.config.SlowThreshold)(ctx)
		msg := dc.Error
		if msg == "" {
			msg = fmt.Sprintf("HTTP %v", dc.Details["status_code"])
		}
		return dc.Status, SourceHTTP, msg
	case t.TCPAddr != "":
		return w.tcpCheck(ctx, t.TCPAddr)
	default:
		return health.StatusUnknown, "none", "no check configuration available"
	}
}

func (w *Worker) tcpCheck(ctx context.Context, addr string) (health.Status, string, string) {
	d := net.Dialer{Timeout: w.config.TCPTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return health.StatusUnhealthy, SourceTCP, fmt.Sprintf("TCP connection failed: %v", err)
	}
	conn.Close()
	return health.StatusHealthy, SourceTCP, "TCP connection successful"
}

func (w *Worker) record(ctx context.Context, t Target, status health.Status, source, message string) {
	previous := w.cache.Update(Report{
		ServiceID:   t.ServiceID,
		ServiceName: t.ServiceName,
		URL:         t.URL,
		Status:      status,
		Source:      source,
		Message:     message,
		Metadata:    t.Metadata,
	})
	if previous == status || previous == health.StatusUnknown {
		return
	}

	w.logger.Warn("instance health changed",
		"service", t.ServiceName,
		"service_id", t.ServiceID,
		"previous_status", previous,
		"current_status", status,
		"message", message,
	)
	if w.publisher == nil {
		return
	}
	e := eventbus.NewEvent(eventbus.ServiceHealthChanged, w.config.ServiceName, map[string]any{
		"service":         t.ServiceName,
		"service_id":      t.ServiceID,
		"previous_status": string(previous),
		"current_status":  string(status),
		"output":          message,
	})
	if err := w.publisher.PublishSystemEvent(ctx, e); err != nil {
		w.logger.Error("failed to publish health change", "service_id", t.ServiceID, "error", err)
	}
}
