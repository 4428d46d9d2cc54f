// Package health aggregates dependency checks into the liveness and
// readiness documents served by every AlbumQR process.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status is the state of a dependency or of the whole process.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// DependencyCheck is the outcome of one check.
type DependencyCheck struct {
	Name           string         `json:"name"`
	Status         Status         `json:"status"`
	ResponseTimeMs float64        `json:"response_time_ms"`
	Error          string         `json:"error,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
}

// Response is the body of GET /health.
type Response struct {
	Status        Status            `json:"status"`
	Timestamp     time.Time         `json:"timestamp"`
	Version       string            `json:"version"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	Dependencies  []DependencyCheck `json:"dependencies"`
}

// ReadinessResponse is the body of GET /health/ready.
type ReadinessResponse struct {
	Response
	Ready bool `json:"ready"`
}

// CheckFunc checks one dependency. Name and ResponseTimeMs are filled in by
// the Checker; a CheckFunc only sets Status, Error and Details.
type CheckFunc func(ctx context.Context) DependencyCheck

type registeredCheck struct {
	name     string
	fn       CheckFunc
	critical bool
}

// Checker runs registered checks concurrently.
type Checker struct {
	version string
	timeout time.Duration
	logger  *slog.Logger
	started time.Time
	now     func() time.Time

	mu     sync.RWMutex
	checks []registeredCheck
}

// NewChecker creates a checker. Each check gets at most timeout to finish.
func NewChecker(version string, timeout time.Duration, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{
		version: version,
		timeout: timeout,
		logger:  logger.With("component", "health_checker"),
		started: time.Now(),
		now:     time.Now,
	}
}

// Register adds a check. A critical check that is unhealthy makes the
// process not ready. Registering an existing name replaces it.
func (c *Checker) Register(name string, fn CheckFunc, critical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.checks {
		if c.checks[i].name == name {
			c.checks[i] = registeredCheck{name: name, fn: fn, critical: critical}
			return
		}
	}
	c.checks = append(c.checks, registeredCheck{name: name, fn: fn, critical: critical})
}

// Health runs every check and aggregates the result.
func (c *Checker) Health(ctx context.Context) Response {
	resp, _ := c.evaluate(ctx)
	return resp
}

// Readiness runs every check; the process is ready unless a critical
// dependency is unhealthy.
func (c *Checker) Readiness(ctx context.Context) ReadinessResponse {
	resp, criticalDown := c.evaluate(ctx)
	return ReadinessResponse{Response: resp, Ready: !criticalDown}
}

func (c *Checker) evaluate(ctx context.Context) (Response, bool) {
	c.mu.RLock()
	checks := append([]registeredCheck(nil), c.checks...)
	c.mu.RUnlock()

	results := make([]DependencyCheck, len(checks))
	var g errgroup.Group
	for i, rc := range checks {
		g.Go(func() error {
			results[i] = c.run(ctx, rc)
			return nil
		})
	}
	_ = g.Wait()

	criticalDown := false
	for i, rc := range checks {
		if rc.critical && results[i].Status == StatusUnhealthy {
			criticalDown = true
		}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	now := c.now()
	return Response{
		Status:        Aggregate(results),
		Timestamp:     now.UTC(),
		Version:       c.version,
		UptimeSeconds: now.Sub(c.started).Seconds(),
		Dependencies:  results,
	}, criticalDown
}

func (c *Checker) run(ctx context.Context, rc registeredCheck) (out DependencyCheck) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			out = DependencyCheck{Status: StatusUnhealthy, Error: fmt.Sprintf("check panicked: %v", r)}
		}
		out.Name = rc.name
		out.ResponseTimeMs = float64(time.Since(start).Microseconds()) / 1000
		if out.Status == "" {
			out.Status = StatusUnknown
		}
		if out.Status == StatusUnhealthy {
			c.logger.Warn("dependency unhealthy", "dependency", rc.name, "critical", rc.critical, "error", out.Error)
		}
	}()

	done := make(chan DependencyCheck, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- DependencyCheck{Status: StatusUnhealthy, Error: fmt.Sprintf("check panicked: %v", r)}
			}
		}()
		done <- rc.fn(ctx)
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		return DependencyCheck{Status: StatusUnhealthy, Error: fmt.Sprintf("check timed out after %s", c.timeout)}
	}
}

// Aggregate reduces dependency results: any unhealthy makes the whole
// unhealthy, otherwise any degraded or unknown makes it degraded.
func Aggregate(checks []DependencyCheck) Status {
	status := StatusHealthy
	for _, dc := range checks {
		switch dc.Status {
		case StatusHealthy:
		case StatusUnhealthy:
			return StatusUnhealthy
		default:
			status = StatusDegraded
		}
	}
	return status
}
