package resilience

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"time"
)

// Backoff computes exponential delays with optional ±25% jitter.
type Backoff struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool
}

// Delay returns the wait before retry number attempt (0-based).
// rnd must return a value in [0, 1); nil uses math/rand.
func (b Backoff) Delay(attempt int, rnd func() float64) time.Duration {
	mult := b.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := float64(b.BaseDelay) * math.Pow(mult, float64(attempt))
	if b.MaxDelay > 0 && d > float64(b.MaxDelay) {
		d = float64(b.MaxDelay)
	}
	if b.Jitter {
		if rnd == nil {
			rnd = rand.Float64
		}
		d += d * 0.25 * (rnd()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	if b.MaxDelay > 0 && d > float64(b.MaxDelay) {
		d = float64(b.MaxDelay)
	}
	return time.Duration(d)
}

// Classifier decides whether an error is worth another attempt.
type Classifier func(err error) bool

// Retrier is the single bounded retry loop used by every caller in the mesh.
type Retrier struct {
	MaxAttempts int
	Backoff     Backoff
	ShouldRetry Classifier
	// OnRetry is called before each wait with the failed attempt number.
	OnRetry func(attempt int, delay time.Duration, err error)
	// Sleep waits between attempts; nil uses a timer that honours ctx.
	Sleep func(ctx context.Context, d time.Duration) error

	rand func() float64
}

// Do runs fn until it succeeds, the classifier rejects the error, attempts
// run out, or ctx is done. It returns the last error from fn, or ctx.Err()
// when the context ended during a wait.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	attempts := r.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		if r.ShouldRetry != nil && !r.ShouldRetry(lastErr) {
			break
		}
		delay := r.Backoff.Delay(attempt, r.rand)
		if r.OnRetry != nil {
			r.OnRetry(attempt, delay, lastErr)
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryConfig configures a RetryManager.
type RetryConfig struct {
	MaxAttempts     int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	BaseDelay       time.Duration `env:"BASE_DELAY" envDefault:"1s"`
	MaxDelay        time.Duration `env:"MAX_DELAY" envDefault:"60s"`
	ExponentialBase float64       `env:"EXPONENTIAL_BASE" envDefault:"2"`
	Jitter          bool          `env:"JITTER" envDefault:"true"`
	RetryableErrors []ErrorType   `env:"-"`
	// RetryUnknown controls whether errors that are not IntegrationErrors
	// are retried.
	RetryUnknown bool `env:"RETRY_UNKNOWN" envDefault:"true"`
}

// DefaultRetryConfig returns 3 attempts, 1s base, 60s cap, doubling, jitter on.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		BaseDelay:       time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2,
		Jitter:          true,
		RetryableErrors: []ErrorType{ErrorNetwork, ErrorTimeout, ErrorRateLimit, ErrorInternal},
		RetryUnknown:    true,
	}
}

// Backoff returns the backoff parameters of the config.
func (c RetryConfig) Backoff() Backoff {
	return Backoff{
		BaseDelay:  c.BaseDelay,
		MaxDelay:   c.MaxDelay,
		Multiplier: c.ExponentialBase,
		Jitter:     c.Jitter,
	}
}

// RetryStats are cumulative counters of a RetryManager.
type RetryStats struct {
	TotalAttempts      int64 `json:"total_attempts"`
	SuccessfulAttempts int64 `json:"successful_attempts"`
	FailedAttempts     int64 `json:"failed_attempts"`
	Retries            int64 `json:"retries"`
}

// RetryManager retries operations according to a RetryConfig and keeps stats.
type RetryManager struct {
	name   string
	cfg    RetryConfig
	logger *slog.Logger

	total     atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	retries   atomic.Int64

	sleep func(ctx context.Context, d time.Duration) error // for testing
}

// NewRetryManager creates a manager. A nil RetryableErrors list means the
// default retryable types.
func NewRetryManager(name string, cfg RetryConfig, logger *slog.Logger) *RetryManager {
	if cfg.RetryableErrors == nil {
		cfg.RetryableErrors = DefaultRetryConfig().RetryableErrors
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryManager{
		name:   name,
		cfg:    cfg,
		logger: logger.With("component", "retry", "operation", name),
	}
}

// ShouldRetry reports whether err is worth another attempt under this config.
func (m *RetryManager) ShouldRetry(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	ie, ok := AsIntegrationError(err)
	if !ok {
		return m.cfg.RetryUnknown
	}
	if !ie.Retryable {
		return false
	}
	for _, t := range m.cfg.RetryableErrors {
		if t == ie.Type {
			return true
		}
	}
	return false
}

// Execute runs fn with retries. On exhaustion the last IntegrationError is
// returned as is; any other error is wrapped as a non-retryable internal
// error. A cancelled context yields an internal error wrapping ctx.Err().
func (m *RetryManager) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	r := Retrier{
		MaxAttempts: m.cfg.MaxAttempts,
		Backoff:     m.cfg.Backoff(),
		ShouldRetry: m.ShouldRetry,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			m.retries.Add(1)
			retryAttempts.WithLabelValues(m.name).Inc()
			m.logger.Warn("operation failed, retrying",
				"attempt", attempt+1,
				"max_attempts", m.cfg.MaxAttempts,
				"delay_ms", delay.Milliseconds(),
				"error", err,
			)
		},
		Sleep: m.sleep,
	}

	err := r.Do(ctx, func(ctx context.Context, _ int) error {
		m.total.Add(1)
		if err := fn(ctx); err != nil {
			m.failed.Add(1)
			return err
		}
		m.succeeded.Add(1)
		return nil
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return Wrap(ErrorInternal, m.name, ctxErr).WithRetryable(false)
	}
	if ie, ok := AsIntegrationError(err); ok {
		return ie
	}
	return Wrap(ErrorInternal, m.name, err).WithRetryable(false)
}

// ExecuteValue is Execute for operations that produce a value.
func ExecuteValue[T any](ctx context.Context, m *RetryManager, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := m.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Stats returns a copy of the counters.
func (m *RetryManager) Stats() RetryStats {
	return RetryStats{
		TotalAttempts:      m.total.Load(),
		SuccessfulAttempts: m.succeeded.Load(),
		FailedAttempts:     m.failed.Load(),
		Retries:            m.retries.Load(),
	}
}
