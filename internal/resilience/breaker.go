package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is the cause attached to breaker rejections.
var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerState represents the current state of a circuit breaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // Normal operation, calls pass through
	BreakerOpen                         // Tripped, calls fail fast
	BreakerHalfOpen                     // Recovering, calls pass through until proven
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s BreakerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// BreakerConfig controls when a breaker trips and recovers.
type BreakerConfig struct {
	FailureThreshold int           `env:"FAILURE_THRESHOLD" envDefault:"5"`
	SuccessThreshold int           `env:"SUCCESS_THRESHOLD" envDefault:"2"`
	RecoveryTimeout  time.Duration `env:"RECOVERY_TIMEOUT" envDefault:"30s"`
}

// DefaultBreakerConfig returns the thresholds used for sibling services.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		RecoveryTimeout:  30 * time.Second,
	}
}

// BreakerSnapshot is a point-in-time copy of breaker state.
type BreakerSnapshot struct {
	Name         string       `json:"name"`
	State        BreakerState `json:"state"`
	FailureCount int          `json:"failure_count"`
	SuccessCount int          `json:"success_count"`
	LastFailure  *time.Time   `json:"last_failure_time,omitempty"`
}

// CircuitBreaker guards calls to one downstream dependency.
//
// Closed counts consecutive failures and opens at FailureThreshold. Open
// rejects every call until RecoveryTimeout has passed since the last failure,
// then moves to half-open. Half-open lets every caller through; the first
// failure reopens the circuit and SuccessThreshold consecutive successes
// close it.
type CircuitBreaker struct {
	name string
	cfg  BreakerConfig

	mu           sync.Mutex
	state        BreakerState
	failureCount int
	successCount int
	lastFailure  time.Time

	now func() time.Time // for testing
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 1
	}
	cb := &CircuitBreaker{
		name:  name,
		cfg:   cfg,
		state: BreakerClosed,
		now:   time.Now,
	}
	breakerState.WithLabelValues(name).Set(float64(BreakerClosed))
	return cb
}

// Name returns the dependency name the breaker guards.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Allow reports whether a call may proceed, moving an expired open circuit
// to half-open.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerOpen:
		if cb.now().Sub(cb.lastFailure) >= cb.cfg.RecoveryTimeout {
			cb.setState(BreakerHalfOpen)
			cb.successCount = 0
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.cfg.SuccessThreshold {
			cb.setState(BreakerClosed)
			cb.failureCount = 0
			cb.successCount = 0
		}
	case BreakerClosed:
		cb.failureCount = 0
	}
}

// RecordFailure records a failed call and opens the circuit when required.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = cb.now()

	switch cb.state {
	case BreakerHalfOpen:
		cb.successCount = 0
		cb.setState(BreakerOpen)
	case BreakerClosed:
		cb.failureCount++
		if cb.failureCount >= cb.cfg.FailureThreshold {
			cb.setState(BreakerOpen)
		}
	}
}

// Execute runs op if the breaker allows it and records the outcome.
// A rejected call returns a non-retryable ErrorExternal IntegrationError
// without running op.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if !cb.Allow() {
		return cb.OpenError()
	}
	if err := op(ctx); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// OpenError builds the rejection error returned while the circuit is open.
func (cb *CircuitBreaker) OpenError() *IntegrationError {
	return Wrap(ErrorExternal, cb.name, ErrCircuitOpen).
		WithRetryable(false).
		WithDetail("circuit_state", BreakerOpen.String())
}

// State returns the current state. An open circuit whose recovery timeout
// has passed is reported as half-open; the transition itself happens on the
// next Allow.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerOpen && cb.now().Sub(cb.lastFailure) >= cb.cfg.RecoveryTimeout {
		return BreakerHalfOpen
	}
	return cb.state
}

// Snapshot returns a copy of the breaker counters.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	snap := BreakerSnapshot{
		Name:         cb.name,
		State:        cb.state,
		FailureCount: cb.failureCount,
		SuccessCount: cb.successCount,
	}
	if !cb.lastFailure.IsZero() {
		lf := cb.lastFailure
		snap.LastFailure = &lf
	}
	return snap
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(next BreakerState) {
	if cb.state == next {
		return
	}
	breakerTransitions.WithLabelValues(cb.name, cb.state.String(), next.String()).Inc()
	breakerState.WithLabelValues(cb.name).Set(float64(next))
	cb.state = next
}

// BreakerSet lazily creates one breaker per destination name.
type BreakerSet struct {
	cfg      BreakerConfig
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet creates an empty set sharing one configuration.
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{
		cfg:      cfg,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (bs *BreakerSet) Get(name string) *CircuitBreaker {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	cb, ok := bs.breakers[name]
	if !ok {
		cb = NewCircuitBreaker(name, bs.cfg)
		bs.breakers[name] = cb
	}
	return cb
}

// Snapshots returns the state of every breaker in the set.
func (bs *BreakerSet) Snapshots() []BreakerSnapshot {
	bs.mu.Lock()
	list := make([]*CircuitBreaker, 0, len(bs.breakers))
	for _, cb := range bs.breakers {
		list = append(list, cb)
	}
	bs.mu.Unlock()

	out := make([]BreakerSnapshot, 0, len(list))
	for _, cb := range list {
		out = append(out, cb.Snapshot())
	}
	return out
}
