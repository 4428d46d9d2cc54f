package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(failures, successes int, recovery time.Duration) (*CircuitBreaker, *time.Time) {
	cb := NewCircuitBreaker("test", BreakerConfig{
		FailureThreshold: failures,
		SuccessThreshold: successes,
		RecoveryTimeout:  recovery,
	})
	now := time.Now()
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestBreaker_StartsClosedAndAllows(t *testing.T) {
	cb, _ := newTestBreaker(3, 1, 10*time.Second)

	if cb.State() != BreakerClosed {
		t.Fatalf("expected closed, got %v", cb.State())
	}
	if !cb.Allow() {
		t.Fatal("expected Allow() = true for closed breaker")
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3, 1, 10*time.Second)

	cb.RecordFailure()
	cb.RecordFailure()

	if cb.State() != BreakerClosed {
		t.Fatal("should still be closed after 2 failures")
	}

	cb.RecordFailure() // 3rd failure = threshold

	if cb.State() != BreakerOpen {
		t.Fatalf("expected open after 3 failures, got %v", cb.State())
	}
	if cb.Allow() {
		t.Fatal("expected Allow() = false for open breaker")
	}
}

func TestBreaker_TransitionsToHalfOpenAfterRecoveryTimeout(t *testing.T) {
	cb, now := newTestBreaker(2, 1, 100*time.Millisecond)

	cb.RecordFailure()
	cb.RecordFailure()

	if cb.State() != BreakerOpen {
		t.Fatal("expected open")
	}

	*now = now.Add(99 * time.Millisecond)
	if cb.Allow() {
		t.Fatal("expected rejection before recovery timeout")
	}

	*now = now.Add(time.Millisecond)

	if cb.State() != BreakerHalfOpen {
		t.Fatalf("expected half-open after recovery timeout, got %v", cb.State())
	}
	if !cb.Allow() {
		t.Fatal("expected Allow() = true for half-open breaker")
	}
}

func TestBreaker_HalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	cb, now := newTestBreaker(1, 2, 50*time.Millisecond)

	cb.RecordFailure()
	*now = now.Add(100 * time.Millisecond)
	cb.Allow()

	cb.RecordSuccess()
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("expected half-open after one success, got %v", cb.State())
	}

	cb.RecordSuccess()
	if cb.State() != BreakerClosed {
		t.Fatalf("expected closed after two successes, got %v", cb.State())
	}

	snap := cb.Snapshot()
	assert.Zero(t, snap.FailureCount)
	assert.Zero(t, snap.SuccessCount)
}

func TestBreaker_FailureInHalfOpenReopens(t *testing.T) {
	cb, now := newTestBreaker(2, 2, 50*time.Millisecond)

	cb.RecordFailure()
	cb.RecordFailure()

	*now = now.Add(100 * time.Millisecond)
	cb.Allow()
	cb.RecordSuccess()
	cb.RecordFailure()

	if cb.State() != BreakerOpen {
		t.Fatalf("expected open after failure in half-open, got %v", cb.State())
	}
	if cb.Allow() {
		t.Fatal("reopened breaker must reject until the next recovery timeout")
	}
}

func TestBreaker_HalfOpenLetsConcurrentCallersThrough(t *testing.T) {
	cb, now := newTestBreaker(1, 5, time.Second)
	cb.RecordFailure()
	*now = now.Add(2 * time.Second)

	var wg sync.WaitGroup
	allowed := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed <- cb.Allow()
		}()
	}
	wg.Wait()
	close(allowed)

	for ok := range allowed {
		assert.True(t, ok)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(3, 1, 10*time.Second)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess() // reset
	cb.RecordFailure()
	cb.RecordFailure()

	if cb.State() != BreakerClosed {
		t.Fatalf("expected closed, got %v", cb.State())
	}
}

func TestBreaker_ExecuteFailsFastWhenOpen(t *testing.T) {
	cb, _ := newTestBreaker(1, 1, time.Minute)

	boom := errors.New("boom")
	err := cb.Execute(context.Background(), func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)

	called := false
	err = cb.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called, "operation must not run while open")
	assert.ErrorIs(t, err, ErrCircuitOpen)

	ie, ok := AsIntegrationError(err)
	require.True(t, ok)
	assert.Equal(t, ErrorExternal, ie.Type)
	assert.False(t, ie.Retryable)
	assert.Equal(t, "test", ie.Service)
}

func TestBreaker_SnapshotRecordsLastFailure(t *testing.T) {
	cb, now := newTestBreaker(5, 1, time.Second)
	assert.Nil(t, cb.Snapshot().LastFailure)

	cb.RecordFailure()
	snap := cb.Snapshot()
	require.NotNil(t, snap.LastFailure)
	assert.Equal(t, *now, *snap.LastFailure)
	assert.Equal(t, 1, snap.FailureCount)
	assert.Equal(t, BreakerClosed, snap.State)
}

func TestBreakerSet_ReusesBreakerPerName(t *testing.T) {
	set := NewBreakerSet(DefaultBreakerConfig())

	a := set.Get("album")
	assert.Same(t, a, set.Get("album"))
	assert.NotSame(t, a, set.Get("billing"))
	assert.Len(t, set.Snapshots(), 2)
}
