package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// OutboxRecord is an event stored alongside a local state change, waiting to
// be relayed to the broker.
type OutboxRecord struct {
	ID         int64
	RoutingKey string
	Event      Event
	Attempts   int
	CreatedAt  time.Time
}

// OutboxStore persists events until they are published.
type OutboxStore interface {
	// ListPending returns up to limit unpublished records whose next attempt
	// is due at now, oldest first.
	ListPending(ctx context.Context, limit int, now time.Time) ([]OutboxRecord, error)
	MarkPublished(ctx context.Context, id int64, at time.Time) error
	// MarkFailed records a failed attempt and when to try again.
	MarkFailed(ctx context.Context, id int64, lastError string, next time.Time) error
}

// Relay moves pending outbox records to the broker.
type Relay struct {
	Store      OutboxStore
	Publisher  Sink
	BatchSize  int
	Interval   time.Duration
	MaxBackoff time.Duration
	Logger     *slog.Logger

	now func() time.Time
}

// RelayConfig holds relay settings.
type RelayConfig struct {
	BatchSize  int           `env:"OUTBOX_RELAY_BATCH_SIZE" envDefault:"100"`
	Interval   time.Duration `env:"OUTBOX_RELAY_POLL_INTERVAL" envDefault:"1s"`
	MaxBackoff time.Duration `env:"OUTBOX_RELAY_MAX_BACKOFF" envDefault:"60s"`
}

// NewRelay creates a relay from cfg.
func NewRelay(store OutboxStore, publisher Sink, cfg RelayConfig, logger *slog.Logger) *Relay {
	return &Relay{
		Store:      store,
		Publisher:  publisher,
		BatchSize:  cfg.BatchSize,
		Interval:   cfg.Interval,
		MaxBackoff: cfg.MaxBackoff,
		Logger:     logger,
	}
}

// RunOnce publishes one batch. A record that fails to publish is rescheduled
// with exponential backoff and does not block the records after it. It
// returns the number of records published.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	logger := r.logger()
	limit := r.BatchSize
	if limit <= 0 {
		limit = 100
	}
	now := r.clock()

	pending, err := r.Store.ListPending(ctx, limit, now)
	if err != nil {
		logger.Error("outbox list failed", "error", err)
		return 0, fmt.Errorf("list pending outbox: %w", err)
	}
	outboxPending.Set(float64(len(pending)))

	published := 0
	for _, rec := range pending {
		if err := r.Publisher.PublishWithKey(ctx, rec.RoutingKey, rec.Event); err != nil {
			next := now.Add(outboxBackoff(rec.Attempts+1, r.maxBackoff()))
			logger.Warn("outbox publish failed",
				"outbox_id", rec.ID,
				"event_id", rec.Event.ID,
				"event_type", rec.Event.Type,
				"attempts", rec.Attempts+1,
				"next_attempt", next,
				"error", err,
			)
			outboxRelayed.WithLabelValues("failure").Inc()
			if markErr := r.Store.MarkFailed(ctx, rec.ID, truncate(err.Error(), 2048), next); markErr != nil {
				return published, fmt.Errorf("mark outbox %d failed: %w", rec.ID, markErr)
			}
			continue
		}
		if err := r.Store.MarkPublished(ctx, rec.ID, r.clock()); err != nil {
			logger.Error("outbox mark published failed", "outbox_id", rec.ID, "error", err)
			return published, fmt.Errorf("mark outbox %d published: %w", rec.ID, err)
		}
		outboxRelayed.WithLabelValues("success").Inc()
		published++
	}

	if published > 0 {
		logger.Info("outbox relay cycle completed", "published_count", published, "pending_count", len(pending))
	}
	return published, nil
}

// Run polls the store every Interval until ctx is done. A full batch is
// followed immediately by another cycle.
func (r *Relay) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = time.Second
	}
	limit := r.BatchSize
	if limit <= 0 {
		limit = 100
	}
	for {
		n, err := r.RunOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil && n >= limit {
			continue
		}
		if !sleep(ctx, interval) {
			return nil
		}
	}
}

func (r *Relay) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Relay) clock() time.Time {
	if r.now != nil {
		return r.now().UTC()
	}
	return time.Now().UTC()
}

func (r *Relay) maxBackoff() time.Duration {
	if r.MaxBackoff > 0 {
		return r.MaxBackoff
	}
	return 60 * time.Second
}

// outboxBackoff returns 1s * 2^(attempts-1), capped at maxBackoff.
func outboxBackoff(attempts int, maxBackoff time.Duration) time.Duration {
	if attempts <= 0 {
		return 0
	}
	d := time.Duration(math.Pow(2, float64(attempts-1)) * float64(time.Second))
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
