package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Execer is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx, so events can
// be appended inside the caller's transaction.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGOutboxStore keeps the outbox in a PostgreSQL table. One relay per table
// is expected to be active at a time.
type PGOutboxStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewPGOutboxStore creates a store over table (default "event_outbox").
func NewPGOutboxStore(pool *pgxpool.Pool, table string) *PGOutboxStore {
	if table == "" {
		table = "event_outbox"
	}
	return &PGOutboxStore{pool: pool, table: pgx.Identifier{table}.Sanitize()}
}

// EnsureSchema creates the outbox table when it does not exist.
func (s *PGOutboxStore) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id           BIGSERIAL PRIMARY KEY,
	event_id     UUID NOT NULL UNIQUE,
	routing_key  TEXT NOT NULL,
	payload      JSONB NOT NULL,
	attempts     INT NOT NULL DEFAULT 0,
	last_error   TEXT,
	available_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	published_at TIMESTAMPTZ,
	dead_at      TIMESTAMPTZ
)`, s.table)
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("create outbox table: %w", err)
	}
	q = fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS dead_at TIMESTAMPTZ`, s.table)
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("migrate outbox table: %w", err)
	}
	return nil
}

// Append stores e for publication under key. Pass the transaction that
// carries the related state change as exec. Appending the same event id twice
// is a no-op.
func (s *PGOutboxStore) Append(ctx context.Context, exec Execer, key string, e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.ID == "" {
		return fmt.Errorf("outbox append %s: event id is required", e.Type)
	}
	payload, err := e.Marshal()
	if err != nil {
		return fmt.Errorf("outbox append: %w", err)
	}
	q := fmt.Sprintf(
		`INSERT INTO %s (event_id, routing_key, payload) VALUES ($1, $2, $3)
		 ON CONFLICT (event_id) DO NOTHING`,
		s.table,
	)
	if _, err := exec.Exec(ctx, q, e.ID, key, payload); err != nil {
		return fmt.Errorf("outbox append: %w", err)
	}
	return nil
}

// ListPending implements OutboxStore. Rows whose payload no longer decodes
// into an event are marked dead and left out of the batch.
func (s *PGOutboxStore) ListPending(ctx context.Context, limit int, now time.Time) ([]OutboxRecord, error) {
	q := fmt.Sprintf(
		`SELECT id, routing_key, payload, attempts, created_at
		   FROM %s
		  WHERE published_at IS NULL AND dead_at IS NULL AND available_at <= $1
		  ORDER BY id
		  LIMIT $2`,
		s.table,
	)
	rows, err := s.pool.Query(ctx, q, now, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox select: %w", err)
	}

	var raw []outboxRow
	for rows.Next() {
		var r outboxRow
		if err := rows.Scan(&r.ID, &r.RoutingKey, &r.Payload, &r.Attempts, &r.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("outbox scan: %w", err)
		}
		raw = append(raw, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox rows: %w", err)
	}

	out, dead := decodeOutboxRows(raw)
	for _, d := range dead {
		if err := s.MarkDead(ctx, d.ID, d.Reason, now); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// MarkDead parks a record that can never be published.
func (s *PGOutboxStore) MarkDead(ctx context.Context, id int64, reason string, at time.Time) error {
	q := fmt.Sprintf(
		`UPDATE %s SET dead_at = $3, last_error = $2 WHERE id = $1 AND published_at IS NULL`,
		s.table,
	)
	if _, err := s.pool.Exec(ctx, q, id, truncate(reason, 2048), at); err != nil {
		return fmt.Errorf("outbox mark dead: %w", err)
	}
	outboxRelayed.WithLabelValues("dead").Inc()
	return nil
}

type outboxRow struct {
	ID         int64
	RoutingKey string
	Payload    []byte
	Attempts   int
	CreatedAt  time.Time
}

type deadRow struct {
	ID     int64
	Reason string
}

func decodeOutboxRows(rows []outboxRow) ([]OutboxRecord, []deadRow) {
	var (
		out  []OutboxRecord
		dead []deadRow
	)
	for _, r := range rows {
		e, err := Unmarshal(r.Payload)
		if err != nil {
			dead = append(dead, deadRow{ID: r.ID, Reason: err.Error()})
			continue
		}
		out = append(out, OutboxRecord{
			ID:         r.ID,
			RoutingKey: r.RoutingKey,
			Event:      e,
			Attempts:   r.Attempts,
			CreatedAt:  r.CreatedAt,
		})
	}
	return out, dead
}

// MarkPublished implements OutboxStore.
func (s *PGOutboxStore) MarkPublished(ctx context.Context, id int64, at time.Time) error {
	q := fmt.Sprintf(
		`UPDATE %s SET published_at = $2, last_error = NULL WHERE id = $1 AND published_at IS NULL`,
		s.table,
	)
	if _, err := s.pool.Exec(ctx, q, id, at); err != nil {
		return fmt.Errorf("outbox mark published: %w", err)
	}
	return nil
}

// MarkFailed implements OutboxStore.
func (s *PGOutboxStore) MarkFailed(ctx context.Context, id int64, lastError string, next time.Time) error {
	q := fmt.Sprintf(
		`UPDATE %s SET attempts = attempts + 1, last_error = $2, available_at = $3
		  WHERE id = $1 AND published_at IS NULL`,
		s.table,
	)
	if _, err := s.pool.Exec(ctx, q, id, lastError, next); err != nil {
		return fmt.Errorf("outbox mark failed: %w", err)
	}
	return nil
}

// PendingCount returns the number of unpublished records.
func (s *PGOutboxStore) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	q := fmt.Sprintf(`SELECT count(*) FROM %s WHERE published_at IS NULL AND dead_at IS NULL`, s.table)
	if err := s.pool.QueryRow(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("outbox count: %w", err)
	}
	return n, nil
}
