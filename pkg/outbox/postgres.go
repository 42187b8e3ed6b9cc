package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const outboxSchema = `
CREATE TABLE IF NOT EXISTS outbox_events (
	id             TEXT PRIMARY KEY,
	aggregate_id   TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	event_data     BYTEA NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	processed      BOOLEAN NOT NULL DEFAULT false,
	processed_at   TIMESTAMPTZ,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	next_retry_at  TIMESTAMPTZ,
	error_message  TEXT NOT NULL DEFAULT '',
	version        BIGINT NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS outbox_events_scan_idx ON outbox_events (processed, retry_count, created_at);
CREATE INDEX IF NOT EXISTS outbox_events_aggregate_idx ON outbox_events (aggregate_id);
CREATE INDEX IF NOT EXISTS outbox_events_event_type_idx ON outbox_events (event_type);
`

const (
	insertEventSQL = `
INSERT INTO outbox_events (id, aggregate_id, aggregate_type, event_type, event_data, created_at, version)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

	selectEventSQL = `
SELECT id, aggregate_id, aggregate_type, event_type, event_data, created_at,
       processed, processed_at, retry_count, next_retry_at, error_message, version
FROM outbox_events`
)

// PostgresStore keeps outbox events in a single outbox_events table. All
// updates are conditional on the row version, so any number of dispatchers
// can scan the same table and exactly one wins each row.
type PostgresStore struct {
	pool       *pgxpool.Pool
	maxRetries int
}

var (
	_ Store      = (*PostgresStore)(nil)
	_ TxAppender = (*PostgresStore)(nil)
)

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, maxRetries int) (*PostgresStore, error) {
	s := &PostgresStore{
		pool:       pool,
		maxRetries: maxRetries,
	}
	if _, err := pool.Exec(ctx, outboxSchema); err != nil {
		return nil, fmt.Errorf("creating outbox schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) Append(ctx context.Context, ev *Event) error {
	_, err := s.pool.Exec(ctx, insertEventSQL,
		ev.ID, ev.AggregateID, ev.AggregateType, ev.EventType, ev.EventData, ev.CreatedAt, ev.Version)
	if err != nil {
		return fmt.Errorf("appending outbox event %s: %w", ev.ID, err)
	}
	return nil
}

// AppendTx appends inside the caller's transaction so the event commits or
// rolls back with the business mutation.
func (s *PostgresStore) AppendTx(ctx context.Context, tx pgx.Tx, ev *Event) error {
	_, err := tx.Exec(ctx, insertEventSQL,
		ev.ID, ev.AggregateID, ev.AggregateType, ev.EventType, ev.EventData, ev.CreatedAt, ev.Version)
	if err != nil {
		return fmt.Errorf("appending outbox event %s: %w", ev.ID, err)
	}
	return nil
}

func (s *PostgresStore) FindFresh(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.pool.Query(ctx, selectEventSQL+`
WHERE NOT processed AND retry_count = 0
ORDER BY created_at ASC, id ASC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("scanning fresh outbox events: %w", err)
	}
	return scanEvents(rows)
}

func (s *PostgresStore) FindForRetry(ctx context.Context, now time.Time, limit int) ([]Event, error) {
	rows, err := s.pool.Query(ctx, selectEventSQL+`
WHERE NOT processed AND retry_count >= 1 AND retry_count < $1
  AND (next_retry_at IS NULL OR next_retry_at <= $2)
ORDER BY created_at ASC, id ASC
LIMIT $3`, s.maxRetries, now, limit)
	if err != nil {
		return nil, fmt.Errorf("scanning retryable outbox events: %w", err)
	}
	return scanEvents(rows)
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, id string, version int64, processedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE outbox_events
SET processed = true, processed_at = $3, next_retry_at = NULL, version = version + 1
WHERE id = $1 AND version = $2 AND NOT processed`, id, version, processedAt)
	if err != nil {
		return fmt.Errorf("marking outbox event %s processed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleVersion
	}
	return nil
}

func (s *PostgresStore) IncrementRetry(ctx context.Context, id string, version int64, nextRetryAt time.Time, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE outbox_events
SET retry_count = retry_count + 1, next_retry_at = $3, error_message = $4, version = version + 1
WHERE id = $1 AND version = $2 AND NOT processed`, id, version, nextRetryAt, errMsg)
	if err != nil {
		return fmt.Errorf("recording outbox event %s retry: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleVersion
	}
	return nil
}

func (s *PostgresStore) DeleteProcessedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
DELETE FROM outbox_events WHERE processed AND processed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleaning up processed outbox events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Stats(ctx context.Context) (StoreStats, error) {
	var stats StoreStats
	err := s.pool.QueryRow(ctx, `
SELECT
	COUNT(*) FILTER (WHERE NOT processed AND retry_count = 0),
	COUNT(*) FILTER (WHERE NOT processed AND retry_count >= 1 AND retry_count < $1),
	COUNT(*) FILTER (WHERE NOT processed AND retry_count >= $1),
	COUNT(*) FILTER (WHERE processed)
FROM outbox_events`, s.maxRetries).
		Scan(&stats.Pending, &stats.Retrying, &stats.DeadLettered, &stats.Processed)
	if err != nil {
		return StoreStats{}, fmt.Errorf("reading outbox stats: %w", err)
	}
	return stats, nil
}

func scanEvents(rows pgx.Rows) ([]Event, error) {
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		err := rows.Scan(&ev.ID, &ev.AggregateID, &ev.AggregateType, &ev.EventType, &ev.EventData, &ev.CreatedAt,
			&ev.Processed, &ev.ProcessedAt, &ev.RetryCount, &ev.NextRetryAt, &ev.ErrorMessage, &ev.Version)
		if err != nil {
			return nil, fmt.Errorf("scanning outbox event row: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox event rows: %w", err)
	}
	return out, nil
}
