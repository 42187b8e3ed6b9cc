package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrStaleVersion reports a conditional update that lost: the row was
// processed, retried or removed by someone else since it was read. Callers
// racing another dispatcher treat this as "the other side won", not as a
// failure.
var ErrStaleVersion = errors.New("stale outbox event version")

// Store persists outbox events. Scans return copies ordered by
// (createdAt, id) so emission follows creation order.
type Store interface {
	// Append writes a new event.
	Append(ctx context.Context, ev *Event) error
	// FindFresh returns unprocessed events that have never been attempted.
	FindFresh(ctx context.Context, limit int) ([]Event, error)
	// FindForRetry returns unprocessed events with at least one failed
	// attempt left below the retry cap and whose backoff has elapsed by now.
	FindForRetry(ctx context.Context, now time.Time, limit int) ([]Event, error)
	// MarkProcessed marks the event processed iff its version still matches.
	MarkProcessed(ctx context.Context, id string, version int64, processedAt time.Time) error
	// IncrementRetry records a failed attempt iff the version still matches:
	// retryCount+1, the next attempt time, the error, and a version bump.
	IncrementRetry(ctx context.Context, id string, version int64, nextRetryAt time.Time, errMsg string) error
	// DeleteProcessedOlderThan removes processed events whose processedAt is
	// before cutoff and reports how many rows went away.
	DeleteProcessedOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context) (StoreStats, error)
}

// TxAppender is implemented by stores that can append inside a caller-owned
// database transaction. The producer uses it for the write-path contract:
// business mutation and outbox row commit or roll back together.
type TxAppender interface {
	AppendTx(ctx context.Context, tx pgx.Tx, ev *Event) error
}

type StoreStats struct {
	Pending      int64 `json:"pending"`
	Retrying     int64 `json:"retrying"`
	DeadLettered int64 `json:"deadLettered"`
	Processed    int64 `json:"processed"`
}
