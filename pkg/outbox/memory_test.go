package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storedEvent(t *testing.T, s *MemoryStore, aggregateID, eventType string, createdAt time.Time) *Event {
	t.Helper()
	ev := NewEvent(aggregateID, "product", eventType, []byte(`{}`))
	ev.CreatedAt = createdAt
	require.NoError(t, s.Append(context.Background(), ev))
	return ev
}

func TestAppendValidation(t *testing.T) {
	s := NewMemoryStore(5)
	ctx := context.Background()

	ev := NewEvent("1", "product", "ProductCreated", []byte(`{}`))
	require.NoError(t, s.Append(ctx, ev))
	assert.Error(t, s.Append(ctx, ev))

	assert.Error(t, s.Append(ctx, &Event{}))
}

func TestFindFreshOrdersByCreation(t *testing.T) {
	s := NewMemoryStore(5)
	ctx := context.Background()
	base := time.Now().UTC()

	second := storedEvent(t, s, "2", "ProductCreated", base.Add(time.Second))
	first := storedEvent(t, s, "1", "ProductCreated", base)
	third := storedEvent(t, s, "3", "ProductCreated", base.Add(2*time.Second))

	fresh, err := s.FindFresh(ctx, 10)
	require.NoError(t, err)
	require.Len(t, fresh, 3)
	assert.Equal(t, first.ID, fresh[0].ID)
	assert.Equal(t, second.ID, fresh[1].ID)
	assert.Equal(t, third.ID, fresh[2].ID)

	limited, err := s.FindFresh(ctx, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, first.ID, limited[0].ID)
}

func TestFindFreshSkipsAttempted(t *testing.T) {
	s := NewMemoryStore(5)
	ctx := context.Background()
	now := time.Now().UTC()

	ev := storedEvent(t, s, "1", "ProductCreated", now)
	require.NoError(t, s.IncrementRetry(ctx, ev.ID, ev.Version, now.Add(time.Minute), "publish failed"))

	fresh, err := s.FindFresh(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, fresh)
}

func TestFindForRetry(t *testing.T) {
	s := NewMemoryStore(2)
	ctx := context.Background()
	now := time.Now().UTC()

	due := storedEvent(t, s, "due", "ProductCreated", now)
	require.NoError(t, s.IncrementRetry(ctx, due.ID, due.Version, now.Add(-time.Second), "boom"))

	notDue := storedEvent(t, s, "not-due", "ProductCreated", now)
	require.NoError(t, s.IncrementRetry(ctx, notDue.ID, notDue.Version, now.Add(time.Hour), "boom"))

	// two failed attempts with max 2 leaves the row dead-lettered in place
	exhausted := storedEvent(t, s, "exhausted", "ProductCreated", now)
	require.NoError(t, s.IncrementRetry(ctx, exhausted.ID, exhausted.Version, now.Add(-time.Second), "boom"))
	require.NoError(t, s.IncrementRetry(ctx, exhausted.ID, exhausted.Version+1, now.Add(-time.Second), "boom"))

	storedEvent(t, s, "fresh", "ProductCreated", now)

	retryable, err := s.FindForRetry(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, retryable, 1)
	assert.Equal(t, due.ID, retryable[0].ID)
	assert.Equal(t, 1, retryable[0].RetryCount)
	assert.Equal(t, "boom", retryable[0].ErrorMessage)
}

func TestMarkProcessedVersionGuard(t *testing.T) {
	s := NewMemoryStore(5)
	ctx := context.Background()
	now := time.Now().UTC()

	ev := storedEvent(t, s, "1", "ProductCreated", now)

	// wrong version loses
	assert.ErrorIs(t, s.MarkProcessed(ctx, ev.ID, ev.Version+1, now), ErrStaleVersion)

	require.NoError(t, s.MarkProcessed(ctx, ev.ID, ev.Version, now))

	// processed is terminal, even with the bumped version
	assert.ErrorIs(t, s.MarkProcessed(ctx, ev.ID, ev.Version+1, now), ErrStaleVersion)
	assert.ErrorIs(t, s.IncrementRetry(ctx, ev.ID, ev.Version+1, now, "late failure"), ErrStaleVersion)

	// unknown rows behave like lost races
	assert.ErrorIs(t, s.MarkProcessed(ctx, "missing", 1, now), ErrStaleVersion)

	fresh, err := s.FindFresh(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, fresh)
}

func TestIncrementRetryBumpsVersion(t *testing.T) {
	s := NewMemoryStore(5)
	ctx := context.Background()
	now := time.Now().UTC()

	ev := storedEvent(t, s, "1", "ProductCreated", now)
	retryAt := now.Add(2 * time.Minute)
	require.NoError(t, s.IncrementRetry(ctx, ev.ID, ev.Version, retryAt, "publish failed"))

	// the old version is spent
	assert.ErrorIs(t, s.IncrementRetry(ctx, ev.ID, ev.Version, retryAt, "again"), ErrStaleVersion)

	retryable, err := s.FindForRetry(ctx, retryAt, 10)
	require.NoError(t, err)
	require.Len(t, retryable, 1)
	got := retryable[0]
	assert.Equal(t, ev.Version+1, got.Version)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NextRetryAt)
	assert.True(t, got.NextRetryAt.Equal(retryAt))
}

func TestDeleteProcessedOlderThan(t *testing.T) {
	s := NewMemoryStore(5)
	ctx := context.Background()
	now := time.Now().UTC()

	old := storedEvent(t, s, "old", "ProductCreated", now.Add(-48*time.Hour))
	require.NoError(t, s.MarkProcessed(ctx, old.ID, old.Version, now.Add(-48*time.Hour)))

	recent := storedEvent(t, s, "recent", "ProductCreated", now)
	require.NoError(t, s.MarkProcessed(ctx, recent.ID, recent.Version, now))

	storedEvent(t, s, "pending", "ProductCreated", now.Add(-72*time.Hour))

	removed, err := s.DeleteProcessedOlderThan(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Processed)
	assert.Equal(t, int64(1), stats.Pending)
}

func TestStoreStats(t *testing.T) {
	s := NewMemoryStore(2)
	ctx := context.Background()
	now := time.Now().UTC()

	storedEvent(t, s, "pending", "ProductCreated", now)

	retrying := storedEvent(t, s, "retrying", "ProductCreated", now)
	require.NoError(t, s.IncrementRetry(ctx, retrying.ID, retrying.Version, now, "boom"))

	dead := storedEvent(t, s, "dead", "ProductCreated", now)
	require.NoError(t, s.IncrementRetry(ctx, dead.ID, dead.Version, now, "boom"))
	require.NoError(t, s.IncrementRetry(ctx, dead.ID, dead.Version+1, now, "boom"))

	done := storedEvent(t, s, "done", "ProductCreated", now)
	require.NoError(t, s.MarkProcessed(ctx, done.ID, done.Version, now))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, StoreStats{Pending: 1, Retrying: 1, DeadLettered: 1, Processed: 1}, stats)
}

func TestScansCopyOut(t *testing.T) {
	s := NewMemoryStore(5)
	ctx := context.Background()

	ev := NewEvent("1", "product", "ProductCreated", []byte(`{"a":1}`))
	require.NoError(t, s.Append(ctx, ev))

	fresh, err := s.FindFresh(ctx, 1)
	require.NoError(t, err)
	fresh[0].EventData[0] = 'X'
	fresh[0].RetryCount = 99

	again, err := s.FindFresh(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"a":1}`), again[0].EventData)
	assert.Equal(t, 0, again[0].RetryCount)
}
