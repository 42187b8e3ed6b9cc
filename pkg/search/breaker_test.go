package search

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"
)

var errIndexDown = errors.New("index down")

// faultyIndex fails writes on demand while leaving reads intact.
type faultyIndex struct {
	*MemoryIndex
	fail bool
}

func (f *faultyIndex) Upsert(ctx context.Context, doc *Document) error {
	if f.fail {
		return errIndexDown
	}
	return f.MemoryIndex.Upsert(ctx, doc)
}

func (f *faultyIndex) Merge(ctx context.Context, productID string, patch DocumentPatch) error {
	if f.fail {
		return errIndexDown
	}
	return f.MemoryIndex.Merge(ctx, productID, patch)
}

func (f *faultyIndex) Delete(ctx context.Context, productID string) error {
	if f.fail {
		return errIndexDown
	}
	return f.MemoryIndex.Delete(ctx, productID)
}

func (f *faultyIndex) IncrementCounters(ctx context.Context, productID string, clicks, purchases int64) (*Document, error) {
	if f.fail {
		return nil, errIndexDown
	}
	return f.MemoryIndex.IncrementCounters(ctx, productID, clicks, purchases)
}

func TestBreakerDisabledLeavesIndexBare(t *testing.T) {
	idx := NewMemoryIndex()
	wrapped := NewBreaker(idx, BreakerConfig{Enabled: false}, log.NewNopLogger())

	_, ok := wrapped.(*MemoryIndex)
	require.True(t, ok)
}

func TestBreakerOpensAfterConsecutiveWriteFailures(t *testing.T) {
	ctx := context.Background()
	inner := &faultyIndex{MemoryIndex: NewMemoryIndex(), fail: true}
	cfg := BreakerConfig{
		Enabled:             true,
		ConsecutiveFailures: 3,
		Interval:            time.Minute,
		Timeout:             50 * time.Millisecond,
	}
	idx := NewBreaker(inner, cfg, log.NewNopLogger())

	doc := FromProduct(testProduct("p-1", 30), time.Now())
	for n := 0; n < 3; n++ {
		require.ErrorIs(t, idx.Upsert(ctx, doc), errIndexDown)
	}
	require.ErrorIs(t, idx.Upsert(ctx, doc), gobreaker.ErrOpenState)

	// reads bypass the breaker entirely
	_, err := idx.Get(ctx, "p-1")
	require.ErrorIs(t, err, ErrDocumentNotFound)

	// once the index recovers, the half-open probe closes the breaker again
	inner.fail = false
	require.Eventually(t, func() bool {
		return idx.Upsert(ctx, doc) == nil
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, idx.Merge(ctx, "p-1", DocumentPatch{}))
}

func TestBreakerIgnoresMissingDocuments(t *testing.T) {
	ctx := context.Background()
	cfg := BreakerConfig{
		Enabled:             true,
		ConsecutiveFailures: 2,
		Interval:            time.Minute,
		Timeout:             time.Minute,
	}
	idx := NewBreaker(NewMemoryIndex(), cfg, log.NewNopLogger())

	// not-found is an answer about the document, not a sign the index is down
	for n := 0; n < 5; n++ {
		_, err := idx.IncrementCounters(ctx, "ghost", 1, 0)
		require.ErrorIs(t, err, ErrDocumentNotFound)
	}
}

func TestBreakerPassesDocumentsThrough(t *testing.T) {
	ctx := context.Background()
	cfg := BreakerConfig{
		Enabled:             true,
		ConsecutiveFailures: 5,
		Interval:            time.Minute,
		Timeout:             time.Minute,
	}
	idx := NewBreaker(NewMemoryIndex(), cfg, log.NewNopLogger())

	require.NoError(t, idx.Upsert(ctx, FromProduct(testProduct("p-1", 30), time.Now())))

	doc, err := idx.IncrementCounters(ctx, "p-1", 3, 0)
	require.NoError(t, err)
	require.Equal(t, int64(3), doc.ClickCount)

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
