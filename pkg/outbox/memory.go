package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps outbox events in process memory. It backs tests and the
// single-binary dev setup; durability starts at the postgres store.
type MemoryStore struct {
	maxRetries int

	mtx    sync.RWMutex
	events map[string]*Event
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(maxRetries int) *MemoryStore {
	return &MemoryStore{
		maxRetries: maxRetries,
		events:     map[string]*Event{},
	}
}

func (s *MemoryStore) Append(_ context.Context, ev *Event) error {
	if ev.ID == "" {
		return fmt.Errorf("outbox event id must not be empty")
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if _, ok := s.events[ev.ID]; ok {
		return fmt.Errorf("duplicate outbox event id %q", ev.ID)
	}

	stored := cloneEvent(ev)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	if stored.Version == 0 {
		stored.Version = 1
	}
	s.events[ev.ID] = stored
	return nil
}

func (s *MemoryStore) FindFresh(_ context.Context, limit int) ([]Event, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return s.scanLocked(limit, func(ev *Event) bool {
		return !ev.Processed && ev.RetryCount == 0
	}), nil
}

func (s *MemoryStore) FindForRetry(_ context.Context, now time.Time, limit int) ([]Event, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return s.scanLocked(limit, func(ev *Event) bool {
		if ev.Processed || ev.RetryCount < 1 || ev.RetryCount >= s.maxRetries {
			return false
		}
		return ev.NextRetryAt == nil || !ev.NextRetryAt.After(now)
	}), nil
}

// scanLocked returns matching events in (createdAt, id) order. Callers hold
// at least the read lock.
func (s *MemoryStore) scanLocked(limit int, match func(*Event) bool) []Event {
	var out []Event
	for _, ev := range s.events {
		if match(ev) {
			out = append(out, *cloneEvent(ev))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) MarkProcessed(_ context.Context, id string, version int64, processedAt time.Time) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	ev, ok := s.events[id]
	if !ok || ev.Processed || ev.Version != version {
		return ErrStaleVersion
	}

	ts := processedAt
	ev.Processed = true
	ev.ProcessedAt = &ts
	ev.NextRetryAt = nil
	ev.Version++
	return nil
}

func (s *MemoryStore) IncrementRetry(_ context.Context, id string, version int64, nextRetryAt time.Time, errMsg string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	ev, ok := s.events[id]
	if !ok || ev.Processed || ev.Version != version {
		return ErrStaleVersion
	}

	ts := nextRetryAt
	ev.RetryCount++
	ev.NextRetryAt = &ts
	ev.ErrorMessage = errMsg
	ev.Version++
	return nil
}

func (s *MemoryStore) DeleteProcessedOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var removed int64
	for id, ev := range s.events {
		if ev.Processed && ev.ProcessedAt != nil && ev.ProcessedAt.Before(cutoff) {
			delete(s.events, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Stats(_ context.Context) (StoreStats, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var stats StoreStats
	for _, ev := range s.events {
		switch {
		case ev.Processed:
			stats.Processed++
		case ev.RetryCount >= s.maxRetries:
			stats.DeadLettered++
		case ev.RetryCount >= 1:
			stats.Retrying++
		default:
			stats.Pending++
		}
	}
	return stats, nil
}

func cloneEvent(ev *Event) *Event {
	out := *ev
	out.EventData = append([]byte(nil), ev.EventData...)
	if ev.ProcessedAt != nil {
		t := *ev.ProcessedAt
		out.ProcessedAt = &t
	}
	if ev.NextRetryAt != nil {
		t := *ev.NextRetryAt
		out.NextRetryAt = &t
	}
	return &out
}
