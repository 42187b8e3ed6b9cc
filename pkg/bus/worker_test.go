package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"
)

func testConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		BatchSize:          10,
		PollInterval:       5 * time.Millisecond,
		MaxRetries:         3,
		RetryDelay:         5 * time.Millisecond,
		DefaultWorkerCount: 1,
	}
}

func TestWorkerProcessesMessages(t *testing.T) {
	b := NewMemoryBroker(log.NewNopLogger())
	count := atomic.NewInt64(0)

	w := newWorker("g", 0, []string{TopicProductEvents}, testConsumerConfig(), func(_ context.Context, _ Message) error {
		count.Inc()
		return nil
	}, nil, b, log.NewNopLogger())
	require.NoError(t, w.Start())
	defer w.Stop()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := b.Publish(ctx, NewMessage(TopicProductEvents, "ProductCreated", []byte(fmt.Sprintf("p%d", i))))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return count.Load() == 5
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return b.Stats().GroupOffsets["g-worker-0"][TopicProductEvents] == 5
	}, 2*time.Second, 5*time.Millisecond)

	stats := w.Stats()
	assert.Equal(t, "g-worker-0", stats.WorkerID)
	assert.Equal(t, int64(5), stats.ProcessedMessages)
	assert.Equal(t, int64(0), stats.FailedMessages)
	assert.False(t, stats.LastConsume.IsZero())
}

func TestWorkerRetriesThenDeadLetters(t *testing.T) {
	b := NewMemoryBroker(log.NewNopLogger())
	attempts := atomic.NewInt64(0)

	w := newWorker("g", 0, []string{TopicProductEvents}, testConsumerConfig(), func(_ context.Context, msg Message) error {
		if msg.EventType == "ProductUpdated" {
			attempts.Inc()
			return errors.New("handler down")
		}
		return nil
	}, nil, b, log.NewNopLogger())
	require.NoError(t, w.Start())
	defer w.Stop()

	ctx := context.Background()
	_, err := b.Publish(ctx, NewMessage(TopicProductEvents, "ProductUpdated", []byte("p7")))
	require.NoError(t, err)
	_, err = b.Publish(ctx, NewMessage(TopicProductEvents, "ProductCreated", []byte("p8")))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return w.Stats().DeadLetterMessages == 1
	}, 5*time.Second, 5*time.Millisecond)

	// initial delivery plus maxRetries redeliveries
	assert.Equal(t, int64(4), attempts.Load())
	assert.Equal(t, int64(3), w.Stats().RetriedMessages)

	// the poison message did not stall the log: the later message was
	// consumed and its offset committed
	require.Eventually(t, func() bool {
		return b.Stats().GroupOffsets["g-worker-0"][TopicProductEvents] == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), w.Stats().ProcessedMessages)
}

func TestWorkerPermanentErrorSkipsRetries(t *testing.T) {
	b := NewMemoryBroker(log.NewNopLogger())
	attempts := atomic.NewInt64(0)

	w := newWorker("g", 0, []string{TopicProductEvents}, testConsumerConfig(), func(_ context.Context, _ Message) error {
		attempts.Inc()
		return Permanent(errors.New("undecodable payload"))
	}, nil, b, log.NewNopLogger())
	require.NoError(t, w.Start())
	defer w.Stop()

	_, err := b.Publish(context.Background(), NewMessage(TopicProductEvents, "ProductCreated", []byte("garbage")))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return w.Stats().DeadLetterMessages == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(1), attempts.Load())
	assert.Equal(t, int64(0), w.Stats().RetriedMessages)
	assert.Equal(t, int64(1), b.Stats().GroupOffsets["g-worker-0"][TopicProductEvents])
}

func TestBatchHandlerObservesOffsetOrder(t *testing.T) {
	b := NewMemoryBroker(log.NewNopLogger())

	mtx := &sync.Mutex{}
	var got []string

	w := newWorker("g", 0, []string{TopicProductEvents}, testConsumerConfig(), nil, func(_ context.Context, batch MessageBatch) error {
		mtx.Lock()
		defer mtx.Unlock()
		for _, msg := range batch.Messages {
			got = append(got, string(msg.Payload))
		}
		return nil
	}, b, log.NewNopLogger())
	require.NoError(t, w.Start())
	defer w.Stop()

	ctx := context.Background()
	for _, payload := range []string{"A", "B", "C"} {
		_, err := b.Publish(ctx, NewMessage(TopicProductEvents, "ProductCreated", []byte(payload)))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return b.Stats().GroupOffsets["g-worker-0"][TopicProductEvents] == 3
	}, 2*time.Second, 5*time.Millisecond)

	mtx.Lock()
	defer mtx.Unlock()
	assert.Equal(t, []string{"A", "B", "C"}, got)
}

func TestBatchHandlerFailureRedelivers(t *testing.T) {
	b := NewMemoryBroker(log.NewNopLogger())
	invocations := atomic.NewInt64(0)

	w := newWorker("g", 0, []string{TopicProductEvents}, testConsumerConfig(), nil, func(_ context.Context, _ MessageBatch) error {
		if invocations.Inc() <= 2 {
			return errors.New("index unavailable")
		}
		return nil
	}, b, log.NewNopLogger())
	require.NoError(t, w.Start())
	defer w.Stop()

	_, err := b.Publish(context.Background(), NewMessage(TopicProductEvents, "ProductCreated", []byte("X")))
	require.NoError(t, err)

	// a failed batch is not committed; the next poll redelivers it whole
	require.Eventually(t, func() bool {
		return b.Stats().GroupOffsets["g-worker-0"][TopicProductEvents] == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.GreaterOrEqual(t, invocations.Load(), int64(3))
	assert.Equal(t, int64(2), w.Stats().FailedBatches)
	assert.Equal(t, int64(1), w.Stats().ProcessedBatches)
}

func TestDeadLetterMidBatchSkipsOffset(t *testing.T) {
	b := NewMemoryBroker(log.NewNopLogger())
	ctx := context.Background()

	// publish before starting so one poll sees the whole batch
	for _, payload := range []string{"1", "2", "3"} {
		_, err := b.Publish(ctx, NewMessage(TopicProductEvents, "ProductViewed", []byte(payload)))
		require.NoError(t, err)
	}

	w := newWorker("g", 0, []string{TopicProductEvents}, testConsumerConfig(), func(_ context.Context, msg Message) error {
		if string(msg.Payload) == "2" {
			return Permanent(errors.New("poison"))
		}
		return nil
	}, nil, b, log.NewNopLogger())
	require.NoError(t, w.Start())
	defer w.Stop()

	// commits coalesce to the max offset, so the dead-lettered message in
	// the middle is skipped once its neighbors commit
	require.Eventually(t, func() bool {
		return b.Stats().GroupOffsets["g-worker-0"][TopicProductEvents] == 3
	}, 2*time.Second, 5*time.Millisecond)

	stats := w.Stats()
	assert.Equal(t, int64(2), stats.ProcessedMessages)
	assert.Equal(t, int64(1), stats.DeadLetterMessages)
}

func TestWorkerStop(t *testing.T) {
	prePoolOpts := goleak.IgnoreCurrent()

	b := NewMemoryBroker(log.NewNopLogger())
	w := newWorker("g", 0, []string{TopicProductEvents}, testConsumerConfig(), func(_ context.Context, _ Message) error {
		time.Sleep(time.Millisecond)
		return nil
	}, nil, b, log.NewNopLogger())
	require.NoError(t, w.Start())

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		_, err := b.Publish(ctx, NewMessage(TopicProductEvents, "ProductCreated", nil))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return w.Stats().ProcessedMessages > 0
	}, 2*time.Second, 5*time.Millisecond)

	w.Stop()
	assert.False(t, w.Stats().Running)

	// Stop is idempotent, Start is single-use
	w.Stop()
	assert.Error(t, w.Start())

	goleak.VerifyNone(t, prePoolOpts)
}

func TestWorkerStopCancelsScheduledRetries(t *testing.T) {
	prePoolOpts := goleak.IgnoreCurrent()

	b := NewMemoryBroker(log.NewNopLogger())
	attempts := atomic.NewInt64(0)

	cfg := testConsumerConfig()
	cfg.RetryDelay = time.Hour // the redelivery must never fire

	w := newWorker("g", 0, []string{TopicProductEvents}, cfg, func(_ context.Context, _ Message) error {
		attempts.Inc()
		return errors.New("always failing")
	}, nil, b, log.NewNopLogger())
	require.NoError(t, w.Start())

	_, err := b.Publish(context.Background(), NewMessage(TopicProductEvents, "ProductCreated", nil))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return attempts.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)

	w.Stop()
	goleak.VerifyNone(t, prePoolOpts)
}
