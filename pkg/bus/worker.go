package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"

	"github.com/catalogkit/conveyor/pkg/pool"
)

// stopGrace bounds how long Stop waits for in-flight handlers and scheduled
// redeliveries before giving up on them.
const stopGrace = 5 * time.Second

// Worker is a single polling/dispatch loop. Each worker consumes under its
// own group identity (groupID + "-worker-" + i), so it owns an independent
// committed-offset cursor; parallelism within a logical group comes from
// running several workers side by side.
type Worker struct {
	id      string
	groupID string
	topics  []string
	cfg     ConsumerConfig

	handler      MessageHandler
	batchHandler BatchHandler

	broker Broker
	logger log.Logger

	started  atomic.Bool
	running  atomic.Bool
	cancel   context.CancelFunc
	loopDone chan struct{}

	// position is the poll cursor per topic. It runs ahead of the committed
	// offset like any log consumer's fetch position: messages at or below it
	// were already handed to the handler and must not be dispatched again by
	// the loop, even while their redeliveries are pending. Commits exist for
	// restart durability, the position for in-process dedup. Only the run
	// loop touches it.
	position map[string]int64

	dispatchPool *pool.Pool

	retryMtx    sync.Mutex
	retryTimers map[*time.Timer]struct{}
	retryWG     sync.WaitGroup

	processed        atomic.Int64
	failed           atomic.Int64
	retried          atomic.Int64
	deadLetters      atomic.Int64
	processedBatches atomic.Int64
	failedBatches    atomic.Int64
	lastConsume      atomic.Time
}

type WorkerStats struct {
	WorkerID           string    `json:"workerId"`
	Running            bool      `json:"running"`
	ProcessedMessages  int64     `json:"processedMessages"`
	FailedMessages     int64     `json:"failedMessages"`
	RetriedMessages    int64     `json:"retriedMessages"`
	DeadLetterMessages int64     `json:"deadLetterMessages"`
	ProcessedBatches   int64     `json:"processedBatches"`
	FailedBatches      int64     `json:"failedBatches"`
	LastConsume        time.Time `json:"lastConsume"`
}

func newWorker(groupID string, index int, topics []string, cfg ConsumerConfig, handler MessageHandler, batchHandler BatchHandler, broker Broker, logger log.Logger) *Worker {
	id := fmt.Sprintf("%s-worker-%d", groupID, index)
	return &Worker{
		id:           id,
		groupID:      groupID,
		topics:       topics,
		cfg:          cfg,
		handler:      handler,
		batchHandler: batchHandler,
		broker:       broker,
		logger:       log.With(logger, "worker", id),
		loopDone:     make(chan struct{}),
		position:     map[string]int64{},
		dispatchPool: pool.New(id, pool.Config{MaxWorkers: cfg.BatchSize, QueueDepth: cfg.BatchSize}),
		retryTimers:  map[*time.Timer]struct{}{},
	}
}

// Start subscribes the worker's identity and launches the poll loop. A
// worker is single-use: once stopped it cannot be started again.
func (w *Worker) Start() error {
	if !w.started.CAS(false, true) {
		return fmt.Errorf("worker %s already started", w.id)
	}

	if err := w.broker.Subscribe(w.id, w.topics...); err != nil {
		return fmt.Errorf("subscribing worker %s: %w", w.id, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.running.Store(true)

	go w.run(ctx)

	level.Info(w.logger).Log("msg", "worker started", "topics", fmt.Sprint(w.topics))
	return nil
}

// Stop drains the worker: the poll loop exits, pending redeliveries are
// cancelled, and in-flight handlers get stopGrace to finish before the
// dispatch pool is torn down.
func (w *Worker) Stop() {
	if !w.running.CAS(true, false) {
		return
	}

	w.cancelRetries()
	w.cancel()

	done := make(chan struct{})
	go func() {
		<-w.loopDone
		w.retryWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.dispatchPool.Shutdown()
	case <-time.After(stopGrace):
		level.Warn(w.logger).Log("msg", "worker did not drain in time, force stopping")
		go w.dispatchPool.Shutdown()
	}

	level.Info(w.logger).Log("msg", "worker stopped")
}

func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		WorkerID:           w.id,
		Running:            w.running.Load(),
		ProcessedMessages:  w.processed.Load(),
		FailedMessages:     w.failed.Load(),
		RetriedMessages:    w.retried.Load(),
		DeadLetterMessages: w.deadLetters.Load(),
		ProcessedBatches:   w.processedBatches.Load(),
		FailedBatches:      w.failedBatches.Load(),
		LastConsume:        w.lastConsume.Load(),
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.loopDone)

	for w.running.Load() {
		batch, err := w.broker.Poll(ctx, w.id, w.cfg.BatchSize)
		if err != nil {
			level.Error(w.logger).Log("msg", "poll failed", "err", err)
			if !w.sleep(ctx) {
				return
			}
			continue
		}

		if w.handler != nil {
			batch = w.trimDelivered(batch)
		}

		if batch.IsEmpty() {
			if !w.sleep(ctx) {
				return
			}
			continue
		}

		w.processBatch(ctx, batch)
		w.lastConsume.Store(time.Now())
	}
}

// trimDelivered drops messages the loop already dispatched. The broker keeps
// returning them until their offsets commit, which may be never for messages
// sitting in redelivery. The batch-handler path does not trim: there a failed
// batch is redelivered whole by the next poll, preserving order.
func (w *Worker) trimDelivered(batch MessageBatch) MessageBatch {
	if batch.IsEmpty() {
		return batch
	}

	pos := w.position[batch.Topic]
	first := 0
	for first < len(batch.Messages) && batch.Messages[first].Offset <= pos {
		first++
	}
	if first == 0 {
		return batch
	}

	batch.Messages = batch.Messages[first:]
	if len(batch.Messages) > 0 {
		batch.StartOffset = batch.Messages[0].Offset
	} else {
		batch.StartOffset = 0
		batch.EndOffset = 0
	}
	return batch
}

// sleep waits out the poll interval, returning false when the worker is
// being stopped.
func (w *Worker) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(w.cfg.PollInterval):
		return true
	}
}

func (w *Worker) processBatch(ctx context.Context, batch MessageBatch) {
	start := time.Now()
	defer func() {
		metricBatchDuration.WithLabelValues(w.groupID).Observe(time.Since(start).Seconds())
	}()

	if w.batchHandler != nil {
		if err := w.batchHandler(ctx, batch); err != nil {
			w.failedBatches.Inc()
			w.failed.Add(int64(batch.Len()))
			metricFailedMessages.WithLabelValues(w.groupID).Add(float64(batch.Len()))
			level.Warn(w.logger).Log("msg", "batch handler failed", "batch", batch.BatchID, "topic", batch.Topic, "messages", batch.Len(), "err", err)
			return
		}
		w.processedBatches.Inc()
		w.processed.Add(int64(batch.Len()))
		metricProcessedMessages.WithLabelValues(w.groupID).Add(float64(batch.Len()))
		w.commit(ctx, batch.Topic, batch.EndOffset)
		return
	}

	// Message handler: dispatch the batch in parallel and wait for all of it
	// before polling again. There is NO ordering between messages on this
	// path; callers needing order use the batch handler.
	wg := &sync.WaitGroup{}
	for _, msg := range batch.Messages {
		msg := msg
		wg.Add(1)
		job := func() {
			defer wg.Done()
			w.dispatch(ctx, msg)
		}
		if err := w.dispatchPool.Submit(job); err != nil {
			// The pool is sized for one batch, so this only happens when the
			// pool is stopping. Running inline keeps delivery at-least-once.
			job()
		}
	}
	wg.Wait()
	w.position[batch.Topic] = batch.EndOffset
	w.processedBatches.Inc()
}

func (w *Worker) dispatch(ctx context.Context, msg Message) {
	err := w.handler(ctx, msg)
	if err == nil {
		w.processed.Inc()
		metricProcessedMessages.WithLabelValues(w.groupID).Inc()
		w.commit(ctx, msg.Topic, msg.Offset)
		return
	}

	w.failed.Inc()
	metricFailedMessages.WithLabelValues(w.groupID).Inc()

	var perm PermanentError
	if errors.As(err, &perm) {
		w.deadLetter(ctx, msg, err, "permanent failure")
		return
	}

	retryCount := msg.RetryCount()
	if retryCount < w.cfg.MaxRetries {
		// attempt n waits retryDelay * 2^n
		delay := w.cfg.RetryDelay << retryCount
		level.Debug(w.logger).Log("msg", "scheduling redelivery", "message_id", msg.ID, "retry", retryCount+1, "delay", delay, "err", err)
		w.scheduleRetry(ctx, msg.WithRetryCount(retryCount+1), delay)
		return
	}

	w.deadLetter(ctx, msg, err, "retries exhausted")
}

// deadLetter records the terminal disposition and commits the offset so the
// log advances past the poison message. Progress is deliberately preferred
// over strict ordering here.
func (w *Worker) deadLetter(ctx context.Context, msg Message, err error, reason string) {
	w.deadLetters.Inc()
	metricDeadLetterMessages.WithLabelValues(w.groupID).Inc()
	level.Error(w.logger).Log("msg", "message dead-lettered", "reason", reason,
		"message_id", msg.ID, "topic", msg.Topic, "offset", msg.Offset,
		"event_type", msg.EventType, "retry_count", msg.RetryCount(), "err", err)
	w.commit(ctx, msg.Topic, msg.Offset)
}

func (w *Worker) scheduleRetry(ctx context.Context, msg Message, delay time.Duration) {
	w.retried.Inc()
	metricRetriedMessages.WithLabelValues(w.groupID).Inc()

	w.retryMtx.Lock()
	defer w.retryMtx.Unlock()

	if !w.running.Load() {
		return
	}

	w.retryWG.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		defer w.retryWG.Done()
		w.forgetTimer(timer)
		if !w.running.Load() {
			return
		}
		w.dispatch(ctx, msg)
	})
	w.retryTimers[timer] = struct{}{}
}

func (w *Worker) forgetTimer(timer *time.Timer) {
	w.retryMtx.Lock()
	defer w.retryMtx.Unlock()
	delete(w.retryTimers, timer)
}

func (w *Worker) cancelRetries() {
	w.retryMtx.Lock()
	timers := make([]*time.Timer, 0, len(w.retryTimers))
	for t := range w.retryTimers {
		timers = append(timers, t)
	}
	w.retryTimers = map[*time.Timer]struct{}{}
	w.retryMtx.Unlock()

	for _, t := range timers {
		if t.Stop() {
			// the callback will never run, balance its Add
			w.retryWG.Done()
		}
	}
}

// commit advances the committed offset. The broker applies max() semantics,
// so out-of-order acks within a batch coalesce to the highest offset. A
// message that dead-letters mid-batch has its offset skipped once higher
// offsets commit.
func (w *Worker) commit(ctx context.Context, topic string, offset int64) {
	if err := w.broker.Commit(ctx, w.id, topic, offset); err != nil {
		level.Warn(w.logger).Log("msg", "offset commit failed", "topic", topic, "offset", offset, "err", err)
	}
}
