package dispatcher

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/catalogkit/conveyor/pkg/bus"
	"github.com/catalogkit/conveyor/pkg/outbox"
	"github.com/catalogkit/conveyor/pkg/pool"
)

const (
	// sizes of the publish pool; a full queue leaves rows for the next scan
	publishWorkers    = 5
	publishQueueDepth = 50

	janitorInterval = 24 * time.Hour
)

var (
	metricPublishedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "dispatcher",
		Name:      "published_events_total",
		Help:      "Outbox events published to the bus, by scan kind.",
	}, []string{"scan"})
	metricPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "dispatcher",
		Name:      "publish_failures_total",
		Help:      "Outbox publish attempts that failed and were scheduled for retry.",
	})
	metricDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "dispatcher",
		Name:      "dead_lettered_events_total",
		Help:      "Outbox events that exhausted their retries.",
	})
	metricStaleMarks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "dispatcher",
		Name:      "stale_marks_total",
		Help:      "Status updates lost to a competing dispatcher.",
	})
	metricCleanedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "dispatcher",
		Name:      "cleaned_events_total",
		Help:      "Processed outbox events removed by the janitor.",
	})
	metricScanDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:                       "conveyor",
		Subsystem:                       "dispatcher",
		Name:                            "scan_duration_seconds",
		Help:                            "Time spent scanning the outbox and enqueueing publishes.",
		Buckets:                         prometheus.ExponentialBuckets(0.001, 4, 8),
		NativeHistogramBucketFactor:     1.1,
		NativeHistogramMaxBucketNumber:  100,
		NativeHistogramMinResetDuration: 1 * time.Hour,
	}, []string{"scan"})
)

// Publisher is the slice of the bus the dispatcher publishes through.
type Publisher interface {
	Publish(ctx context.Context, msg bus.Message) (bus.Message, error)
}

// Dispatcher drains the outbox onto the bus. Three tickers drive it: fresh
// rows every ProcessingInterval, failed rows every RetryInterval once their
// backoff elapses, and a daily janitor for processed rows past their
// retention. Publishes fan out on a bounded pool; status updates are guarded
// by the event version, so competing dispatchers settle every row exactly
// once.
type Dispatcher struct {
	services.Service

	cfg       outbox.Config
	store     outbox.Store
	publisher Publisher
	logger    log.Logger

	pool *pool.Pool
}

func New(cfg outbox.Config, store outbox.Store, publisher Publisher, logger log.Logger) *Dispatcher {
	d := &Dispatcher{
		cfg:       cfg,
		store:     store,
		publisher: publisher,
		logger:    log.With(logger, "component", "dispatcher"),
	}
	d.Service = services.NewBasicService(d.starting, d.running, d.stopping)
	return d
}

func (d *Dispatcher) starting(context.Context) error {
	d.pool = pool.New("outbox-dispatcher", pool.Config{MaxWorkers: publishWorkers, QueueDepth: publishQueueDepth})
	return nil
}

func (d *Dispatcher) running(ctx context.Context) error {
	fresh := time.NewTicker(d.cfg.ProcessingInterval)
	defer fresh.Stop()
	retry := time.NewTicker(d.cfg.RetryInterval)
	defer retry.Stop()
	janitor := time.NewTicker(janitorInterval)
	defer janitor.Stop()

	// pick up whatever accumulated before this process came up
	d.drainFresh(ctx)

	for {
		select {
		case <-fresh.C:
			d.drainFresh(ctx)
		case <-retry.C:
			d.drainRetries(ctx)
		case <-janitor.C:
			d.cleanup(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (d *Dispatcher) stopping(_ error) error {
	if d.pool != nil {
		d.pool.Shutdown()
	}
	level.Info(d.logger).Log("msg", "dispatcher stopped")
	return nil
}

func (d *Dispatcher) drainFresh(ctx context.Context) {
	defer func(start time.Time) {
		metricScanDuration.WithLabelValues("fresh").Observe(time.Since(start).Seconds())
	}(time.Now())

	events, err := d.store.FindFresh(ctx, d.cfg.BatchSize)
	if err != nil {
		level.Error(d.logger).Log("msg", "outbox scan failed", "scan", "fresh", "err", err)
		return
	}
	d.enqueue(ctx, events, "fresh")
}

func (d *Dispatcher) drainRetries(ctx context.Context) {
	defer func(start time.Time) {
		metricScanDuration.WithLabelValues("retry").Observe(time.Since(start).Seconds())
	}(time.Now())

	events, err := d.store.FindForRetry(ctx, time.Now().UTC(), d.cfg.BatchSize)
	if err != nil {
		level.Error(d.logger).Log("msg", "outbox scan failed", "scan", "retry", "err", err)
		return
	}
	d.enqueue(ctx, events, "retry")
}

func (d *Dispatcher) enqueue(ctx context.Context, events []outbox.Event, scan string) {
	for i := range events {
		ev := events[i]
		err := d.pool.Submit(func() { d.publish(ctx, ev, scan) })
		if errors.Is(err, pool.ErrQueueFull) {
			level.Warn(d.logger).Log("msg", "publish queue full, leaving rows for the next scan", "scan", scan, "left_behind", len(events)-i)
			return
		}
		if err != nil {
			return
		}
	}
}

func (d *Dispatcher) publish(ctx context.Context, ev outbox.Event, scan string) {
	if _, err := d.publisher.Publish(ctx, BuildMessage(ev)); err != nil {
		d.recordFailure(ctx, ev, err)
		return
	}

	metricPublishedEvents.WithLabelValues(scan).Inc()

	err := d.store.MarkProcessed(ctx, ev.ID, ev.Version, time.Now().UTC())
	if errors.Is(err, outbox.ErrStaleVersion) {
		// a competing dispatcher settled the row first
		metricStaleMarks.Inc()
		return
	}
	if err != nil {
		// the row stays eligible; the next scan republishes it
		level.Error(d.logger).Log("msg", "failed to mark outbox event processed", "event", ev.ID, "err", err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, ev outbox.Event, pubErr error) {
	attempt := ev.RetryCount + 1
	nextRetry := time.Now().UTC().Add(retryBackoff(attempt))

	err := d.store.IncrementRetry(ctx, ev.ID, ev.Version, nextRetry, pubErr.Error())
	if errors.Is(err, outbox.ErrStaleVersion) {
		metricStaleMarks.Inc()
		return
	}
	if err != nil {
		level.Error(d.logger).Log("msg", "failed to record outbox publish failure", "event", ev.ID, "err", err)
		return
	}

	metricPublishFailures.Inc()
	if attempt >= d.cfg.MaxRetries {
		metricDeadLettered.Inc()
		level.Error(d.logger).Log("msg", "outbox event exhausted its retries",
			"event", ev.ID,
			"aggregate_type", ev.AggregateType,
			"aggregate_id", ev.AggregateID,
			"event_type", ev.EventType,
			"attempts", attempt,
			"err", pubErr)
		return
	}
	level.Warn(d.logger).Log("msg", "outbox publish failed, retry scheduled",
		"event", ev.ID, "attempt", attempt, "next_retry", nextRetry.Format(time.RFC3339), "err", pubErr)
}

func (d *Dispatcher) cleanup(ctx context.Context) {
	if d.cfg.CleanupAfterDays <= 0 {
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -d.cfg.CleanupAfterDays)
	removed, err := d.store.DeleteProcessedOlderThan(ctx, cutoff)
	if err != nil {
		level.Error(d.logger).Log("msg", "outbox cleanup failed", "err", err)
		return
	}
	metricCleanedEvents.Add(float64(removed))
	if removed > 0 {
		level.Info(d.logger).Log("msg", "removed processed outbox events", "removed", removed, "cutoff", cutoff.Format(time.RFC3339))
	}
}

// retryBackoff doubles per attempt starting at two minutes.
func retryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 10 {
		attempt = 10
	}
	return time.Duration(1<<uint(attempt)) * time.Minute
}

// BuildMessage converts an outbox row into its bus envelope: topic from the
// aggregate type, the serialized event as payload, and the identity headers
// consumers dedupe on.
func BuildMessage(ev outbox.Event) bus.Message {
	msg := bus.NewMessage(bus.TopicForAggregate(ev.AggregateType), ev.EventType, ev.EventData)
	msg.PartitionKey = ev.AggregateID
	return msg.
		WithHeader(bus.HeaderIdempotencyKey, "outbox-event-"+ev.ID).
		WithHeader(bus.HeaderAggregateID, ev.AggregateID).
		WithHeader(bus.HeaderAggregateType, ev.AggregateType).
		WithHeader(bus.HeaderEventType, ev.EventType).
		WithHeader(bus.HeaderSource, "outbox").
		WithHeader(bus.HeaderCreatedAt, ev.CreatedAt.UTC().Format(time.RFC3339))
}
