package bus

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
)

// Publisher is a thin facade over the broker that gathers publish statistics.
// It performs no retries; the caller owns retry policy.
type Publisher struct {
	broker Broker
	logger log.Logger

	published   atomic.Int64
	batches     atomic.Int64
	batchedMsgs atomic.Int64
	failures    atomic.Int64
	lastPublish atomic.Time
}

type PublisherStats struct {
	TotalPublished int64     `json:"totalPublished"`
	TotalBatches   int64     `json:"totalBatches"`
	Failures       int64     `json:"failures"`
	AvgBatchSize   float64   `json:"avgBatchSize"`
	LastPublish    time.Time `json:"lastPublish"`
}

func NewPublisher(broker Broker, logger log.Logger) *Publisher {
	return &Publisher{
		broker: broker,
		logger: log.With(logger, "component", "publisher"),
	}
}

func (p *Publisher) Publish(ctx context.Context, msg Message) (Message, error) {
	out, err := p.broker.Publish(ctx, msg)
	if err != nil {
		p.failures.Inc()
		metricPublishFailures.WithLabelValues(msg.Topic).Inc()
		level.Warn(p.logger).Log("msg", "publish failed", "topic", msg.Topic, "event_type", msg.EventType, "err", err)
		return Message{}, err
	}

	p.published.Inc()
	p.lastPublish.Store(time.Now())
	return out, nil
}

func (p *Publisher) PublishBatch(ctx context.Context, msgs []Message) ([]Message, error) {
	if len(msgs) == 0 {
		return []Message{}, nil
	}

	out, err := p.broker.PublishBatch(ctx, msgs)
	if err != nil {
		p.failures.Inc()
		for _, msg := range msgs {
			metricPublishFailures.WithLabelValues(msg.Topic).Inc()
		}
		level.Warn(p.logger).Log("msg", "batch publish failed", "messages", len(msgs), "err", err)
		return nil, err
	}

	p.published.Add(int64(len(msgs)))
	p.batches.Inc()
	p.batchedMsgs.Add(int64(len(msgs)))
	p.lastPublish.Store(time.Now())
	return out, nil
}

func (p *Publisher) Stats() PublisherStats {
	stats := PublisherStats{
		TotalPublished: p.published.Load(),
		TotalBatches:   p.batches.Load(),
		Failures:       p.failures.Load(),
		LastPublish:    p.lastPublish.Load(),
	}
	if stats.TotalBatches > 0 {
		stats.AvgBatchSize = float64(p.batchedMsgs.Load()) / float64(stats.TotalBatches)
	}
	return stats
}
