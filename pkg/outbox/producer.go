package outbox

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jackc/pgx/v5"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricStoredEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "conveyor",
	Name:      "outbox_stored_events_total",
	Help:      "Events durably written to the outbox.",
}, []string{"aggregate_type"})

// Producer is the write-path facade for emitting events. It serializes the
// payload up front so a bad payload fails the caller synchronously, before
// anything is written; once StoreEvent returns nil the event is durable and
// delivery is the dispatcher's problem.
type Producer struct {
	store  Store
	logger log.Logger
}

func NewProducer(store Store, logger log.Logger) *Producer {
	return &Producer{
		store:  store,
		logger: log.With(logger, "component", "outbox-producer"),
	}
}

// StoreEvent serializes payload and appends the event.
func (p *Producer) StoreEvent(ctx context.Context, aggregateID, aggregateType, eventType string, payload any) (*Event, error) {
	ev, err := p.buildEvent(aggregateID, aggregateType, eventType, payload)
	if err != nil {
		return nil, err
	}
	if err := p.store.Append(ctx, ev); err != nil {
		return nil, err
	}

	metricStoredEvents.WithLabelValues(aggregateType).Inc()
	level.Debug(p.logger).Log("msg", "outbox event stored", "event", ev.ID, "type", eventType, "aggregate", aggregateID)
	return ev, nil
}

// StoreEventTx is StoreEvent inside the caller's transaction. The store must
// support transactional appends (the postgres store does).
func (p *Producer) StoreEventTx(ctx context.Context, tx pgx.Tx, aggregateID, aggregateType, eventType string, payload any) (*Event, error) {
	txStore, ok := p.store.(TxAppender)
	if !ok {
		return nil, fmt.Errorf("outbox store %T does not support transactional appends", p.store)
	}

	ev, err := p.buildEvent(aggregateID, aggregateType, eventType, payload)
	if err != nil {
		return nil, err
	}
	if err := txStore.AppendTx(ctx, tx, ev); err != nil {
		return nil, err
	}

	metricStoredEvents.WithLabelValues(aggregateType).Inc()
	return ev, nil
}

func (p *Producer) buildEvent(aggregateID, aggregateType, eventType string, payload any) (*Event, error) {
	data, err := jsoniter.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("serializing %s event for aggregate %s: %w", eventType, aggregateID, err)
	}
	return NewEvent(aggregateID, aggregateType, eventType, data), nil
}
