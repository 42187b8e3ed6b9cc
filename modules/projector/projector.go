package projector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/catalogkit/conveyor/pkg/bus"
	"github.com/catalogkit/conveyor/pkg/cache"
	"github.com/catalogkit/conveyor/pkg/catalog"
	"github.com/catalogkit/conveyor/pkg/search"
)

// GroupID is the consumer group the projector owns.
const GroupID = "search-projector"

var processedMarker = []byte("1")

var (
	metricApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "projector",
		Name:      "events_applied_total",
		Help:      "Product events applied to the search index.",
	}, []string{"event_type"})
	metricFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "projector",
		Name:      "event_failures_total",
		Help:      "Product events whose index write failed.",
	}, []string{"event_type"})
	metricDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "projector",
		Name:      "duplicate_events_total",
		Help:      "Deliveries skipped because the event was already applied.",
	})
	metricMissingDocs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "projector",
		Name:      "missing_documents_total",
		Help:      "Counter events that arrived before the document they count against.",
	})
)

// Projector keeps the search index in step with the product event stream. It
// owns the search-projector consumer group; every worker consumes the full
// topic, so applications are deduplicated through the idempotency cache
// before they touch the index.
type Projector struct {
	services.Service

	cfg    search.Config
	groups *bus.GroupManager
	index  search.Index
	dedupe cache.Cache
	logger log.Logger

	// guards the check-and-claim on idempotency keys; without it two workers
	// holding the same message could both miss the cache and double-apply
	mtx      sync.Mutex
	inflight map[string]struct{}
}

func New(cfg search.Config, groups *bus.GroupManager, index search.Index, dedupe cache.Cache, logger log.Logger) *Projector {
	p := &Projector{
		cfg:      cfg,
		groups:   groups,
		index:    index,
		dedupe:   dedupe,
		logger:   log.With(logger, "component", "projector"),
		inflight: map[string]struct{}{},
	}
	p.Service = services.NewIdleService(p.starting, p.stopping)
	return p
}

func (p *Projector) starting(context.Context) error {
	err := p.groups.CreateGroup(bus.GroupConfig{
		GroupID:     GroupID,
		Topics:      []string{bus.TopicProductEvents},
		WorkerCount: p.cfg.Sync.ConsumerWorkers,
		Handler:     p.handleMessage,
	})
	if err != nil {
		return errors.Wrap(err, "creating projector consumer group")
	}
	return p.groups.StartGroup(GroupID)
}

func (p *Projector) stopping(_ error) error {
	return p.groups.StopGroup(GroupID)
}

func (p *Projector) handleMessage(ctx context.Context, msg bus.Message) error {
	key := msg.IdempotencyKey()

	duplicate, release := p.claim(ctx, key)
	if duplicate {
		metricDuplicates.Inc()
		return nil
	}
	defer release()

	ev, err := catalog.DecodeEvent(msg.Payload)
	if err != nil {
		return bus.Permanent(errors.Wrapf(err, "decoding event at offset %d", msg.Offset))
	}

	if err := p.apply(ctx, ev); err != nil {
		metricFailures.WithLabelValues(ev.EventType()).Inc()
		return err
	}

	p.dedupe.StoreKey(ctx, key, processedMarker)
	metricApplied.WithLabelValues(ev.EventType()).Inc()
	return nil
}

// claim reports whether the key was already applied or is being applied right
// now. Check and claim happen under one lock so concurrent deliveries of the
// same event resolve to exactly one application.
func (p *Projector) claim(ctx context.Context, key string) (duplicate bool, release func()) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if _, busy := p.inflight[key]; busy {
		return true, nil
	}
	if _, hit := p.dedupe.FetchKey(ctx, key); hit {
		return true, nil
	}

	p.inflight[key] = struct{}{}
	return false, func() {
		p.mtx.Lock()
		delete(p.inflight, key)
		p.mtx.Unlock()
	}
}

func (p *Projector) apply(ctx context.Context, ev catalog.Event) error {
	switch e := ev.(type) {
	case *catalog.ProductCreated:
		return p.index.Upsert(ctx, search.FromProduct(&e.Product, time.Now().UTC()))
	case *catalog.ProductUpdated:
		return p.index.Merge(ctx, e.Product.ID, search.PatchFromProduct(&e.Product))
	case *catalog.ProductDeleted:
		return p.index.Delete(ctx, e.ProductID)
	case *catalog.ProductViewed:
		return p.count(ctx, e.ProductID, 1, 0)
	case *catalog.ProductPurchased:
		// purchase counters track purchase events, not quantity
		return p.count(ctx, e.ProductID, 0, 1)
	case *catalog.ProductInventoryChanged:
		inStock := e.StockQuantity > 0
		return p.index.Merge(ctx, e.ProductID, search.DocumentPatch{InStock: &inStock})
	default:
		return bus.Permanent(fmt.Errorf("no projection for event type %q", ev.EventType()))
	}
}

func (p *Projector) count(ctx context.Context, productID string, clicks, purchases int64) error {
	_, err := p.index.IncrementCounters(ctx, productID, clicks, purchases)
	if errors.Is(err, search.ErrDocumentNotFound) {
		// nothing to count against yet; the content write will arrive
		metricMissingDocs.Inc()
		level.Warn(p.logger).Log("msg", "counter event for unknown document", "product", productID)
		return nil
	}
	return err
}
