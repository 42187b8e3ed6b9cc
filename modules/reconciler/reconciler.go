package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/catalogkit/conveyor/pkg/catalog"
	"github.com/catalogkit/conveyor/pkg/search"
)

const (
	// concurrent index merges per sync; errgroup blocks page iteration once
	// this many writes are in flight
	mergeConcurrency = 3

	// incremental syncs re-merge everything touched in the last hour, so a
	// product survives several missed ticks before it can fall through
	incrementalLookback = time.Hour

	modeFull        = "full"
	modeIncremental = "incremental"
)

var (
	metricSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "reconciler",
		Name:      "syncs_total",
		Help:      "Completed catalog-to-index syncs, by mode.",
	}, []string{"mode"})
	metricSyncFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "reconciler",
		Name:      "sync_failures_total",
		Help:      "Syncs that stopped on an error, by mode.",
	}, []string{"mode"})
	metricSyncedProducts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "reconciler",
		Name:      "synced_products_total",
		Help:      "Products merged into the search index, by mode.",
	}, []string{"mode"})
	metricSyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:                       "conveyor",
		Subsystem:                       "reconciler",
		Name:                            "sync_duration_seconds",
		Help:                            "Time spent walking the catalog and merging documents.",
		Buckets:                         prometheus.ExponentialBuckets(0.01, 4, 8),
		NativeHistogramBucketFactor:     1.1,
		NativeHistogramMaxBucketNumber:  100,
		NativeHistogramMinResetDuration: 1 * time.Hour,
	}, []string{"mode"})
)

// Reconciler heals drift between the catalog and the search index. An
// incremental pass re-merges recently updated products on a timer; a full
// pass walks the whole catalog on demand (admin API) or at startup. All of
// its writes are content merges, so counters accumulated by the projector
// survive any number of syncs.
type Reconciler struct {
	services.Service

	cfg     search.Config
	store   catalog.Store
	index   search.Index
	logger  log.Logger
	limiter *rate.Limiter

	trigger chan struct{}

	mtx             sync.Mutex
	lastFull        time.Time
	lastIncremental time.Time
	lastError       string
}

// SyncStatus is the reconciler's slice of the stats surface.
type SyncStatus struct {
	InSync              bool      `json:"inSync"`
	CatalogProducts     int64     `json:"catalogProducts"`
	IndexDocuments      int64     `json:"indexDocuments"`
	LastFullSync        time.Time `json:"lastFullSync,omitempty"`
	LastIncrementalSync time.Time `json:"lastIncrementalSync,omitempty"`
	LastError           string    `json:"lastError,omitempty"`
}

func New(cfg search.Config, store catalog.Store, index search.Index, logger log.Logger) *Reconciler {
	r := &Reconciler{
		cfg:     cfg,
		store:   store,
		index:   index,
		logger:  log.With(logger, "component", "reconciler"),
		trigger: make(chan struct{}, 1),
	}
	if cfg.Sync.RateLimit > 0 {
		burst := int(cfg.Sync.RateLimit)
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.Sync.RateLimit), burst)
	}
	r.Service = services.NewBasicService(nil, r.running, nil)
	return r
}

func (r *Reconciler) running(ctx context.Context) error {
	if r.cfg.Sync.FullSyncOnStart {
		r.runSync(ctx, modeFull)
	}

	ticker := time.NewTicker(r.cfg.Sync.IncrementalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.runSync(ctx, modeIncremental)
		case <-r.trigger:
			r.runSync(ctx, modeFull)
		case <-ctx.Done():
			return nil
		}
	}
}

// TriggerSync queues a full sync on the service loop. It never blocks; when a
// trigger is already pending the two collapse into one run and TriggerSync
// reports false.
func (r *Reconciler) TriggerSync() bool {
	select {
	case r.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// runSync executes one pass and records its outcome. Sync errors do not stop
// the service; the next tick gets another chance.
func (r *Reconciler) runSync(ctx context.Context, mode string) {
	start := time.Now()

	var err error
	switch mode {
	case modeFull:
		err = r.FullSync(ctx)
	default:
		err = r.IncrementalSync(ctx)
	}
	metricSyncDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())

	r.mtx.Lock()
	defer r.mtx.Unlock()
	if err != nil {
		if ctx.Err() != nil {
			// shutdown interrupted the walk, not a sync problem
			return
		}
		metricSyncFailures.WithLabelValues(mode).Inc()
		level.Error(r.logger).Log("msg", "sync failed", "mode", mode, "err", err)
		r.lastError = err.Error()
		return
	}

	metricSyncs.WithLabelValues(mode).Inc()
	r.lastError = ""
	if mode == modeFull {
		r.lastFull = time.Now()
	} else {
		r.lastIncremental = time.Now()
	}
}

// FullSync walks the whole catalog in stable page order and merges every
// product into the index.
func (r *Reconciler) FullSync(ctx context.Context) error {
	start := time.Now()
	level.Info(r.logger).Log("msg", "full sync started")

	total := 0
	batch := r.cfg.Sync.BatchSize
	for offset := 0; ; offset += batch {
		page, err := r.store.ListProducts(ctx, offset, batch)
		if err != nil {
			return errors.Wrapf(err, "listing products at offset %d", offset)
		}
		if len(page) == 0 {
			break
		}
		if err := r.mergePage(ctx, page, modeFull); err != nil {
			return err
		}
		total += len(page)
		if len(page) < batch {
			break
		}
	}

	level.Info(r.logger).Log("msg", "full sync finished", "products", total, "duration", time.Since(start))
	return nil
}

// IncrementalSync re-merges products updated inside the lookback window.
// Pages advance on the last product's update time; merges are idempotent, so
// overlap at the page boundary is harmless.
func (r *Reconciler) IncrementalSync(ctx context.Context) error {
	since := time.Now().Add(-incrementalLookback)

	total := 0
	batch := r.cfg.Sync.BatchSize
	for {
		page, err := r.store.UpdatedSince(ctx, since, batch)
		if err != nil {
			return errors.Wrapf(err, "listing products updated since %s", since.Format(time.RFC3339))
		}
		if len(page) == 0 {
			break
		}
		if err := r.mergePage(ctx, page, modeIncremental); err != nil {
			return err
		}
		total += len(page)
		if len(page) < batch {
			break
		}
		next := page[len(page)-1].UpdatedAt
		if !next.After(since) {
			// a full page sharing one timestamp cannot page further
			break
		}
		since = next
	}

	if total > 0 {
		level.Debug(r.logger).Log("msg", "incremental sync finished", "products", total)
	}
	return nil
}

// InSync reports whether the index holds exactly as many documents as the
// catalog holds products.
func (r *Reconciler) InSync(ctx context.Context) (bool, error) {
	want, err := r.store.CountProducts(ctx)
	if err != nil {
		return false, errors.Wrap(err, "counting products")
	}
	got, err := r.index.Count(ctx)
	if err != nil {
		return false, errors.Wrap(err, "counting documents")
	}
	return want == got, nil
}

// Status reports drift and the most recent sync outcomes.
func (r *Reconciler) Status(ctx context.Context) (SyncStatus, error) {
	want, err := r.store.CountProducts(ctx)
	if err != nil {
		return SyncStatus{}, errors.Wrap(err, "counting products")
	}
	got, err := r.index.Count(ctx)
	if err != nil {
		return SyncStatus{}, errors.Wrap(err, "counting documents")
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()
	return SyncStatus{
		InSync:              want == got,
		CatalogProducts:     want,
		IndexDocuments:      got,
		LastFullSync:        r.lastFull,
		LastIncrementalSync: r.lastIncremental,
		LastError:           r.lastError,
	}, nil
}

// mergePage fans the page's merges out on a bounded errgroup. Content merges
// never touch counters, so a concurrent projector increment cannot be lost.
func (r *Reconciler) mergePage(ctx context.Context, page []catalog.Product, mode string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(mergeConcurrency)

	for i := range page {
		p := &page[i]
		g.Go(func() error {
			if r.limiter != nil {
				if err := r.limiter.Wait(ctx); err != nil {
					return err
				}
			}
			if err := r.index.Merge(ctx, p.ID, search.PatchFromProduct(p)); err != nil {
				return errors.Wrapf(err, "merging product %s", p.ID)
			}
			metricSyncedProducts.WithLabelValues(mode).Inc()
			return nil
		})
	}
	return g.Wait()
}
