package app

import (
	"context"
	"fmt"
	"path"

	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/catalogkit/conveyor/modules/dispatcher"
	"github.com/catalogkit/conveyor/modules/projector"
	"github.com/catalogkit/conveyor/modules/reconciler"
	"github.com/catalogkit/conveyor/pkg/api"
	"github.com/catalogkit/conveyor/pkg/bus"
	"github.com/catalogkit/conveyor/pkg/bus/kafka"
	"github.com/catalogkit/conveyor/pkg/cache"
	"github.com/catalogkit/conveyor/pkg/catalog"
	"github.com/catalogkit/conveyor/pkg/outbox"
	"github.com/catalogkit/conveyor/pkg/postgres"
	"github.com/catalogkit/conveyor/pkg/search"
	"github.com/catalogkit/conveyor/pkg/util/log"
)

// The various modules that make up conveyor.
const (
	Server       string = "server"
	Bus          string = "bus"
	OutboxStore  string = "outbox-store"
	Catalog      string = "catalog"
	SearchIndex  string = "search-index"
	Cache        string = "cache"
	GroupManager string = "consumer-groups"
	Dispatcher   string = "dispatcher"
	Projector    string = "projector"
	Reconciler   string = "reconciler"
	API          string = "api"
	SingleBinary string = "all"
)

func (t *App) initServer() (services.Service, error) {
	t.cfg.Server.MetricsNamespace = metricsNamespace
	t.cfg.Server.ExcludeRequestInLog = true

	if t.cfg.EnableGoRuntimeMetrics {
		// unregister default Go collector
		prometheus.Unregister(collectors.NewGoCollector())
		// register Go collector with all available runtime metrics
		prometheus.MustRegister(collectors.NewGoCollector(
			collectors.WithGoCollectorRuntimeMetrics(collectors.MetricsAll),
		))
	}

	DisableSignalHandling(&t.cfg.Server)

	srv, err := server.New(t.cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("failed to create server %w", err)
	}

	servicesToWaitFor := func() []services.Service {
		svs := []services.Service(nil)
		for m, s := range t.serviceMap {
			// Server should not wait for itself.
			if m != Server {
				svs = append(svs, s)
			}
		}
		return svs
	}

	t.Server = srv
	s := NewServerService(srv, servicesToWaitFor)

	return s, nil
}

func (t *App) initBus() (services.Service, error) {
	switch t.cfg.Bus.Backend {
	case BusBackendKafka:
		broker, err := kafka.NewBroker(t.cfg.Bus.Kafka, prometheus.DefaultRegisterer, log.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka broker %w", err)
		}
		t.broker = broker
		t.kafkaBroker = broker
	default:
		t.broker = bus.NewMemoryBroker(log.Logger)
	}

	stopping := func(_ error) error {
		if t.kafkaBroker != nil {
			t.kafkaBroker.Close()
		}
		return nil
	}
	return services.NewIdleService(nil, stopping), nil
}

func (t *App) initOutboxStore() (services.Service, error) {
	switch t.cfg.Outbox.Store.Backend {
	case outbox.BackendPostgres:
		pool, err := postgres.NewPool(context.Background(), t.cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres pool %w", err)
		}
		t.pgpool = pool

		store, err := outbox.NewPostgresStore(context.Background(), pool, t.cfg.Outbox.MaxRetries)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres outbox store %w", err)
		}
		t.outboxStore = store
	default:
		t.outboxStore = outbox.NewMemoryStore(t.cfg.Outbox.MaxRetries)
	}

	// dependents stop first, so closing the pool here is safe
	stopping := func(_ error) error {
		if t.pgpool != nil {
			t.pgpool.Close()
		}
		return nil
	}
	return services.NewIdleService(nil, stopping), nil
}

// initCatalog builds the catalog store on the same backend as the outbox
// store: the write path commits a product change and its event together, so
// the two cannot live in different stores.
func (t *App) initCatalog() (services.Service, error) {
	t.producer = outbox.NewProducer(t.outboxStore, log.Logger)

	switch t.cfg.Outbox.Store.Backend {
	case outbox.BackendPostgres:
		store, err := catalog.NewPostgresStore(context.Background(), t.pgpool, t.producer)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres catalog store %w", err)
		}
		t.catalogStore = store
	default:
		t.catalogStore = catalog.NewMemoryStore(t.producer)
	}

	return services.NewIdleService(nil, nil), nil
}

func (t *App) initSearchIndex() (services.Service, error) {
	t.index = search.NewBreaker(search.NewMemoryIndex(), t.cfg.Search.Breaker, log.Logger)
	return services.NewIdleService(nil, nil), nil
}

func (t *App) initCache() (services.Service, error) {
	c, err := cache.New("projector-dedupe", t.cfg.Cache, prometheus.DefaultRegisterer, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create idempotency cache %w", err)
	}
	t.dedupe = c

	stopping := func(_ error) error {
		t.dedupe.Stop()
		return nil
	}
	return services.NewIdleService(nil, stopping), nil
}

func (t *App) initGroupManager() (services.Service, error) {
	t.groups = bus.NewGroupManager(t.cfg.Bus.Consumer, t.broker, log.Logger)
	return t.groups, nil
}

func (t *App) initDispatcher() (services.Service, error) {
	t.dispatcher = dispatcher.New(t.cfg.Outbox, t.outboxStore, t.broker, log.Logger)
	return t.dispatcher, nil
}

func (t *App) initProjector() (services.Service, error) {
	t.projector = projector.New(t.cfg.Search, t.groups, t.index, t.dedupe, log.Logger)
	return t.projector, nil
}

func (t *App) initReconciler() (services.Service, error) {
	t.reconciler = reconciler.New(t.cfg.Search, t.catalogStore, t.index, log.Logger)

	t.Server.HTTP.Path(addHTTPAPIPrefix(&t.cfg, api.PathReconcilerSync)).Methods("POST").Handler(t.syncHandler())

	return t.reconciler, nil
}

func (t *App) initAPI() (services.Service, error) {
	t.Server.HTTP.Path(addHTTPAPIPrefix(&t.cfg, api.PathStats)).Methods("GET").Handler(t.statsHandler())
	t.Server.HTTP.Path(addHTTPAPIPrefix(&t.cfg, api.PathPublish)).Methods("POST").Handler(t.publishHandler())
	t.Server.HTTP.Path(addHTTPAPIPrefix(&t.cfg, api.PathVersion)).Methods("GET").Handler(versionHandler())

	return services.NewIdleService(nil, nil), nil
}

func (t *App) setupModuleManager() error {
	mm := modules.NewManager(log.Logger)

	mm.RegisterModule(Server, t.initServer, modules.UserInvisibleModule)
	mm.RegisterModule(Bus, t.initBus, modules.UserInvisibleModule)
	mm.RegisterModule(OutboxStore, t.initOutboxStore, modules.UserInvisibleModule)
	mm.RegisterModule(Catalog, t.initCatalog, modules.UserInvisibleModule)
	mm.RegisterModule(SearchIndex, t.initSearchIndex, modules.UserInvisibleModule)
	mm.RegisterModule(Cache, t.initCache, modules.UserInvisibleModule)
	mm.RegisterModule(GroupManager, t.initGroupManager, modules.UserInvisibleModule)
	mm.RegisterModule(API, t.initAPI, modules.UserInvisibleModule)
	mm.RegisterModule(Dispatcher, t.initDispatcher)
	mm.RegisterModule(Projector, t.initProjector)
	mm.RegisterModule(Reconciler, t.initReconciler)
	mm.RegisterModule(SingleBinary, nil)

	deps := map[string][]string{
		// Server: nil,
		Bus:          {Server},
		OutboxStore:  {Server},
		Catalog:      {OutboxStore},
		SearchIndex:  {Server},
		Cache:        {Server},
		GroupManager: {Bus},
		API:          {Server, Bus, OutboxStore},
		Dispatcher:   {Server, OutboxStore, Bus},
		Projector:    {Server, GroupManager, SearchIndex, Cache},
		Reconciler:   {Server, Catalog, SearchIndex},
		SingleBinary: {API, Dispatcher, Projector, Reconciler},
	}

	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	t.ModuleManager = mm

	t.deps = deps

	return nil
}

func (t *App) isModuleActive(m string) bool {
	if t.cfg.Target == m {
		return true
	}
	if t.recursiveIsModuleActive(t.cfg.Target, m) {
		return true
	}

	return false
}

func (t *App) recursiveIsModuleActive(target, m string) bool {
	if targetDeps, ok := t.deps[target]; ok {
		for _, dep := range targetDeps {
			if dep == m {
				return true
			}
			if t.recursiveIsModuleActive(dep, m) {
				return true
			}
		}
	}
	return false
}

func addHTTPAPIPrefix(cfg *Config, apiPath string) string {
	return path.Join(cfg.HTTPAPIPrefix, apiPath)
}
