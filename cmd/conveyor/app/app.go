package app

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v2"

	"github.com/catalogkit/conveyor/modules/dispatcher"
	"github.com/catalogkit/conveyor/modules/projector"
	"github.com/catalogkit/conveyor/modules/reconciler"
	"github.com/catalogkit/conveyor/pkg/bus"
	"github.com/catalogkit/conveyor/pkg/bus/kafka"
	"github.com/catalogkit/conveyor/pkg/cache"
	"github.com/catalogkit/conveyor/pkg/catalog"
	"github.com/catalogkit/conveyor/pkg/outbox"
	"github.com/catalogkit/conveyor/pkg/search"
	"github.com/catalogkit/conveyor/pkg/util/log"
)

const metricsNamespace = "conveyor"

// App is the root datastructure.
type App struct {
	cfg Config

	Server       *server.Server
	pgpool       *pgxpool.Pool
	broker       bus.Broker
	kafkaBroker  *kafka.Broker
	outboxStore  outbox.Store
	producer     *outbox.Producer
	catalogStore catalog.Store
	index        search.Index
	dedupe       cache.Cache
	groups       *bus.GroupManager
	dispatcher   *dispatcher.Dispatcher
	projector    *projector.Projector
	reconciler   *reconciler.Reconciler

	ModuleManager  *modules.Manager
	serviceManager *services.Manager
	serviceMap     map[string]services.Service
	deps           map[string][]string
}

// New makes a new app.
func New(cfg Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	app := &App{
		cfg: cfg,
	}

	if err := app.setupModuleManager(); err != nil {
		return nil, fmt.Errorf("failed to setup module manager %w", err)
	}

	return app, nil
}

// Run starts, and blocks until a signal is received.
func (t *App) Run() error {
	if !t.ModuleManager.IsUserVisibleModule(t.cfg.Target) {
		level.Warn(log.Logger).Log("msg", "selected target is an internal module, is this intended?", "target", t.cfg.Target)
	}

	// the memory bus lives inside one process; a partial target on it can
	// publish into or consume from nothing
	if t.cfg.Bus.Backend == BusBackendMemory && !(t.isModuleActive(Dispatcher) && t.isModuleActive(Projector)) {
		level.Warn(log.Logger).Log("msg", "memory bus does not span processes, this target runs isolated", "target", t.cfg.Target)
	}

	serviceMap, err := t.ModuleManager.InitModuleServices(t.cfg.Target)
	if err != nil {
		return fmt.Errorf("failed to init module services %w", err)
	}
	t.serviceMap = serviceMap

	servs := []services.Service(nil)
	for _, s := range serviceMap {
		servs = append(servs, s)
	}

	sm, err := services.NewManager(servs...)
	if err != nil {
		return fmt.Errorf("failed to create service manager %w", err)
	}
	t.serviceManager = sm

	// before starting servers, register /ready and /config handlers
	t.Server.HTTP.Path("/config").Handler(t.configHandler())
	t.Server.HTTP.Path("/ready").Handler(t.readyHandler(sm))

	// Let's listen for events from this manager, and log them.
	healthy := func() { level.Info(log.Logger).Log("msg", "Conveyor started") }
	stopped := func() { level.Info(log.Logger).Log("msg", "Conveyor stopped") }
	serviceFailed := func(service services.Service) {
		// if any service fails, stop everything
		sm.StopAsync()

		// let's find out which module failed
		for m, s := range serviceMap {
			if s == service {
				level.Error(log.Logger).Log("msg", "module failed", "module", m, "err", service.FailureCase())
				return
			}
		}

		level.Error(log.Logger).Log("msg", "module failed", "module", "unknown", "err", service.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	// Setup signal handler. If signal arrives, we stop the manager, which stops all the services.
	handler := signals.NewHandler(log.Logger)
	go func() {
		handler.Loop()
		sm.StopAsync()
	}()

	// Start all services. This can really only fail if some service is already
	// in other state than New, which should not be the case.
	err = sm.StartAsync(context.Background())
	if err != nil {
		return fmt.Errorf("failed to start service manager %w", err)
	}

	return sm.AwaitStopped(context.Background())
}

// Stop gracefully stops a running instance. Run returns once every service
// has stopped.
func (t *App) Stop() {
	if t.serviceManager != nil {
		t.serviceManager.StopAsync()
	}
}

func (t *App) configHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := yaml.Marshal(t.cfg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/yaml")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(out); err != nil {
			level.Error(log.Logger).Log("msg", "error writing response", "err", err)
		}
	}
}

func (t *App) readyHandler(sm *services.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !sm.IsHealthy() {
			msg := bytes.Buffer{}
			msg.WriteString("Some services are not Running:\n")

			byState := sm.ServicesByState()
			for st, ls := range byState {
				msg.WriteString(fmt.Sprintf("%v: %d\n", st, len(ls)))
			}

			http.Error(w, msg.String(), http.StatusServiceUnavailable)
			return
		}

		http.Error(w, "ready", http.StatusOK)
	}
}
