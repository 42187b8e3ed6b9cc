package bus

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/multierror"
	"github.com/grafana/dskit/services"
)

// GroupConfig describes one logical consumer group. Exactly one of Handler
// and BatchHandler must be set.
type GroupConfig struct {
	GroupID      string
	Topics       []string
	WorkerCount  int
	Handler      MessageHandler
	BatchHandler BatchHandler
}

func (gc *GroupConfig) validate() error {
	if gc.GroupID == "" {
		return fmt.Errorf("consumer group id must not be empty")
	}
	if len(gc.Topics) == 0 {
		return fmt.Errorf("consumer group %q needs at least one topic", gc.GroupID)
	}
	for _, t := range gc.Topics {
		if t == "" {
			return fmt.Errorf("consumer group %q has an empty topic", gc.GroupID)
		}
	}
	if gc.Handler == nil && gc.BatchHandler == nil {
		return fmt.Errorf("consumer group %q needs a handler", gc.GroupID)
	}
	if gc.Handler != nil && gc.BatchHandler != nil {
		return fmt.Errorf("consumer group %q must set exactly one of message handler and batch handler", gc.GroupID)
	}
	return nil
}

type group struct {
	cfg     GroupConfig
	workers []*Worker
}

func (g *group) running() bool {
	return len(g.workers) > 0
}

// GroupManager creates and owns consumer groups. Each group fans out to
// WorkerCount workers with distinct identities, giving every worker its own
// committed-offset cursor: each worker consumes the full topic independently,
// and downstream handlers are expected to be idempotent. The stable per-worker
// identity stands in for partition rebalancing. The manager is a service so
// the application can order its shutdown before the broker's.
type GroupManager struct {
	services.Service

	cfg    ConsumerConfig
	broker Broker
	logger log.Logger

	mtx    sync.Mutex
	groups map[string]*group
}

type GroupStats struct {
	GroupID            string        `json:"groupId"`
	Topics             []string      `json:"topics"`
	WorkerCount        int           `json:"workerCount"`
	Running            bool          `json:"running"`
	ProcessedMessages  int64         `json:"processedMessages"`
	FailedMessages     int64         `json:"failedMessages"`
	RetriedMessages    int64         `json:"retriedMessages"`
	DeadLetterMessages int64         `json:"deadLetterMessages"`
	ProcessedBatches   int64         `json:"processedBatches"`
	FailedBatches      int64         `json:"failedBatches"`
	LastConsume        time.Time     `json:"lastConsume"`
	Workers            []WorkerStats `json:"workers,omitempty"`
}

func NewGroupManager(cfg ConsumerConfig, broker Broker, logger log.Logger) *GroupManager {
	m := &GroupManager{
		cfg:    cfg,
		broker: broker,
		logger: log.With(logger, "component", "groups"),
		groups: map[string]*group{},
	}
	m.Service = services.NewIdleService(nil, m.stopping)
	return m
}

func (m *GroupManager) stopping(_ error) error {
	return m.StopAll()
}

// CreateGroup registers a group. It does not start workers; call StartGroup.
func (m *GroupManager) CreateGroup(cfg GroupConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = m.cfg.DefaultWorkerCount
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	if _, ok := m.groups[cfg.GroupID]; ok {
		return fmt.Errorf("consumer group %q already exists", cfg.GroupID)
	}
	m.groups[cfg.GroupID] = &group{cfg: cfg}

	level.Info(m.logger).Log("msg", "consumer group created", "group", cfg.GroupID, "topics", fmt.Sprint(cfg.Topics), "workers", cfg.WorkerCount)
	return nil
}

// StartGroup builds and starts the group's workers. Starting a running group
// is a no-op.
func (m *GroupManager) StartGroup(groupID string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	g, ok := m.groups[groupID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownGroup, groupID)
	}
	if g.running() {
		return nil
	}

	workers := make([]*Worker, 0, g.cfg.WorkerCount)
	for i := 0; i < g.cfg.WorkerCount; i++ {
		w := newWorker(g.cfg.GroupID, i, g.cfg.Topics, m.cfg, g.cfg.Handler, g.cfg.BatchHandler, m.broker, m.logger)
		if err := w.Start(); err != nil {
			for _, started := range workers {
				started.Stop()
			}
			return fmt.Errorf("starting consumer group %q: %w", groupID, err)
		}
		workers = append(workers, w)
	}
	g.workers = workers

	level.Info(m.logger).Log("msg", "consumer group started", "group", groupID, "workers", len(workers))
	return nil
}

// StopGroup stops all of the group's workers. Stopping a stopped group is a
// no-op. The group's committed offsets survive in the broker, so a later
// StartGroup resumes where it left off.
func (m *GroupManager) StopGroup(groupID string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.stopGroupLocked(groupID)
}

func (m *GroupManager) stopGroupLocked(groupID string) error {
	g, ok := m.groups[groupID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownGroup, groupID)
	}
	if !g.running() {
		return nil
	}

	for _, w := range g.workers {
		w.Stop()
	}
	g.workers = nil

	level.Info(m.logger).Log("msg", "consumer group stopped", "group", groupID)
	return nil
}

// StopAll stops every running group.
func (m *GroupManager) StopAll() error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	errs := multierror.New()
	for id := range m.groups {
		errs.Add(m.stopGroupLocked(id))
	}
	return errs.Err()
}

func (m *GroupManager) GroupStats(groupID string) (GroupStats, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	g, ok := m.groups[groupID]
	if !ok {
		return GroupStats{}, fmt.Errorf("%w: %q", ErrUnknownGroup, groupID)
	}
	return m.groupStatsLocked(g), nil
}

// Stats returns stats for every group, sorted by group id.
func (m *GroupManager) Stats() []GroupStats {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	out := make([]GroupStats, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, m.groupStatsLocked(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out
}

func (m *GroupManager) groupStatsLocked(g *group) GroupStats {
	stats := GroupStats{
		GroupID:     g.cfg.GroupID,
		Topics:      g.cfg.Topics,
		WorkerCount: g.cfg.WorkerCount,
		Running:     g.running(),
	}
	for _, w := range g.workers {
		ws := w.Stats()
		stats.ProcessedMessages += ws.ProcessedMessages
		stats.FailedMessages += ws.FailedMessages
		stats.RetriedMessages += ws.RetriedMessages
		stats.DeadLetterMessages += ws.DeadLetterMessages
		stats.ProcessedBatches += ws.ProcessedBatches
		stats.FailedBatches += ws.FailedBatches
		if ws.LastConsume.After(stats.LastConsume) {
			stats.LastConsume = ws.LastConsume
		}
		stats.Workers = append(stats.Workers, ws)
	}
	return stats
}
