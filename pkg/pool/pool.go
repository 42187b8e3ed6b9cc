package pool

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

var (
	metricQueueLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "conveyor",
		Name:      "pool_queue_length",
		Help:      "Current number of jobs waiting in the work queue.",
	}, []string{"name"})
	metricRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conveyor",
		Name:      "pool_rejected_jobs_total",
		Help:      "Total number of jobs rejected because the work queue was full.",
	}, []string{"name"})
)

var (
	// ErrQueueFull is returned by Submit when the work queue cannot take
	// another job. Callers are expected to treat it as backpressure.
	ErrQueueFull = errors.New("work queue is full")

	// ErrStopped is returned by Submit after Shutdown.
	ErrStopped = errors.New("pool stopped")
)

type Config struct {
	MaxWorkers int `yaml:"max_workers"`
	QueueDepth int `yaml:"queue_depth"`
}

// Pool runs a fixed set of goroutines over a bounded work queue. Submit never
// blocks: a full queue rejects the job so the caller can apply backpressure.
type Pool struct {
	name string

	workQueue   chan func()
	size        atomic.Int32
	queueLength prometheus.Gauge
	rejected    prometheus.Counter

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(name string, cfg Config) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1
	}

	p := &Pool{
		name:        name,
		workQueue:   make(chan func(), cfg.QueueDepth),
		queueLength: metricQueueLength.WithLabelValues(name),
		rejected:    metricRejectedTotal.WithLabelValues(name),
		stopCh:      make(chan struct{}),
	}

	p.wg.Add(cfg.MaxWorkers)
	for i := 0; i < cfg.MaxWorkers; i++ {
		go p.worker()
	}

	return p
}

// Submit enqueues job for execution by one of the pool's workers.
func (p *Pool) Submit(job func()) error {
	if job == nil {
		return nil
	}

	select {
	case <-p.stopCh:
		return ErrStopped
	default:
	}

	select {
	case p.workQueue <- job:
		p.queueLength.Set(float64(p.size.Inc()))
		return nil
	default:
		p.rejected.Inc()
		return ErrQueueFull
	}
}

// Len returns the number of jobs currently waiting in the queue.
func (p *Pool) Len() int {
	return int(p.size.Load())
}

// Shutdown stops all workers and waits for them to exit. Jobs still queued
// are dropped. Shutdown is idempotent.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case job := <-p.workQueue:
			p.queueLength.Set(float64(p.size.Dec()))
			job()
		}
	}
}
