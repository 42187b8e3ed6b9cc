package search

import (
	"context"
	"errors"
	"flag"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/sony/gobreaker"
)

type BreakerConfig struct {
	Enabled             bool          `yaml:"enabled"`
	ConsecutiveFailures int           `yaml:"consecutive_failures"`
	Interval            time.Duration `yaml:"interval"`
	Timeout             time.Duration `yaml:"timeout"`
}

func (cfg *BreakerConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.BoolVar(&cfg.Enabled, prefix+".enabled", false, "Guard index writes with a circuit breaker.")
	f.IntVar(&cfg.ConsecutiveFailures, prefix+".consecutive-failures", 5, "Consecutive write failures that open the breaker.")
	f.DurationVar(&cfg.Interval, prefix+".interval", time.Minute, "Closed-state interval after which failure counts reset.")
	f.DurationVar(&cfg.Timeout, prefix+".timeout", 30*time.Second, "How long the breaker stays open before probing again.")
}

// Breaker guards index writes with a circuit breaker so a struggling
// downstream index sheds load instead of queueing it. Reads pass through;
// an open breaker surfaces as gobreaker.ErrOpenState, which callers retry
// like any transient failure.
type Breaker struct {
	index Index
	cb    *gobreaker.CircuitBreaker
}

var _ Index = (*Breaker)(nil)

// NewBreaker wraps index. With the breaker disabled the index is returned
// untouched.
func NewBreaker(index Index, cfg BreakerConfig, logger log.Logger) Index {
	if !cfg.Enabled {
		return index
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "search-index",
		Interval: cfg.Interval,
		Timeout:  cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.ConsecutiveFailures)
		},
		// a missing document is an answer, not an index failure
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrDocumentNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			level.Warn(logger).Log("msg", "search index breaker changed state", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &Breaker{index: index, cb: cb}
}

func (b *Breaker) guard(op func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, op()
	})
	return err
}

func (b *Breaker) Upsert(ctx context.Context, doc *Document) error {
	return b.guard(func() error { return b.index.Upsert(ctx, doc) })
}

func (b *Breaker) Merge(ctx context.Context, productID string, patch DocumentPatch) error {
	return b.guard(func() error { return b.index.Merge(ctx, productID, patch) })
}

func (b *Breaker) Delete(ctx context.Context, productID string) error {
	return b.guard(func() error { return b.index.Delete(ctx, productID) })
}

func (b *Breaker) IncrementCounters(ctx context.Context, productID string, clicks, purchases int64) (*Document, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.index.IncrementCounters(ctx, productID, clicks, purchases)
	})
	if err != nil {
		return nil, err
	}
	return res.(*Document), nil
}

func (b *Breaker) Get(ctx context.Context, productID string) (*Document, error) {
	return b.index.Get(ctx, productID)
}

func (b *Breaker) Count(ctx context.Context) (int64, error) {
	return b.index.Count(ctx)
}

func (b *Breaker) All(ctx context.Context, offset, limit int) ([]Document, error) {
	return b.index.All(ctx, offset, limit)
}
