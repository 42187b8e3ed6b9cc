package cache

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/go-kit/log"
	instr "github.com/grafana/dskit/instrument"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	BackendLRU       = "lru"
	BackendMemcached = "memcached"
	BackendRedis     = "redis"
)

// Cache is a single-key byte cache. It backs the projector's idempotency
// marks, so per-key atomicity is provided by the backing store and values are
// expected to expire after the configured TTL.
type Cache interface {
	// FetchKey gets a single key from the cache.
	FetchKey(ctx context.Context, key string) (buf []byte, found bool)
	// StoreKey stores the key in the cache.
	StoreKey(ctx context.Context, key string, buf []byte)
	Stop()
}

type Config struct {
	Backend string        `yaml:"backend"`
	TTL     time.Duration `yaml:"ttl"`

	LRU       LRUConfig       `yaml:"lru"`
	Memcached MemcachedConfig `yaml:"memcached"`
	Redis     RedisConfig     `yaml:"redis"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Backend, prefix+".backend", BackendLRU, "Cache backend. Either lru, memcached or redis.")
	f.DurationVar(&cfg.TTL, prefix+".ttl", 24*time.Hour, "How long cached keys stay valid.")
	cfg.LRU.RegisterFlagsAndApplyDefaults(prefix+".lru", f)
	cfg.Memcached.RegisterFlagsAndApplyDefaults(prefix+".memcached", f)
	cfg.Redis.RegisterFlagsAndApplyDefaults(prefix+".redis", f)
}

func (cfg *Config) Validate() error {
	switch cfg.Backend {
	case BackendLRU, "":
	case BackendMemcached:
		if len(cfg.Memcached.addresses()) == 0 {
			return fmt.Errorf("memcached cache backend requires at least one address")
		}
	case BackendRedis:
		if cfg.Redis.Endpoint == "" {
			return fmt.Errorf("redis cache backend requires an endpoint")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
	if cfg.TTL < 0 {
		return fmt.Errorf("cache ttl must not be negative")
	}
	return nil
}

// New builds the configured cache backend. name labels the backend's request
// metrics.
func New(name string, cfg Config, reg prometheus.Registerer, logger log.Logger) (Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case BackendLRU, "":
		return NewLRU(cfg.LRU, cfg.TTL), nil
	case BackendMemcached:
		return NewMemcached(cfg.Memcached, cfg.TTL, name, reg, logger), nil
	case BackendRedis:
		return NewRedis(cfg.Redis, cfg.TTL, name, reg, logger), nil
	}
	return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
}

// measureRequest times one request against the backing store. It feeds the
// request duration collector directly instead of going through
// instr.CollectedRequest, which would open a tracing span per cache access.
func measureRequest(ctx context.Context, method string, c *instr.HistogramCollector, toStatusCode func(error) string, f func(context.Context) error) error {
	start := time.Now()
	c.Before(ctx, method, start)
	err := f(ctx)
	c.After(ctx, method, toStatusCode(err), start)
	return err
}

func newRequestDurationCollector(backend, name string, reg prometheus.Registerer) *instr.HistogramCollector {
	return instr.NewHistogramCollector(
		promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "conveyor",
			Name:      backend + "_request_duration_seconds",
			Help:      "Total time spent in seconds doing " + backend + " requests.",
			// Cache requests are very quick: smallest bucket is 16us, biggest is 1s
			Buckets:                         prometheus.ExponentialBuckets(0.000016, 4, 8),
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 1 * time.Hour,
			ConstLabels:                     prometheus.Labels{"name": name},
		}, []string{"method", "status_code"}),
	)
}
