package cache

import (
	"context"
	"errors"
	"flag"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	instr "github.com/grafana/dskit/instrument"
	"github.com/grafana/gomemcache/memcache"
	"github.com/prometheus/client_golang/prometheus"
)

// MemcachedConfig is config to make a Memcached
type MemcachedConfig struct {
	Addresses    string        `yaml:"addresses"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
}

func (cfg *MemcachedConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Addresses, prefix+".addresses", "", "Comma-separated list of memcached addresses.")
	f.DurationVar(&cfg.Timeout, prefix+".timeout", 100*time.Millisecond, "Maximum time to wait for a memcached request.")
	f.IntVar(&cfg.MaxIdleConns, prefix+".max-idle-conns", 16, "Maximum number of idle connections kept per memcached server.")
}

func (cfg *MemcachedConfig) addresses() []string {
	if cfg.Addresses == "" {
		return nil
	}
	var out []string
	for _, a := range strings.Split(cfg.Addresses, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// MemcachedClient is the subset of the memcache client the cache uses.
type MemcachedClient interface {
	Get(key string) (*memcache.Item, error)
	Set(item *memcache.Item) error
	Close()
}

// memcachedClient adapts *memcache.Client to the MemcachedClient interface.
type memcachedClient struct {
	client *memcache.Client
}

func (c *memcachedClient) Get(key string) (*memcache.Item, error) { return c.client.Get(key) }
func (c *memcachedClient) Set(item *memcache.Item) error          { return c.client.Set(item) }
func (c *memcachedClient) Close()                                 { c.client.Close() }

// Memcached caches keys in memcached.
type Memcached struct {
	memcache        MemcachedClient
	name            string
	expiration      int32
	requestDuration *instr.HistogramCollector
	logger          log.Logger
}

var _ Cache = (*Memcached)(nil)

// NewMemcached makes a new Memcached.
func NewMemcached(cfg MemcachedConfig, ttl time.Duration, name string, reg prometheus.Registerer, logger log.Logger) *Memcached {
	client := memcache.New(cfg.addresses()...)
	client.Timeout = cfg.Timeout
	client.MaxIdleConns = cfg.MaxIdleConns
	return newMemcachedWithClient(&memcachedClient{client: client}, ttl, name, reg, logger)
}

func newMemcachedWithClient(client MemcachedClient, ttl time.Duration, name string, reg prometheus.Registerer, logger log.Logger) *Memcached {
	return &Memcached{
		memcache:        client,
		name:            name,
		expiration:      int32(ttl.Seconds()),
		logger:          logger,
		requestDuration: newRequestDurationCollector("memcache", name, reg),
	}
}

func memcacheStatusCode(err error) string {
	// See https://godoc.org/github.com/bradfitz/gomemcache/memcache#pkg-variables
	if errors.Is(err, memcache.ErrCacheMiss) {
		return "404"
	}
	if errors.Is(err, memcache.ErrMalformedKey) {
		return "400"
	}
	if err != nil {
		return "500"
	}
	return "200"
}

// FetchKey gets a single key from the cache
func (c *Memcached) FetchKey(ctx context.Context, key string) (buf []byte, found bool) {
	const method = "Memcache.Get"
	var item *memcache.Item
	err := measureRequest(ctx, method, c.requestDuration, memcacheStatusCode, func(_ context.Context) error {
		var err error
		item, err = c.memcache.Get(key)
		if err != nil {
			if errors.Is(err, memcache.ErrCacheMiss) {
				level.Debug(c.logger).Log("msg", "Failed to get key from memcached", "err", err, "key", key)
			} else {
				level.Error(c.logger).Log("msg", "Error getting key from memcached", "err", err, "key", key)
			}
		}
		return err
	})
	if err != nil {
		return buf, false
	}
	return item.Value, true
}

// StoreKey stores the key in the cache.
func (c *Memcached) StoreKey(ctx context.Context, key string, buf []byte) {
	err := measureRequest(ctx, "Memcache.Put", c.requestDuration, memcacheStatusCode, func(_ context.Context) error {
		item := memcache.Item{
			Key:        key,
			Value:      buf,
			Expiration: c.expiration,
		}
		return c.memcache.Set(&item)
	})
	if err != nil {
		level.Error(c.logger).Log("msg", "failed to put to memcached", "name", c.name, "err", err)
	}
}

func (c *Memcached) Stop() {
	c.memcache.Close()
}
