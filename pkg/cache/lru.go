package cache

import (
	"context"
	"flag"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type LRUConfig struct {
	Size int `yaml:"size"`
}

func (cfg *LRUConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.Size, prefix+".size", 100000, "Maximum number of keys held by the lru backend.")
}

// LRU is an in-process cache backend. Entries expire after the shared cache
// TTL and the oldest entries are evicted once Size is reached.
type LRU struct {
	lru *expirable.LRU[string, []byte]
}

var _ Cache = (*LRU)(nil)

func NewLRU(cfg LRUConfig, ttl time.Duration) *LRU {
	size := cfg.Size
	if size <= 0 {
		size = 100000
	}
	return &LRU{
		lru: expirable.NewLRU[string, []byte](size, nil, ttl),
	}
}

func (c *LRU) FetchKey(_ context.Context, key string) ([]byte, bool) {
	return c.lru.Get(key)
}

func (c *LRU) StoreKey(_ context.Context, key string, buf []byte) {
	c.lru.Add(key, buf)
}

func (c *LRU) Stop() {}
