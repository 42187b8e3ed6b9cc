package cache

import (
	"context"
	"flag"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kit/log"
	"github.com/grafana/gomemcache/memcache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tcs := []struct {
		name  string
		cfg   Config
		valid bool
	}{
		{name: "defaults", cfg: Config{}, valid: true},
		{name: "lru", cfg: Config{Backend: BackendLRU}, valid: true},
		{name: "memcached without addresses", cfg: Config{Backend: BackendMemcached}, valid: false},
		{name: "memcached", cfg: Config{Backend: BackendMemcached, Memcached: MemcachedConfig{Addresses: "localhost:11211"}}, valid: true},
		{name: "redis without endpoint", cfg: Config{Backend: BackendRedis}, valid: false},
		{name: "redis", cfg: Config{Backend: BackendRedis, Redis: RedisConfig{Endpoint: "localhost:6379"}}, valid: true},
		{name: "unknown backend", cfg: Config{Backend: "etcd"}, valid: false},
		{name: "negative ttl", cfg: Config{Backend: BackendLRU, TTL: -time.Second}, valid: false},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.valid {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("cache", flag.NewFlagSet("", flag.PanicOnError))

	assert.Equal(t, BackendLRU, cfg.Backend)
	assert.Equal(t, 24*time.Hour, cfg.TTL)
	assert.Equal(t, 100000, cfg.LRU.Size)
	assert.Equal(t, 100*time.Millisecond, cfg.Memcached.Timeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Redis.Timeout)
}

func TestNewPicksBackend(t *testing.T) {
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("cache", flag.NewFlagSet("", flag.PanicOnError))

	c, err := New("test", cfg, prometheus.NewRegistry(), log.NewNopLogger())
	require.NoError(t, err)
	defer c.Stop()
	_, ok := c.(*LRU)
	assert.True(t, ok)

	cfg.Backend = "bogus"
	_, err = New("test", cfg, prometheus.NewRegistry(), log.NewNopLogger())
	require.Error(t, err)
}

func TestLRURoundTrip(t *testing.T) {
	c := NewLRU(LRUConfig{Size: 10}, time.Hour)
	defer c.Stop()
	ctx := context.Background()

	_, found := c.FetchKey(ctx, "missing")
	assert.False(t, found)

	c.StoreKey(ctx, "k", []byte("v"))
	buf, found := c.FetchKey(ctx, "k")
	require.True(t, found)
	assert.Equal(t, []byte("v"), buf)
}

func TestLRUExpires(t *testing.T) {
	c := NewLRU(LRUConfig{Size: 10}, 20*time.Millisecond)
	defer c.Stop()
	ctx := context.Background()

	c.StoreKey(ctx, "k", []byte("v"))
	require.Eventually(t, func() bool {
		_, found := c.FetchKey(ctx, "k")
		return !found
	}, time.Second, 5*time.Millisecond)
}

type mockMemcachedClient struct {
	sync.Mutex
	contents map[string][]byte
	closed   bool
}

func newMockMemcachedClient() *mockMemcachedClient {
	return &mockMemcachedClient{contents: map[string][]byte{}}
}

func (m *mockMemcachedClient) Get(key string) (*memcache.Item, error) {
	m.Lock()
	defer m.Unlock()
	buf, ok := m.contents[key]
	if !ok {
		return nil, memcache.ErrCacheMiss
	}
	return &memcache.Item{Key: key, Value: buf}, nil
}

func (m *mockMemcachedClient) Set(item *memcache.Item) error {
	m.Lock()
	defer m.Unlock()
	m.contents[item.Key] = item.Value
	return nil
}

func (m *mockMemcachedClient) Close() {
	m.Lock()
	defer m.Unlock()
	m.closed = true
}

func TestMemcachedRoundTrip(t *testing.T) {
	client := newMockMemcachedClient()
	c := newMemcachedWithClient(client, time.Hour, "test", prometheus.NewRegistry(), log.NewNopLogger())
	ctx := context.Background()

	_, found := c.FetchKey(ctx, "missing")
	assert.False(t, found)

	c.StoreKey(ctx, "k", []byte("v"))
	buf, found := c.FetchKey(ctx, "k")
	require.True(t, found)
	assert.Equal(t, []byte("v"), buf)

	c.Stop()
	assert.True(t, client.closed)
}

func TestMemcacheStatusCode(t *testing.T) {
	assert.Equal(t, "404", memcacheStatusCode(memcache.ErrCacheMiss))
	assert.Equal(t, "400", memcacheStatusCode(memcache.ErrMalformedKey))
	assert.Equal(t, "500", memcacheStatusCode(assert.AnError))
	assert.Equal(t, "200", memcacheStatusCode(nil))
}

func TestRedisRoundTrip(t *testing.T) {
	s := miniredis.RunT(t)

	c := NewRedis(RedisConfig{Endpoint: s.Addr(), Timeout: time.Second}, time.Hour, "test", prometheus.NewRegistry(), log.NewNopLogger())
	defer c.Stop()
	ctx := context.Background()

	_, found := c.FetchKey(ctx, "missing")
	assert.False(t, found)

	c.StoreKey(ctx, "k", []byte("v"))
	buf, found := c.FetchKey(ctx, "k")
	require.True(t, found)
	assert.Equal(t, []byte("v"), buf)
}

func TestRedisExpires(t *testing.T) {
	s := miniredis.RunT(t)

	c := NewRedis(RedisConfig{Endpoint: s.Addr(), Timeout: time.Second}, time.Minute, "test", prometheus.NewRegistry(), log.NewNopLogger())
	defer c.Stop()
	ctx := context.Background()

	c.StoreKey(ctx, "k", []byte("v"))
	s.FastForward(2 * time.Minute)

	_, found := c.FetchKey(ctx, "k")
	assert.False(t, found)
}
