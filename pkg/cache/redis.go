package cache

import (
	"context"
	"errors"
	"flag"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"
	instr "github.com/grafana/dskit/instrument"
	"github.com/prometheus/client_golang/prometheus"
)

type RedisConfig struct {
	Endpoint string        `yaml:"endpoint"`
	DB       int           `yaml:"db"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
	PoolSize int           `yaml:"pool_size"`
}

func (cfg *RedisConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Endpoint, prefix+".endpoint", "", "Redis endpoint to use when the redis backend is selected.")
	f.IntVar(&cfg.DB, prefix+".db", 0, "Database index.")
	f.StringVar(&cfg.Password, prefix+".password", "", "Password to use when connecting to redis.")
	f.DurationVar(&cfg.Timeout, prefix+".timeout", 500*time.Millisecond, "Maximum time to wait for a redis request.")
	f.IntVar(&cfg.PoolSize, prefix+".pool-size", 0, "Maximum number of redis connections. 0 uses the client default.")
}

// Redis caches keys in redis.
type Redis struct {
	client          *redis.Client
	name            string
	ttl             time.Duration
	requestDuration *instr.HistogramCollector
	logger          log.Logger
}

var _ Cache = (*Redis)(nil)

// NewRedis makes a new Redis.
func NewRedis(cfg RedisConfig, ttl time.Duration, name string, reg prometheus.Registerer, logger log.Logger) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Endpoint,
		DB:           cfg.DB,
		Password:     cfg.Password,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		PoolSize:     cfg.PoolSize,
	})
	return &Redis{
		client:          client,
		name:            name,
		ttl:             ttl,
		logger:          logger,
		requestDuration: newRequestDurationCollector("redis", name, reg),
	}
}

func redisStatusCode(err error) string {
	if errors.Is(err, redis.Nil) {
		return "404"
	}
	if err != nil {
		return "500"
	}
	return "200"
}

// FetchKey gets a single key from the cache
func (c *Redis) FetchKey(ctx context.Context, key string) (buf []byte, found bool) {
	err := measureRequest(ctx, "Redis.Get", c.requestDuration, redisStatusCode, func(ctx context.Context) error {
		var err error
		buf, err = c.client.Get(ctx, key).Bytes()
		return err
	})
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			level.Error(c.logger).Log("msg", "Error getting key from redis", "err", err, "key", key)
		}
		return nil, false
	}
	return buf, true
}

// StoreKey stores the key in the cache.
func (c *Redis) StoreKey(ctx context.Context, key string, buf []byte) {
	err := measureRequest(ctx, "Redis.Set", c.requestDuration, redisStatusCode, func(ctx context.Context) error {
		return c.client.Set(ctx, key, buf, c.ttl).Err()
	})
	if err != nil {
		level.Error(c.logger).Log("msg", "failed to put to redis", "name", c.name, "err", err)
	}
}

func (c *Redis) Stop() {
	if err := c.client.Close(); err != nil {
		level.Error(c.logger).Log("msg", "error closing redis client", "name", c.name, "err", err)
	}
}
