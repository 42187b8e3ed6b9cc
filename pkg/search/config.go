package search

import (
	"flag"
	"fmt"
	"time"
)

type Config struct {
	Sync    SyncConfig    `yaml:"sync"`
	Breaker BreakerConfig `yaml:"breaker"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Sync.RegisterFlagsAndApplyDefaults(prefix+".sync", f)
	cfg.Breaker.RegisterFlagsAndApplyDefaults(prefix+".breaker", f)
}

func (cfg *Config) Validate() error {
	return cfg.Sync.Validate()
}

// SyncConfig shapes both halves of index synchronization: the projector
// workers that tail product events and the reconciler that periodically
// re-merges the catalog.
type SyncConfig struct {
	BatchSize           int           `yaml:"batch_size"`
	ConsumerWorkers     int           `yaml:"consumer_workers"`
	IncrementalInterval time.Duration `yaml:"incremental_interval"`
	FullSyncOnStart     bool          `yaml:"full_sync_on_start"`
	RateLimit           float64       `yaml:"rate_limit"`
}

func (cfg *SyncConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.BatchSize, prefix+".batch-size", 100, "Products fetched per page during reconciler syncs.")
	f.IntVar(&cfg.ConsumerWorkers, prefix+".consumer-workers", 2, "Workers in the search projector consumer group.")
	f.DurationVar(&cfg.IncrementalInterval, prefix+".incremental-interval", 5*time.Minute, "How often recently updated products are re-merged into the index.")
	f.BoolVar(&cfg.FullSyncOnStart, prefix+".full-sync-on-start", true, "Run a full catalog sync when the reconciler starts. The index lives in memory, so a restart otherwise begins empty.")
	f.Float64Var(&cfg.RateLimit, prefix+".rate-limit", 0, "Index writes per second during syncs. 0 disables throttling.")
}

func (cfg *SyncConfig) Validate() error {
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("positive sync batch size required, got %d", cfg.BatchSize)
	}
	if cfg.ConsumerWorkers <= 0 {
		return fmt.Errorf("positive consumer worker count required, got %d", cfg.ConsumerWorkers)
	}
	if cfg.IncrementalInterval <= 0 {
		return fmt.Errorf("positive incremental sync interval required, got %s", cfg.IncrementalInterval)
	}
	if cfg.RateLimit < 0 {
		return fmt.Errorf("sync rate limit cannot be negative, got %f", cfg.RateLimit)
	}
	return nil
}
