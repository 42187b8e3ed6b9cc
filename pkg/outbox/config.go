package outbox

import (
	"flag"
	"fmt"
	"time"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

type Config struct {
	BatchSize          int           `yaml:"batch_size"`
	ProcessingInterval time.Duration `yaml:"processing_interval"`
	RetryInterval      time.Duration `yaml:"retry_interval"`
	MaxRetries         int           `yaml:"max_retries"`
	CleanupAfterDays   int           `yaml:"cleanup_after_days"`

	Store StoreConfig `yaml:"store"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.BatchSize, prefix+".batch-size", 50, "Maximum number of outbox events claimed per dispatch pass.")
	f.DurationVar(&cfg.ProcessingInterval, prefix+".processing-interval", 5*time.Second, "How often fresh outbox events are scanned.")
	f.DurationVar(&cfg.RetryInterval, prefix+".retry-interval", 10*time.Second, "How often failed outbox events are rescanned.")
	f.IntVar(&cfg.MaxRetries, prefix+".max-retries", 5, "Publish attempts before an outbox event is left dead-lettered in the store.")
	f.IntVar(&cfg.CleanupAfterDays, prefix+".cleanup-after-days", 7, "Days processed events are kept before the janitor removes them. 0 disables cleanup.")
	f.StringVar(&cfg.Store.Backend, prefix+".store.backend", BackendMemory, "Outbox store backend. Either memory or postgres.")
}

func (cfg *Config) Validate() error {
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("outbox batch size must be positive")
	}
	if cfg.ProcessingInterval <= 0 || cfg.RetryInterval <= 0 {
		return fmt.Errorf("outbox scan intervals must be positive")
	}
	if cfg.MaxRetries < 1 {
		return fmt.Errorf("outbox max retries must be at least 1")
	}
	if cfg.CleanupAfterDays < 0 {
		return fmt.Errorf("outbox cleanup-after-days must not be negative")
	}
	switch cfg.Store.Backend {
	case BackendMemory, BackendPostgres:
	default:
		return fmt.Errorf("unknown outbox store backend %q", cfg.Store.Backend)
	}
	return nil
}
