package bus

import (
	"flag"
	"fmt"
	"time"
)

// ConsumerConfig tunes every worker created by the group manager.
type ConsumerConfig struct {
	BatchSize          int           `yaml:"batch_size"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	MaxRetries         int           `yaml:"max_retries"`
	RetryDelay         time.Duration `yaml:"retry_delay"`
	DefaultWorkerCount int           `yaml:"default_worker_count"`
}

func (cfg *ConsumerConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.BatchSize, prefix+".batch-size", 10, "Maximum number of messages returned by a single poll.")
	f.DurationVar(&cfg.PollInterval, prefix+".poll-interval", 100*time.Millisecond, "Sleep between polls that return no messages.")
	f.IntVar(&cfg.MaxRetries, prefix+".max-retries", 3, "Redeliveries attempted per message before dead-lettering it.")
	f.DurationVar(&cfg.RetryDelay, prefix+".retry-delay", time.Second, "Base delay for redelivery backoff. Attempt n waits retry-delay * 2^n.")
	f.IntVar(&cfg.DefaultWorkerCount, prefix+".default-worker-count", 3, "Workers started for a consumer group that does not specify a count.")
}

func (cfg *ConsumerConfig) Validate() error {
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("positive batch size required, got %d", cfg.BatchSize)
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("positive poll interval required, got %s", cfg.PollInterval)
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", cfg.MaxRetries)
	}
	if cfg.RetryDelay <= 0 {
		return fmt.Errorf("positive retry delay required, got %s", cfg.RetryDelay)
	}
	if cfg.DefaultWorkerCount <= 0 {
		return fmt.Errorf("positive default worker count required, got %d", cfg.DefaultWorkerCount)
	}
	return nil
}
