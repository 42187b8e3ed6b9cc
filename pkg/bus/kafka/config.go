package kafka

import (
	"flag"
	"fmt"
	"strings"
	"time"
)

// Config wires the bus contract onto an external Kafka cluster. Topics are
// expected to be single partition: the bus addresses messages by one dense
// offset per topic, so all traffic pins to Partition.
type Config struct {
	Brokers          string        `yaml:"brokers"`
	Partition        int           `yaml:"partition"`
	PollTimeout      time.Duration `yaml:"poll_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	FetchMaxBytes    int           `yaml:"fetch_max_bytes"`
	AutoCreateTopics bool          `yaml:"auto_create_topics"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Brokers, prefix+".brokers", "localhost:9092", "Comma-separated Kafka seed broker addresses.")
	f.IntVar(&cfg.Partition, prefix+".partition", 0, "Partition all bus topics live on.")
	f.DurationVar(&cfg.PollTimeout, prefix+".poll-timeout", time.Second, "How long a poll waits for records before returning an empty batch.")
	f.DurationVar(&cfg.RequestTimeout, prefix+".request-timeout", 10*time.Second, "Timeout for offset fetches and commits.")
	f.IntVar(&cfg.FetchMaxBytes, prefix+".fetch-max-bytes", 16_000_000, "Maximum bytes fetched per poll.")
	f.BoolVar(&cfg.AutoCreateTopics, prefix+".auto-create-topics", true, "Let the first produce create missing topics.")
}

func (cfg *Config) Validate() error {
	if len(cfg.brokerList()) == 0 {
		return fmt.Errorf("at least one kafka broker address required")
	}
	if cfg.Partition < 0 {
		return fmt.Errorf("kafka partition cannot be negative, got %d", cfg.Partition)
	}
	if cfg.PollTimeout <= 0 {
		return fmt.Errorf("positive kafka poll timeout required, got %s", cfg.PollTimeout)
	}
	if cfg.RequestTimeout <= 0 {
		return fmt.Errorf("positive kafka request timeout required, got %s", cfg.RequestTimeout)
	}
	if cfg.FetchMaxBytes <= 0 {
		return fmt.Errorf("positive kafka fetch size required, got %d", cfg.FetchMaxBytes)
	}
	return nil
}

func (cfg *Config) brokerList() []string {
	var out []string
	for _, b := range strings.Split(cfg.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
