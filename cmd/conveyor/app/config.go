package app

import (
	"flag"
	"fmt"

	"github.com/grafana/dskit/flagext"
	"github.com/grafana/dskit/multierror"
	"github.com/grafana/dskit/server"

	"github.com/catalogkit/conveyor/pkg/bus"
	"github.com/catalogkit/conveyor/pkg/bus/kafka"
	"github.com/catalogkit/conveyor/pkg/cache"
	"github.com/catalogkit/conveyor/pkg/outbox"
	"github.com/catalogkit/conveyor/pkg/postgres"
	"github.com/catalogkit/conveyor/pkg/search"
	"github.com/catalogkit/conveyor/pkg/util"
)

const (
	BusBackendMemory = "memory"
	BusBackendKafka  = "kafka"
)

// Config is the root config for App.
type Config struct {
	Target                 string `yaml:"target,omitempty"`
	EnableGoRuntimeMetrics bool   `yaml:"enable_go_runtime_metrics,omitempty"`
	HTTPAPIPrefix          string `yaml:"http_api_prefix"`

	Server   server.Config   `yaml:"server,omitempty"`
	Bus      BusConfig       `yaml:"bus,omitempty"`
	Outbox   outbox.Config   `yaml:"outbox,omitempty"`
	Postgres postgres.Config `yaml:"postgres,omitempty"`
	Cache    cache.Config    `yaml:"cache,omitempty"`
	Search   search.Config   `yaml:"search,omitempty"`
}

// BusConfig selects the broker backend and carries the halves shared by both:
// the consumer tuning used by every group and the Kafka client settings used
// when the backend is kafka.
type BusConfig struct {
	Backend  string             `yaml:"backend"`
	Consumer bus.ConsumerConfig `yaml:"consumer"`
	Kafka    kafka.Config       `yaml:"kafka"`
}

func (cfg *BusConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Backend, prefix+".backend", BusBackendMemory, "Bus backend. Either memory or kafka.")
	cfg.Consumer.RegisterFlagsAndApplyDefaults(prefix+".consumer", f)
	cfg.Kafka.RegisterFlagsAndApplyDefaults(prefix+".kafka", f)
}

func (cfg *BusConfig) Validate() error {
	switch cfg.Backend {
	case BusBackendMemory:
	case BusBackendKafka:
		if err := cfg.Kafka.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown bus backend %q", cfg.Backend)
	}
	return cfg.Consumer.Validate()
}

// NewDefaultConfig returns a Config with all defaults applied.
func NewDefaultConfig() *Config {
	c := &Config{}
	c.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("", flag.PanicOnError))
	return c
}

// RegisterFlagsAndApplyDefaults registers flags and sets defaults.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.Target = SingleBinary
	f.StringVar(&c.Target, "target", SingleBinary, "target module")
	f.BoolVar(&c.EnableGoRuntimeMetrics, "enable-go-runtime-metrics", false, "Set to true to enable all Go runtime metrics.")
	f.StringVar(&c.HTTPAPIPrefix, "http-api-prefix", "", "String prefix for all http api endpoints.")

	// Server settings. Only the listen ports and log level are exposed as
	// flags; the rest of the server block is yaml-only.
	flagext.DefaultValues(&c.Server)
	c.Server.LogLevel.RegisterFlags(f)
	f.IntVar(&c.Server.HTTPListenPort, "server.http-listen-port", 3200, "HTTP server listen port.")
	f.IntVar(&c.Server.GRPCListenPort, "server.grpc-listen-port", 9095, "gRPC server listen port.")

	c.Bus.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "bus"), f)
	c.Outbox.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "outbox"), f)
	c.Postgres.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "postgres"), f)
	c.Cache.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "cache"), f)
	c.Search.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "search"), f)
}

// Validate collects every hard configuration error at once.
func (c *Config) Validate() error {
	errs := multierror.New()
	errs.Add(c.Bus.Validate())
	errs.Add(c.Outbox.Validate())
	errs.Add(c.Cache.Validate())
	errs.Add(c.Search.Validate())
	if c.Outbox.Store.Backend == outbox.BackendPostgres && c.Postgres.URL == "" {
		errs.Add(fmt.Errorf("postgres outbox store requires postgres.url"))
	}
	return errs.Err()
}

// ConfigWarning bundles a warning message with a possible explanation.
type ConfigWarning struct {
	Message string
	Explain string
}

var (
	warnOutboxCleanupDisabled = ConfigWarning{
		Message: "outbox.cleanup-after-days is 0",
		Explain: "Processed outbox events are never removed and the store grows without bound",
	}
	warnFullSyncOnStartDisabled = ConfigWarning{
		Message: "search.sync.full-sync-on-start is false",
		Explain: "The search index starts empty after a restart and heals only through new events, incremental syncs or a manual full sync",
	}
	warnKafkaWithMemoryOutbox = ConfigWarning{
		Message: "bus backend is kafka but the outbox store is memory",
		Explain: "Pending events do not survive a restart even though the bus is durable",
	}
)

// CheckConfig checks for suspect but legal configurations.
func (c *Config) CheckConfig() []ConfigWarning {
	var warnings []ConfigWarning

	if c.Outbox.CleanupAfterDays == 0 {
		warnings = append(warnings, warnOutboxCleanupDisabled)
	}

	if !c.Search.Sync.FullSyncOnStart {
		warnings = append(warnings, warnFullSyncOnStartDisabled)
	}

	if c.Bus.Backend == BusBackendKafka && c.Outbox.Store.Backend == outbox.BackendMemory {
		warnings = append(warnings, warnKafkaWithMemoryOutbox)
	}

	return warnings
}
