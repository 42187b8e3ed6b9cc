package search

import (
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("search", flag.NewFlagSet("", flag.PanicOnError))

	require.Equal(t, 100, cfg.Sync.BatchSize)
	require.Equal(t, 2, cfg.Sync.ConsumerWorkers)
	require.Equal(t, 5*time.Minute, cfg.Sync.IncrementalInterval)
	require.True(t, cfg.Sync.FullSyncOnStart)
	require.Zero(t, cfg.Sync.RateLimit)
	require.False(t, cfg.Breaker.Enabled)
	require.Equal(t, 5, cfg.Breaker.ConsecutiveFailures)
	require.Equal(t, 30*time.Second, cfg.Breaker.Timeout)
	require.NoError(t, cfg.Validate())
}

func TestSyncConfigValidate(t *testing.T) {
	testCases := []struct {
		name     string
		mutate   func(*SyncConfig)
		expected string
	}{
		{
			name:   "defaults pass",
			mutate: func(*SyncConfig) {},
		},
		{
			name:     "batch size",
			mutate:   func(cfg *SyncConfig) { cfg.BatchSize = 0 },
			expected: "positive sync batch size required",
		},
		{
			name:     "workers",
			mutate:   func(cfg *SyncConfig) { cfg.ConsumerWorkers = -1 },
			expected: "positive consumer worker count required",
		},
		{
			name:     "interval",
			mutate:   func(cfg *SyncConfig) { cfg.IncrementalInterval = 0 },
			expected: "positive incremental sync interval required",
		},
		{
			name:     "rate limit",
			mutate:   func(cfg *SyncConfig) { cfg.RateLimit = -1 },
			expected: "sync rate limit cannot be negative",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := SyncConfig{}
			cfg.RegisterFlagsAndApplyDefaults("search.sync", flag.NewFlagSet("", flag.PanicOnError))
			tc.mutate(&cfg)

			err := cfg.Validate()
			if tc.expected == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.expected)
		})
	}
}
