package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncstore/syncstore/internal/invalidation"
	"github.com/syncstore/syncstore/pkg/types"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	raw := `
cache:
  l1_max_entries: 500
  l1_max_bytes: 8MB
  l2_default_ttl: 90s
offline_queue:
  max_retries: 5
  base_delay: 250ms
  conflict_strategy: client-wins
invalidation_rules:
  - operation_type: updateCustomer
    key_patterns:
      - "customer:{customerId}"
    tags_to_evict:
      - customers
`
	path := filepath.Join(t.TempDir(), "syncstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.Cache.L1MaxEntries)
	assert.Equal(t, int64(8<<20), cfg.l1MaxBytes())
	assert.Equal(t, 90*time.Second, cfg.Cache.L2DefaultTTL)
	assert.Equal(t, 5, cfg.OfflineQueue.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.OfflineQueue.BaseDelay)
	assert.Equal(t, types.ConflictClientWins, cfg.OfflineQueue.ConflictStrategy)
	require.Len(t, cfg.Rules, 1)
	assert.Equal(t, "updateCustomer", cfg.Rules[0].OperationType)

	// Untouched fields keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.OfflineQueue.DrainInterval)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero l1 entries", func(c *Config) { c.Cache.L1MaxEntries = 0 }},
		{"bad size string", func(c *Config) { c.Cache.L1MaxBytes = "lots" }},
		{"zero retries", func(c *Config) { c.OfflineQueue.MaxRetries = 0 }},
		{"max delay below base", func(c *Config) { c.OfflineQueue.MaxDelay = c.OfflineQueue.BaseDelay / 2 }},
		{"unknown strategy", func(c *Config) { c.OfflineQueue.ConflictStrategy = "coin-flip" }},
		{"rule without effect", func(c *Config) {
			c.Rules = []invalidation.Rule{{OperationType: "updateCustomer"}}
		}},
		{"rule without operation type", func(c *Config) {
			c.Rules = []invalidation.Rule{{KeyPatterns: []string{"customer:*"}}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "0", want: 0},
		{in: "1024", want: 1024},
		{in: "4KB", want: 4096},
		{in: "8MB", want: 8 << 20},
		{in: "2GiB", want: 2 << 30},
		{in: "1.5MB", want: 3 << 19},
		{in: " 64 mb ", want: 64 << 20},
		{in: "abc", wantErr: true},
		{in: "-1MB", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseSize(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
