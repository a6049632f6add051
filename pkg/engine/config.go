package engine

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/syncstore/syncstore/internal/invalidation"
	"github.com/syncstore/syncstore/internal/metrics"
	"github.com/syncstore/syncstore/pkg/errors"
	"github.com/syncstore/syncstore/pkg/logging"
	"github.com/syncstore/syncstore/pkg/types"
)

// Config is the engine's full configuration surface.
type Config struct {
	Cache        CacheConfig         `yaml:"cache"`
	OfflineQueue QueueConfig         `yaml:"offline_queue"`
	Warming      WarmingConfig       `yaml:"warming"`
	Metrics      MetricsConfig       `yaml:"metrics"`
	Logging      logging.Config      `yaml:"logging"`
	Rules        []invalidation.Rule `yaml:"invalidation_rules"`
}

// CacheConfig bounds the memory tier and defaults the durable tier's TTL.
type CacheConfig struct {
	L1MaxEntries int `yaml:"l1_max_entries"`
	// L1MaxBytes is a human size string ("256MB"); empty disables the byte
	// ceiling.
	L1MaxBytes   string        `yaml:"l1_max_bytes"`
	L2DefaultTTL time.Duration `yaml:"l2_default_ttl"`
}

// QueueConfig tunes the offline queue's retry and drain behavior.
type QueueConfig struct {
	MaxRetries       int                    `yaml:"max_retries"`
	BaseDelay        time.Duration          `yaml:"base_delay"`
	MaxDelay         time.Duration          `yaml:"max_delay"`
	DrainInterval    time.Duration          `yaml:"drain_interval"`
	ConflictStrategy types.ConflictStrategy `yaml:"conflict_strategy"`
}

// WarmingConfig tunes the warming scheduler.
type WarmingConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// MetricsConfig selects the prometheus integration and the health bands.
type MetricsConfig struct {
	Prometheus bool               `yaml:"prometheus"`
	Thresholds metrics.Thresholds `yaml:"thresholds"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Cache: CacheConfig{
			L1MaxEntries: 10000,
			L1MaxBytes:   "64MB",
			L2DefaultTTL: 5 * time.Minute,
		},
		OfflineQueue: QueueConfig{
			MaxRetries:       3,
			BaseDelay:        time.Second,
			MaxDelay:         5 * time.Minute,
			DrainInterval:    30 * time.Second,
			ConflictStrategy: types.ConflictServerWins,
		},
		Warming: WarmingConfig{
			Concurrency: 4,
		},
		Metrics: MetricsConfig{
			Prometheus: false,
			Thresholds: metrics.DefaultThresholds(),
		},
	}
}

// LoadConfig reads a YAML configuration file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(errors.ErrCodeInvalidConfig, "failed to read config file", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrap(errors.ErrCodeInvalidConfig, "failed to parse config file", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Cache.L1MaxEntries <= 0 {
		return errors.New(errors.ErrCodeConfigValidation, "cache.l1_max_entries must be greater than 0")
	}
	if c.Cache.L1MaxBytes != "" {
		if _, err := parseSize(c.Cache.L1MaxBytes); err != nil {
			return err
		}
	}
	if c.OfflineQueue.MaxRetries <= 0 {
		return errors.New(errors.ErrCodeConfigValidation, "offline_queue.max_retries must be greater than 0")
	}
	if c.OfflineQueue.BaseDelay <= 0 {
		return errors.New(errors.ErrCodeConfigValidation, "offline_queue.base_delay must be positive")
	}
	if c.OfflineQueue.MaxDelay < c.OfflineQueue.BaseDelay {
		return errors.New(errors.ErrCodeConfigValidation, "offline_queue.max_delay must not undercut base_delay")
	}
	if s := c.OfflineQueue.ConflictStrategy; s != "" && !s.Valid() {
		return errors.Newf(errors.ErrCodeConfigValidation, "offline_queue.conflict_strategy: unknown strategy %q", s)
	}
	if c.Warming.Concurrency < 0 {
		return errors.New(errors.ErrCodeConfigValidation, "warming.concurrency must not be negative")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return errors.Wrap(errors.ErrCodeConfigValidation, "logging.level", err)
	}
	for _, rule := range c.Rules {
		if rule.OperationType == "" {
			return errors.New(errors.ErrCodeConfigValidation, "invalidation_rules: operation_type must not be empty")
		}
		if len(rule.KeyPatterns) == 0 && len(rule.TagsToEvict) == 0 {
			return errors.Newf(errors.ErrCodeConfigValidation,
				"invalidation_rules: rule for %q evicts nothing", rule.OperationType)
		}
	}
	return nil
}

func (c *Config) l1MaxBytes() int64 {
	if c.Cache.L1MaxBytes == "" {
		return 0
	}
	n, err := parseSize(c.Cache.L1MaxBytes)
	if err != nil {
		return 0
	}
	return n
}

// parseSize converts a human size string like "256MB" or "4GiB" to bytes. A
// bare number is bytes.
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, errors.New(errors.ErrCodeConfigValidation, "empty size string")
	}

	multipliers := []struct {
		suffix string
		factor int64
	}{
		{"TIB", 1 << 40}, {"TB", 1 << 40},
		{"GIB", 1 << 30}, {"GB", 1 << 30},
		{"MIB", 1 << 20}, {"MB", 1 << 20},
		{"KIB", 1 << 10}, {"KB", 1 << 10},
		{"B", 1},
	}

	factor := int64(1)
	num := s
	for _, m := range multipliers {
		if strings.HasSuffix(s, m.suffix) {
			factor = m.factor
			num = strings.TrimSpace(strings.TrimSuffix(s, m.suffix))
			break
		}
	}

	v, err := strconv.ParseFloat(num, 64)
	if err != nil || v < 0 {
		return 0, errors.Newf(errors.ErrCodeConfigValidation, "invalid size string %q", s)
	}
	return int64(v * float64(factor)), nil
}
