package metrics

import (
	"time"

	"github.com/syncstore/syncstore/pkg/types"
)

// Thresholds delimit the severity bands for each snapshot dimension. Hit
// rate is higher-is-better; the rest are lower-is-better. A value on a
// boundary lands in the better band.
type Thresholds struct {
	HitRateExcellent float64 `yaml:"hit_rate_excellent"`
	HitRateGood      float64 `yaml:"hit_rate_good"`
	HitRatePoor      float64 `yaml:"hit_rate_poor"`

	LatencyExcellent time.Duration `yaml:"latency_excellent"`
	LatencyGood      time.Duration `yaml:"latency_good"`
	LatencyPoor      time.Duration `yaml:"latency_poor"`

	MemoryExcellent int64 `yaml:"memory_excellent"`
	MemoryGood      int64 `yaml:"memory_good"`
	MemoryPoor      int64 `yaml:"memory_poor"`

	QueueDepthExcellent int64 `yaml:"queue_depth_excellent"`
	QueueDepthGood      int64 `yaml:"queue_depth_good"`
	QueueDepthPoor      int64 `yaml:"queue_depth_poor"`
}

// DefaultThresholds returns the stock severity bands.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HitRateExcellent: 0.90,
		HitRateGood:      0.70,
		HitRatePoor:      0.40,

		LatencyExcellent: 5 * time.Millisecond,
		LatencyGood:      25 * time.Millisecond,
		LatencyPoor:      100 * time.Millisecond,

		MemoryExcellent: 64 << 20,
		MemoryGood:      256 << 20,
		MemoryPoor:      1 << 30,

		QueueDepthExcellent: 0,
		QueueDepthGood:      10,
		QueueDepthPoor:      100,
	}
}

// Classify maps a snapshot's raw numbers into ordinal severity bands. It is
// observability-only; nothing on the cache hot path consults the result.
func Classify(snap types.MetricsSnapshot, th Thresholds) types.HealthReport {
	return types.HealthReport{
		HitRate:    classifyHigh(snap.HitRate, th.HitRateExcellent, th.HitRateGood, th.HitRatePoor),
		Latency:    classifyLow(int64(snap.AverageLatency), int64(th.LatencyExcellent), int64(th.LatencyGood), int64(th.LatencyPoor)),
		Memory:     classifyLow(snap.MemoryBytes, th.MemoryExcellent, th.MemoryGood, th.MemoryPoor),
		QueueDepth: classifyLow(snap.QueueDepth, th.QueueDepthExcellent, th.QueueDepthGood, th.QueueDepthPoor),
	}
}

func classifyHigh(v, excellent, good, poor float64) types.HealthLevel {
	switch {
	case v >= excellent:
		return types.HealthExcellent
	case v >= good:
		return types.HealthGood
	case v >= poor:
		return types.HealthPoor
	default:
		return types.HealthCritical
	}
}

func classifyLow(v, excellent, good, poor int64) types.HealthLevel {
	switch {
	case v <= excellent:
		return types.HealthExcellent
	case v <= good:
		return types.HealthGood
	case v <= poor:
		return types.HealthPoor
	default:
		return types.HealthCritical
	}
}
