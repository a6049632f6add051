// Package metrics aggregates the engine's running counters into on-demand
// snapshots and ordinal health classifications. Counters are updated on the
// hot path with atomics only; snapshots and classification run off it.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/syncstore/syncstore/pkg/types"
)

// Recorder accumulates cache and queue counters. It implements
// types.EventListener so the engine can fan events straight into it.
type Recorder struct {
	l1Hits        atomic.Uint64
	l2Hits        atomic.Uint64
	misses        atomic.Uint64
	loaderCalls   atomic.Uint64
	invalidations atomic.Uint64
	latencySum    atomic.Int64
	latencyCount  atomic.Int64
	memoryBytes   atomic.Int64
	queueDepth    atomic.Int64
	deadLetters   atomic.Int64

	prom *promMetrics
}

// promMetrics is the optional Prometheus view of the recorder.
type promMetrics struct {
	hits          *prometheus.CounterVec
	misses        prometheus.Counter
	loaderCalls   prometheus.Counter
	invalidations prometheus.Counter
	latency       prometheus.Histogram
	memoryBytes   prometheus.Gauge
	queueDepth    prometheus.Gauge
	deadLetters   prometheus.Gauge
}

// Option customizes a Recorder.
type Option func(*Recorder) error

// WithPrometheus registers the recorder's metric families with reg.
func WithPrometheus(reg prometheus.Registerer) Option {
	return func(r *Recorder) error {
		p := &promMetrics{
			hits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "syncstore",
				Name:      "cache_hits_total",
				Help:      "Cache hits by tier",
			}, []string{"tier"}),
			misses: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "syncstore",
				Name:      "cache_misses_total",
				Help:      "Cache misses across all tiers",
			}),
			loaderCalls: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "syncstore",
				Name:      "loader_invocations_total",
				Help:      "Loader invocations on cache misses",
			}),
			invalidations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "syncstore",
				Name:      "cache_invalidated_entries_total",
				Help:      "Entries removed by invalidation",
			}),
			latency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "syncstore",
				Name:      "read_duration_seconds",
				Help:      "Cache read latency including loader time",
				Buckets:   prometheus.DefBuckets,
			}),
			memoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "syncstore",
				Name:      "l1_memory_bytes",
				Help:      "Estimated bytes resident in the memory tier",
			}),
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "syncstore",
				Name:      "offline_queue_depth",
				Help:      "Operations awaiting completion in the offline queue",
			}),
			deadLetters: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "syncstore",
				Name:      "offline_queue_dead_letters",
				Help:      "Operations parked after exhausting retries",
			}),
		}
		for _, c := range []prometheus.Collector{
			p.hits, p.misses, p.loaderCalls, p.invalidations,
			p.latency, p.memoryBytes, p.queueDepth, p.deadLetters,
		} {
			if err := reg.Register(c); err != nil {
				return err
			}
		}
		r.prom = p
		return nil
	}
}

// NewRecorder builds a recorder. With no options it is purely in-memory.
func NewRecorder(opts ...Option) (*Recorder, error) {
	r := &Recorder{}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

var _ types.EventListener = (*Recorder)(nil)

func (r *Recorder) CacheHit(tier, _, _ string) {
	switch tier {
	case "l1":
		r.l1Hits.Add(1)
	case "l2":
		r.l2Hits.Add(1)
	}
	if r.prom != nil {
		r.prom.hits.WithLabelValues(tier).Inc()
	}
}

func (r *Recorder) CacheMiss(_, _ string) {
	r.misses.Add(1)
	if r.prom != nil {
		r.prom.misses.Inc()
	}
}

func (r *Recorder) CacheInvalidated(_ string, removed int) {
	r.invalidations.Add(uint64(removed))
	if r.prom != nil {
		r.prom.invalidations.Add(float64(removed))
	}
}

func (r *Recorder) LoaderInvoked(_, _ string) {
	r.loaderCalls.Add(1)
	if r.prom != nil {
		r.prom.loaderCalls.Inc()
	}
}

func (r *Recorder) QueueEnqueued(_, _ string) {
	r.setQueueDepth(r.queueDepth.Add(1))
}

func (r *Recorder) QueueDrained(_, _ string) {
	r.setQueueDepth(r.queueDepth.Add(-1))
}

func (r *Recorder) QueueDeadLettered(_, _ string) {
	r.setQueueDepth(r.queueDepth.Add(-1))
	n := r.deadLetters.Add(1)
	if r.prom != nil {
		r.prom.deadLetters.Set(float64(n))
	}
}

// ObserveLatency records one read's duration, loader time included.
func (r *Recorder) ObserveLatency(d time.Duration) {
	r.latencySum.Add(int64(d))
	r.latencyCount.Add(1)
	if r.prom != nil {
		r.prom.latency.Observe(d.Seconds())
	}
}

// SetMemoryBytes refreshes the memory-tier footprint estimate.
func (r *Recorder) SetMemoryBytes(n int64) {
	r.memoryBytes.Store(n)
	if r.prom != nil {
		r.prom.memoryBytes.Set(float64(n))
	}
}

// SetQueueDepth overrides the event-derived depth with an authoritative
// count from the queue's storage.
func (r *Recorder) SetQueueDepth(n int64) {
	r.queueDepth.Store(n)
	r.setQueueDepth(n)
}

// SetDeadLetters overrides the event-derived dead-letter count.
func (r *Recorder) SetDeadLetters(n int64) {
	r.deadLetters.Store(n)
	if r.prom != nil {
		r.prom.deadLetters.Set(float64(n))
	}
}

func (r *Recorder) setQueueDepth(n int64) {
	if r.prom != nil {
		r.prom.queueDepth.Set(float64(n))
	}
}

// Snapshot reads the running counters into an immutable value. It never
// mutates state and may be called at any frequency.
func (r *Recorder) Snapshot() types.MetricsSnapshot {
	l1 := r.l1Hits.Load()
	l2 := r.l2Hits.Load()
	misses := r.misses.Load()

	snap := types.MetricsSnapshot{
		L1Hits:        l1,
		L2Hits:        l2,
		Misses:        misses,
		LoaderCalls:   r.loaderCalls.Load(),
		Invalidations: r.invalidations.Load(),
		MemoryBytes:   r.memoryBytes.Load(),
		QueueDepth:    r.queueDepth.Load(),
		DeadLetters:   r.deadLetters.Load(),
		TakenAt:       time.Now(),
	}
	if total := l1 + l2 + misses; total > 0 {
		snap.HitRate = float64(l1+l2) / float64(total)
	}
	if count := r.latencyCount.Load(); count > 0 {
		snap.AverageLatency = time.Duration(r.latencySum.Load() / count)
	}
	return snap
}
