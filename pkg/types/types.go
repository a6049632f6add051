package types

import (
	"fmt"
	"time"
)

// TenantPrefix returns the storage namespace for a tenant. Every key placed
// in a cache tier is prefixed with it, which is what guarantees tenant
// isolation regardless of invalidation rules.
func TenantPrefix(tenantID string) string {
	return "t:" + tenantID + ":"
}

// TenantKey returns the fully namespaced storage key for a tenant-scoped key.
func TenantKey(tenantID, key string) string {
	return TenantPrefix(tenantID) + key
}

// CacheEntry is the unit stored in both cache tiers.
// ExpiresAt is the zero time when the entry does not expire. An entry whose
// ExpiresAt lies in the past is treated as absent by all readers; physical
// removal happens lazily on the next read that observes it.
type CacheEntry struct {
	Key       string    `msgpack:"key"`
	Value     []byte    `msgpack:"value"`
	TenantID  string    `msgpack:"tenant_id"`
	CreatedAt time.Time `msgpack:"created_at"`
	ExpiresAt time.Time `msgpack:"expires_at"`
	Tags      []string  `msgpack:"tags,omitempty"`
}

// Expired reports whether the entry is past its expiry at the given instant.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// HasTag reports whether the entry carries the given tag.
func (e *CacheEntry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// OperationStatus is the lifecycle state of a queued write operation.
type OperationStatus string

const (
	StatusPending   OperationStatus = "PENDING"
	StatusInFlight  OperationStatus = "IN_FLIGHT"
	StatusFailed    OperationStatus = "FAILED"
	StatusCompleted OperationStatus = "COMPLETED"
)

// QueuedOperation is a write operation preserved for replay. It is persisted
// to durable storage before any execution attempt, which is what makes the
// queue recoverable across process restarts.
type QueuedOperation struct {
	ID             string            `msgpack:"id"`
	Type           string            `msgpack:"type"`
	Variables      map[string]string `msgpack:"variables"`
	TenantID       string            `msgpack:"tenant_id"`
	Priority       int               `msgpack:"priority"`
	AttemptCount   int               `msgpack:"attempt_count"`
	MaxRetries     int               `msgpack:"max_retries"`
	CreatedAt      time.Time         `msgpack:"created_at"`
	LastAttemptAt  time.Time         `msgpack:"last_attempt_at"`
	NextAttemptAt  time.Time         `msgpack:"next_attempt_at"`
	Status         OperationStatus   `msgpack:"status"`
	IdempotencyKey string            `msgpack:"idempotency_key"`
	FailureReason  string            `msgpack:"failure_reason,omitempty"`
}

// ConflictStrategy selects how the queue resolves a version conflict reported
// by the network executor.
type ConflictStrategy string

const (
	// ConflictServerWins discards the local operation after invalidating the
	// keys it would have affected.
	ConflictServerWins ConflictStrategy = "server-wins"
	// ConflictClientWins re-issues the operation unconditionally.
	ConflictClientWins ConflictStrategy = "client-wins"
	// ConflictMerge invokes a caller-supplied merge function over the local
	// variables and the server state, then re-issues the merged operation.
	ConflictMerge ConflictStrategy = "merge"
	// ConflictManual parks the operation in the dead-letter view for human
	// resolution.
	ConflictManual ConflictStrategy = "manual"
)

// Valid reports whether s is a recognized strategy.
func (s ConflictStrategy) Valid() bool {
	switch s {
	case ConflictServerWins, ConflictClientWins, ConflictMerge, ConflictManual:
		return true
	}
	return false
}

// WarmingPriority orders warming tasks within a dependency rank.
type WarmingPriority int

const (
	WarmingHigh WarmingPriority = iota
	WarmingMedium
	WarmingLow
)

func (p WarmingPriority) String() string {
	switch p {
	case WarmingHigh:
		return "high"
	case WarmingMedium:
		return "medium"
	case WarmingLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// WarmingTrigger describes when a warming task fires. Zero values disable the
// corresponding trigger.
type WarmingTrigger struct {
	OnMount        bool
	OnTenantChange bool
	Interval       time.Duration
}

// WarmingTask declares a key that should be proactively loaded. Tasks are
// registered once at configuration time and re-evaluated each session; they
// are never persisted.
type WarmingTask struct {
	Key          string
	Priority     WarmingPriority
	Dependencies []string
	Trigger      WarmingTrigger
	Loader       Loader
	TTL          time.Duration
	Tags         []string
}

// MetricsSnapshot is an immutable point-in-time view of the engine's running
// counters. It is recomputed on demand, never stored.
type MetricsSnapshot struct {
	L1Hits         uint64        `json:"l1_hits"`
	L2Hits         uint64        `json:"l2_hits"`
	Misses         uint64        `json:"misses"`
	HitRate        float64       `json:"hit_rate"`
	LoaderCalls    uint64        `json:"loader_calls"`
	Invalidations  uint64        `json:"invalidations"`
	AverageLatency time.Duration `json:"average_latency"`
	MemoryBytes    int64         `json:"memory_bytes"`
	QueueDepth     int64         `json:"queue_depth"`
	DeadLetters    int64         `json:"dead_letters"`
	TakenAt        time.Time     `json:"taken_at"`
}

// HealthLevel is an ordinal severity band derived from a snapshot. It exists
// for observability and alerting only; no cache code path branches on it.
type HealthLevel string

const (
	HealthExcellent HealthLevel = "excellent"
	HealthGood      HealthLevel = "good"
	HealthPoor      HealthLevel = "poor"
	HealthCritical  HealthLevel = "critical"
)

// HealthReport classifies each snapshot dimension into a severity band.
type HealthReport struct {
	HitRate    HealthLevel `json:"hit_rate"`
	Latency    HealthLevel `json:"latency"`
	Memory     HealthLevel `json:"memory"`
	QueueDepth HealthLevel `json:"queue_depth"`
}
