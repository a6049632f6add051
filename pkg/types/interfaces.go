package types

import (
	"context"
	"time"
)

// Loader fetches a value from the network (or any slow origin) on a cache
// miss. The engine treats it as opaque; errors it returns propagate to the
// caller of Get unmodified.
type Loader func(ctx context.Context) ([]byte, error)

// GetOptions tune a single TieredCache.Get call.
type GetOptions struct {
	TenantID string
	// Loader, when non-nil, is invoked on a full miss and its result is
	// stored in both tiers before being returned.
	Loader Loader
	// LoaderTimeout bounds the loader invocation. Zero means no deadline
	// beyond the caller's context.
	LoaderTimeout time.Duration
	// TTL applies to the entry written on a loader populate. Zero uses the
	// manager's default.
	TTL time.Duration
	// Tags are attached to the entry written on a loader populate.
	Tags []string
}

// SetOptions tune a single TieredCache.Set call.
type SetOptions struct {
	TenantID string
	TTL      time.Duration
	Tags     []string
}

// TieredCache is the read/write surface of the L1/L2 cache hierarchy. All
// tier mutation goes through it; no direct tier access is exposed.
type TieredCache interface {
	// Get checks L1, then L2 (promoting a hit to L1), then the loader if one
	// is supplied. A miss with no loader returns an error satisfying
	// errors.IsNotFound; a loader timeout returns an error satisfying
	// errors.IsTimeout with no partial entry left behind.
	Get(ctx context.Context, key string, opts GetOptions) ([]byte, error)

	// Set writes to both tiers. The L2 write completes or fails before Set
	// returns; an L2 storage failure is logged and degrades that Set to
	// L1-only rather than surfacing to the caller.
	Set(ctx context.Context, key string, value []byte, opts SetOptions) error

	// Delete removes the key from both tiers.
	Delete(ctx context.Context, tenantID, key string) error

	// InvalidatePattern removes all of the tenant's entries whose key matches
	// the glob pattern. Idempotent; returns the number of entries removed.
	InvalidatePattern(ctx context.Context, tenantID, pattern string) (int, error)

	// InvalidateByTag removes all of the tenant's entries carrying the tag.
	InvalidateByTag(ctx context.Context, tenantID, tag string) (int, error)
}

// Store is the persistent storage contract consumed by the L2 tier and the
// offline queue. Implementations are durable across process restarts and may
// enforce byte-size quotas that fail writes with a quota error.
type Store interface {
	// Get returns (value, true, nil) on hit and (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key. A store over its quota returns an error
	// satisfying errors.IsQuotaExceeded.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// ScanPrefix returns all keys beginning with prefix, in no particular
	// order.
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)

	// Close releases resources held by the store.
	Close(ctx context.Context) error
}

// Operation is a semantic write operation submitted to the offline queue.
// Concrete write operations are typed structs implementing this interface,
// so the set of operation types is closed at compile time rather than an
// open string-keyed bag.
type Operation interface {
	// OperationType identifies the operation for invalidation-rule lookup.
	OperationType() string
	// OperationVariables returns the named values the operation carries,
	// used for both execution and invalidation-pattern substitution.
	OperationVariables() map[string]string
}

// Executor is the injected network capability used to execute write
// operations. Errors it returns are classified through pkg/errors: transient
// errors drive retry backoff, conflict errors drive the configured conflict
// strategy, and anything fatal dead-letters the operation.
type Executor interface {
	Execute(ctx context.Context, opType string, variables map[string]string, idempotencyKey string) ([]byte, error)
}

// MergeFunc resolves a version conflict under the "merge" strategy. It
// receives the local operation's variables and the server state carried by
// the conflict error, and returns the variables to re-issue. Returning an
// error dead-letters the operation; a nil map re-issues the local variables
// unchanged. The returned map must be complete: it replaces, not patches,
// the local variables.
type MergeFunc func(local map[string]string, serverState []byte) (map[string]string, error)

// EventListener receives the engine's observable events. Implementations
// must be cheap; they are called on hot paths.
type EventListener interface {
	CacheHit(tier, tenantID, key string)
	CacheMiss(tenantID, key string)
	CacheInvalidated(tenantID string, removed int)
	LoaderInvoked(tenantID, key string)
	QueueEnqueued(id, tenantID string)
	QueueDrained(id, tenantID string)
	QueueDeadLettered(id, tenantID string)
}

// NopListener is the default no-op EventListener.
type NopListener struct{}

func (NopListener) CacheHit(string, string, string)  {}
func (NopListener) CacheMiss(string, string)         {}
func (NopListener) CacheInvalidated(string, int)     {}
func (NopListener) LoaderInvoked(string, string)     {}
func (NopListener) QueueEnqueued(string, string)     {}
func (NopListener) QueueDrained(string, string)      {}
func (NopListener) QueueDeadLettered(string, string) {}

// MultiListener fans events out to several listeners in order.
type MultiListener []EventListener

func (m MultiListener) CacheHit(tier, tenantID, key string) {
	for _, l := range m {
		l.CacheHit(tier, tenantID, key)
	}
}

func (m MultiListener) CacheMiss(tenantID, key string) {
	for _, l := range m {
		l.CacheMiss(tenantID, key)
	}
}

func (m MultiListener) CacheInvalidated(tenantID string, removed int) {
	for _, l := range m {
		l.CacheInvalidated(tenantID, removed)
	}
}

func (m MultiListener) LoaderInvoked(tenantID, key string) {
	for _, l := range m {
		l.LoaderInvoked(tenantID, key)
	}
}

func (m MultiListener) QueueEnqueued(id, tenantID string) {
	for _, l := range m {
		l.QueueEnqueued(id, tenantID)
	}
}

func (m MultiListener) QueueDrained(id, tenantID string) {
	for _, l := range m {
		l.QueueDrained(id, tenantID)
	}
}

func (m MultiListener) QueueDeadLettered(id, tenantID string) {
	for _, l := range m {
		l.QueueDeadLettered(id, tenantID)
	}
}
