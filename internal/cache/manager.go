package cache

import (
	"context"
	stderr "errors"
	"time"

	"github.com/gobwas/glob"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/syncstore/syncstore/internal/tier"
	"github.com/syncstore/syncstore/pkg/errors"
	"github.com/syncstore/syncstore/pkg/types"
)

// Options configure a Manager. L1 and Store are required.
type Options struct {
	// L1MaxEntries bounds the memory tier's entry count.
	L1MaxEntries int
	// L1MaxBytes bounds the memory tier's resident bytes; 0 disables.
	L1MaxBytes int64
	// Store is the durable backend for the L2 tier.
	Store types.Store
	// DefaultTTL applies when a Set or loader populate passes no TTL.
	// Zero means entries do not expire.
	DefaultTTL time.Duration
	// Listener receives cache events. Nil means no-op.
	Listener types.EventListener
	// Logger defaults to zap.NewNop().
	Logger *zap.Logger
	// LatencyHook, when non-nil, observes the duration of every Get.
	LatencyHook func(time.Duration)
}

// Manager owns the L1/L2 entry lifecycles. All tier mutation goes through
// it; callers never touch the tiers directly.
type Manager struct {
	l1          *tier.L1
	l2          *tier.L2
	defaultTTL  time.Duration
	listener    types.EventListener
	log         *zap.Logger
	latencyHook func(time.Duration)
	loads       singleflight.Group
}

var _ types.TieredCache = (*Manager)(nil)

// NewManager builds the tiered cache manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "cache: store is required")
	}
	l1, err := tier.NewL1(opts.L1MaxEntries, opts.L1MaxBytes)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		l1:          l1,
		l2:          tier.NewL2(opts.Store),
		defaultTTL:  opts.DefaultTTL,
		listener:    opts.Listener,
		log:         opts.Logger,
		latencyHook: opts.LatencyHook,
	}
	if m.listener == nil {
		m.listener = types.NopListener{}
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	return m, nil
}

// Get implements the L1 -> L2 -> loader lookup path.
func (m *Manager) Get(ctx context.Context, key string, opts types.GetOptions) ([]byte, error) {
	if m.latencyHook != nil {
		start := time.Now()
		defer func() { m.latencyHook(time.Since(start)) }()
	}

	k := types.TenantKey(opts.TenantID, key)
	now := time.Now()

	if entry, ok := m.l1.Get(k); ok {
		if entry.Expired(now) {
			m.l1.Delete(k)
			_ = m.l2.Delete(ctx, k)
		} else {
			m.listener.CacheHit("l1", opts.TenantID, key)
			return entry.Value, nil
		}
	}

	if entry, ok, err := m.l2.Get(ctx, k); err != nil {
		// a broken durable tier degrades reads to L1-only
		m.log.Warn("l2 read failed, treating as miss",
			zap.String("key", key), zap.Error(err))
	} else if ok {
		if entry.Expired(now) {
			_ = m.l2.Delete(ctx, k)
		} else {
			m.l1.Set(k, entry)
			m.listener.CacheHit("l2", opts.TenantID, key)
			return entry.Value, nil
		}
	}

	m.listener.CacheMiss(opts.TenantID, key)

	if opts.Loader == nil {
		return nil, errors.NotFound(key)
	}
	return m.loadAndPopulate(ctx, k, key, opts)
}

// loadAndPopulate invokes the loader once per key across concurrent misses
// and stores the result in both tiers.
func (m *Manager) loadAndPopulate(ctx context.Context, storageKey, key string, opts types.GetOptions) ([]byte, error) {
	v, err, _ := m.loads.Do(storageKey, func() (any, error) {
		lctx := ctx
		if opts.LoaderTimeout > 0 {
			var cancel context.CancelFunc
			lctx, cancel = context.WithTimeout(ctx, opts.LoaderTimeout)
			defer cancel()
		}

		m.listener.LoaderInvoked(opts.TenantID, key)
		value, err := opts.Loader(lctx)
		if err != nil {
			if opts.LoaderTimeout > 0 && stderr.Is(err, context.DeadlineExceeded) {
				return nil, errors.Timeout(key, err)
			}
			// loader errors propagate to the caller unmodified
			return nil, err
		}

		if serr := m.Set(ctx, key, value, types.SetOptions{
			TenantID: opts.TenantID,
			TTL:      opts.TTL,
			Tags:     opts.Tags,
		}); serr != nil {
			m.log.Warn("populate after load failed", zap.String("key", key), zap.Error(serr))
		}
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Set writes to both tiers. The L2 write completes or fails before Set
// returns; on failure the write degrades to L1-only and the error is logged
// rather than returned.
func (m *Manager) Set(ctx context.Context, key string, value []byte, opts types.SetOptions) error {
	k := types.TenantKey(opts.TenantID, key)
	now := time.Now()

	ttl := opts.TTL
	if ttl == 0 {
		ttl = m.defaultTTL
	}
	entry := &types.CacheEntry{
		Key:       k,
		Value:     value,
		TenantID:  opts.TenantID,
		CreatedAt: now,
		Tags:      opts.Tags,
	}
	if ttl != 0 {
		entry.ExpiresAt = now.Add(ttl)
	}

	m.l1.Set(k, entry)

	if err := m.l2.Set(ctx, k, entry); err != nil {
		if errors.IsQuotaExceeded(err) {
			m.log.Warn("l2 quota exceeded, entry held in memory only",
				zap.String("key", key), zap.String("tenant", opts.TenantID))
		} else {
			m.log.Warn("l2 write failed, entry held in memory only",
				zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// Delete removes the key from both tiers.
func (m *Manager) Delete(ctx context.Context, tenantID, key string) error {
	k := types.TenantKey(tenantID, key)
	m.l1.Delete(k)
	return m.l2.Delete(ctx, k)
}

// InvalidatePattern removes every entry of the tenant whose logical key
// (the part after the tenant prefix) matches the glob pattern. Matching
// never crosses the tenant prefix, and re-invalidating absent keys is a
// no-op.
func (m *Manager) InvalidatePattern(ctx context.Context, tenantID, pattern string) (int, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeConfigValidation, "invalid invalidation pattern", err).
			WithDetail("pattern", pattern)
	}

	prefix := types.TenantPrefix(tenantID)
	removed := make(map[string]struct{})

	for _, k := range m.l1.Keys(prefix) {
		if g.Match(k[len(prefix):]) {
			m.l1.Delete(k)
			removed[k] = struct{}{}
		}
	}

	l2keys, err := m.l2.Keys(ctx, prefix)
	if err != nil {
		m.report(tenantID, len(removed))
		return len(removed), err
	}
	for _, k := range l2keys {
		if g.Match(k[len(prefix):]) {
			if err := m.l2.Delete(ctx, k); err != nil {
				m.log.Warn("l2 invalidation delete failed", zap.String("key", k), zap.Error(err))
				continue
			}
			removed[k] = struct{}{}
		}
	}

	m.report(tenantID, len(removed))
	return len(removed), nil
}

// InvalidateByTag removes every entry of the tenant carrying the tag.
func (m *Manager) InvalidateByTag(ctx context.Context, tenantID, tag string) (int, error) {
	prefix := types.TenantPrefix(tenantID)
	removed := make(map[string]struct{})

	for _, k := range m.l1.Keys(prefix) {
		if entry, ok := m.l1.Peek(k); ok && entry.HasTag(tag) {
			m.l1.Delete(k)
			removed[k] = struct{}{}
		}
	}

	l2keys, err := m.l2.Keys(ctx, prefix)
	if err != nil {
		m.report(tenantID, len(removed))
		return len(removed), err
	}
	for _, k := range l2keys {
		entry, ok, err := m.l2.Get(ctx, k)
		if err != nil || !ok {
			continue
		}
		if entry.HasTag(tag) {
			if err := m.l2.Delete(ctx, k); err != nil {
				continue
			}
			removed[k] = struct{}{}
		}
	}

	m.report(tenantID, len(removed))
	return len(removed), nil
}

// Clear drops every entry of the tenant from both tiers.
func (m *Manager) Clear(ctx context.Context, tenantID string) error {
	prefix := types.TenantPrefix(tenantID)
	for _, k := range m.l1.Keys(prefix) {
		m.l1.Delete(k)
	}
	l2keys, err := m.l2.Keys(ctx, prefix)
	if err != nil {
		return err
	}
	for _, k := range l2keys {
		if err := m.l2.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// TierStats is a point-in-time view of the memory tier, consumed by the
// metrics recorder.
type TierStats struct {
	L1Entries   int
	L1Bytes     int64
	L1Evictions uint64
}

// Stats returns current memory-tier statistics.
func (m *Manager) Stats() TierStats {
	return TierStats{
		L1Entries:   m.l1.EntryCount(),
		L1Bytes:     m.l1.Bytes(),
		L1Evictions: m.l1.Evictions(),
	}
}

func (m *Manager) report(tenantID string, removed int) {
	if removed > 0 {
		m.listener.CacheInvalidated(tenantID, removed)
	}
}
