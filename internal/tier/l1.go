// Package tier implements the two storage tiers managed by the tiered cache:
// a bounded in-memory L1 with recency eviction and a durable L2 layered over
// a persistent Store.
package tier

import (
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/syncstore/syncstore/pkg/errors"
	"github.com/syncstore/syncstore/pkg/types"
)

// L1 is the in-memory tier. Entry count is bounded by the LRU itself; the
// byte ceiling is enforced by evicting least-recently-used entries after
// each insert. Eviction from L1 never touches L2.
type L1 struct {
	mu        sync.Mutex
	cache     *lru.Cache[string, *types.CacheEntry]
	maxBytes  int64
	curBytes  int64
	evictions uint64
}

// NewL1 creates the memory tier. maxEntries must be positive; maxBytes of
// zero disables the byte ceiling.
func NewL1(maxEntries int, maxBytes int64) (*L1, error) {
	if maxEntries <= 0 {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "l1: max entries must be positive")
	}
	l := &L1{maxBytes: maxBytes}
	cache, err := lru.NewWithEvict[string, *types.CacheEntry](maxEntries, l.onEvict)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "l1: create lru", err)
	}
	l.cache = cache
	return l, nil
}

// onEvict runs under l.mu for every removal path (overflow, explicit remove)
// because both are invoked while the lock is held.
func (l *L1) onEvict(_ string, entry *types.CacheEntry) {
	l.curBytes -= entrySize(entry)
	l.evictions++
}

// Get returns the entry and refreshes its recency. Expiry is the caller's
// concern; the tier only tracks presence and recency.
func (l *L1) Get(key string) (*types.CacheEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cache.Get(key)
}

// Set inserts or replaces an entry and evicts LRU entries until the byte
// ceiling is respected again.
func (l *L1) Set(key string, entry *types.CacheEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if old, ok := l.cache.Peek(key); ok {
		// replacement does not fire the eviction callback
		l.curBytes -= entrySize(old)
	}
	l.cache.Add(key, entry)
	l.curBytes += entrySize(entry)

	if l.maxBytes > 0 {
		for l.curBytes > l.maxBytes && l.cache.Len() > 1 {
			if _, _, ok := l.cache.RemoveOldest(); !ok {
				break
			}
		}
	}
}

// Delete removes a key; removing an absent key is a no-op.
func (l *L1) Delete(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cache.Remove(key) {
		l.evictions-- // explicit delete, not pressure eviction
		return true
	}
	return false
}

// Keys returns all keys with the given prefix, least recently used first.
func (l *L1) Keys(prefix string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, k := range l.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}

// Peek returns the entry without refreshing its recency. Used by tag scans
// so inspection does not distort the eviction order.
func (l *L1) Peek(key string) (*types.CacheEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cache.Peek(key)
}

// EntryCount returns the current number of entries.
func (l *L1) EntryCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cache.Len()
}

// Bytes returns the estimated resident byte total.
func (l *L1) Bytes() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.curBytes
}

// Evictions returns the number of pressure evictions since creation.
func (l *L1) Evictions() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evictions
}

func entrySize(e *types.CacheEntry) int64 {
	n := int64(len(e.Key)) + int64(len(e.Value)) + int64(len(e.TenantID))
	for _, t := range e.Tags {
		n += int64(len(t))
	}
	return n
}
