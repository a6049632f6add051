package tier

import (
	"context"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/syncstore/syncstore/pkg/errors"
	"github.com/syncstore/syncstore/pkg/types"
)

// entryPrefix namespaces cache entries inside the shared durable store so
// they never collide with queue records.
const entryPrefix = "e:"

// L2 is the durable tier: cache entries serialized as msgpack records over a
// persistent Store. It survives process restarts; quota failures surface to
// the manager, which degrades the write to L1-only.
type L2 struct {
	store types.Store
}

// NewL2 wraps a persistent store as the durable tier.
func NewL2(store types.Store) *L2 {
	return &L2{store: store}
}

// Get loads an entry. A record that fails to decode is deleted and reported
// as a miss so one corrupt record cannot wedge a key forever.
func (l *L2) Get(ctx context.Context, key string) (*types.CacheEntry, bool, error) {
	raw, ok, err := l.store.Get(ctx, entryPrefix+key)
	if err != nil || !ok {
		return nil, false, err
	}
	var entry types.CacheEntry
	if err := msgpack.Unmarshal(raw, &entry); err != nil {
		_ = l.store.Delete(ctx, entryPrefix+key) // self-heal corrupt record
		return nil, false, nil
	}
	return &entry, true, nil
}

// Set persists an entry. Errors, including quota failures, are returned
// unhandled; policy lives in the manager.
func (l *L2) Set(ctx context.Context, key string, entry *types.CacheEntry) error {
	raw, err := msgpack.Marshal(entry)
	if err != nil {
		return errors.Wrap(errors.ErrCodeCorruptRecord, "l2: encode entry", err)
	}
	return l.store.Set(ctx, entryPrefix+key, raw)
}

// Delete removes an entry; absent keys are a no-op.
func (l *L2) Delete(ctx context.Context, key string) error {
	return l.store.Delete(ctx, entryPrefix+key)
}

// Keys returns all entry keys with the given key prefix.
func (l *L2) Keys(ctx context.Context, prefix string) ([]string, error) {
	raw, err := l.store.ScanPrefix(ctx, entryPrefix+prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		keys = append(keys, strings.TrimPrefix(k, entryPrefix))
	}
	return keys, nil
}
