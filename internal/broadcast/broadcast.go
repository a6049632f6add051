// Package broadcast carries key-change notices between processes sharing a
// durable tier, so an invalidation in one process evicts the stale entries
// from every other process's memory tier. Deployments without peers use the
// no-op publisher.
package broadcast

import (
	"context"

	"github.com/vmihailenco/msgpack/v5"
)

// Notice describes one invalidation event. Patterns are logical,
// tenant-relative key globs; Tags name entry tags evicted wholesale.
type Notice struct {
	Sender   string   `msgpack:"sender"`
	TenantID string   `msgpack:"tenant_id"`
	Patterns []string `msgpack:"patterns,omitempty"`
	Tags     []string `msgpack:"tags,omitempty"`
}

// Handler consumes notices published by other processes. The publisher's own
// notices are filtered out before the handler sees them.
type Handler func(ctx context.Context, n Notice)

// Publisher is the key-change broadcast capability.
type Publisher interface {
	// Publish announces invalidated patterns and tags to peer processes.
	Publish(ctx context.Context, tenantID string, patterns, tags []string) error
	// Subscribe starts delivering peer notices to handler until Close.
	Subscribe(ctx context.Context, handler Handler) error
	// Close stops delivery and releases resources.
	Close() error
}

// Noop is the publisher for single-process deployments.
type Noop struct{}

func (Noop) Publish(context.Context, string, []string, []string) error { return nil }
func (Noop) Subscribe(context.Context, Handler) error                  { return nil }
func (Noop) Close() error                                              { return nil }

func encodeNotice(n Notice) ([]byte, error) { return msgpack.Marshal(n) }

func decodeNotice(data []byte) (Notice, error) {
	var n Notice
	err := msgpack.Unmarshal(data, &n)
	return n, err
}
