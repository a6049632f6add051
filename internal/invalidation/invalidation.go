// Package invalidation maps write operations to the cache entries they
// stale. Rules bind an operation type to glob key patterns and tags; when an
// operation commits, every matching rule is applied against the tenant's
// slice of the cache.
package invalidation

import (
	"context"
	"regexp"
	"sync"

	"go.uber.org/zap"

	"github.com/syncstore/syncstore/pkg/types"
)

// Rule binds one operation type to the cache entries it invalidates.
type Rule struct {
	// OperationType matches Operation.OperationType().
	OperationType string `yaml:"operation_type"`
	// KeyPatterns are glob patterns over logical (tenant-relative) keys.
	// `{name}` placeholders are substituted from the operation's variables.
	KeyPatterns []string `yaml:"key_patterns"`
	// TagsToEvict names entry tags to evict wholesale.
	TagsToEvict []string `yaml:"tags_to_evict"`
}

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// Registry holds invalidation rules keyed by operation type. Safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	rules map[string][]Rule
}

func NewRegistry(rules ...Rule) *Registry {
	r := &Registry{rules: make(map[string][]Rule)}
	for _, rule := range rules {
		r.Register(rule)
	}
	return r
}

// Register adds a rule. Multiple rules may share an operation type.
func (r *Registry) Register(rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[rule.OperationType] = append(r.rules[rule.OperationType], rule)
}

// RulesFor returns the rules registered for opType. Unknown types return an
// empty slice, never an error.
func (r *Registry) RulesFor(opType string) []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Rule(nil), r.rules[opType]...)
}

// ComputeAffected resolves the rules for opType against the operation's
// variables and returns the concrete key patterns and tags to evict. A
// placeholder with no matching variable collapses to `*` so the pattern
// over-invalidates rather than fails.
func (r *Registry) ComputeAffected(opType string, variables map[string]string) (patterns, tags []string) {
	for _, rule := range r.RulesFor(opType) {
		for _, p := range rule.KeyPatterns {
			patterns = append(patterns, substitute(p, variables))
		}
		tags = append(tags, rule.TagsToEvict...)
	}
	return patterns, tags
}

// Apply runs every matching rule against the tenant's entries and returns
// the total number of entries removed. Best-effort: a pattern that fails to
// apply is logged and the rest still run. Re-applying is a no-op.
func (r *Registry) Apply(ctx context.Context, cache types.TieredCache, log *zap.Logger, tenantID, opType string, variables map[string]string) int {
	patterns, tags := r.ComputeAffected(opType, variables)

	total := 0
	for _, p := range patterns {
		n, err := cache.InvalidatePattern(ctx, tenantID, p)
		total += n
		if err != nil {
			log.Warn("invalidation pattern failed",
				zap.String("operation", opType),
				zap.String("pattern", p),
				zap.Error(err))
		}
	}
	for _, tag := range tags {
		n, err := cache.InvalidateByTag(ctx, tenantID, tag)
		total += n
		if err != nil {
			log.Warn("invalidation tag failed",
				zap.String("operation", opType),
				zap.String("tag", tag),
				zap.Error(err))
		}
	}
	return total
}

func substitute(pattern string, variables map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(pattern, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := variables[name]; ok {
			return v
		}
		return "*"
	})
}
