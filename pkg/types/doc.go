/*
Package types provides the core interfaces and data structures shared by the
syncstore engine components.

The engine is organized as a small set of collaborators with well-defined
contracts between them:

	┌─────────────────────────────────────────────┐
	│              Engine (pkg/engine)            │
	└─────────────────────────────────────────────┘
	       │           │            │         │
	┌──────┴─────┐ ┌───┴────┐ ┌─────┴────┐ ┌──┴──────┐
	│   Tiered   │ │Offline │ │ Warming  │ │ Metrics │
	│   Cache    │ │ Queue  │ │Scheduler │ │Recorder │
	└──────┬─────┘ └───┬────┘ └──────────┘ └─────────┘
	       │           │
	┌──────┴───────────┴──────┐
	│  Store (durable K/V)    │
	└─────────────────────────┘

TieredCache abstracts the L1/L2 read/write path with pluggable loaders.
Store is the persistent byte-level key/value contract consumed by the L2
tier and the offline queue; implementations live in internal/store.
Executor is the injected network capability used to replay queued write
operations. EventListener receives the engine's observable events
(cache:hit, cache:miss, cache:invalidated, queue:enqueued, queue:drained,
queue:deadLettered).

Every cache key is namespaced by a tenant prefix before it reaches a
storage tier. The prefix is structural: no invalidation rule or pattern can
cross it.
*/
package types
