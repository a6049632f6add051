/*
Package cache implements the tiered cache manager: the single entry point
for all reads and writes against the L1 (memory) and L2 (durable) tiers.

Lookup order is L1, then L2 with promotion back into L1, then the per-call
loader. Entries carry their own expiry; an expired entry is treated as
absent and removed lazily by the reader that observes it. Tenant isolation
is structural: the manager prefixes every key with the tenant namespace
before it reaches a tier, and pattern invalidation only ever scans inside
that prefix.

L1 eviction under pressure never removes the corresponding L2 entry; L2 is
the durable tier. An L2 write failure (quota or I/O) degrades that Set to
L1-only and is logged rather than surfaced, so readers keep working from
memory.
*/
package cache
