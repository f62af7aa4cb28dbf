/*
Package cache implements the tiered cache core: key canonicalization and
three cache layers coordinated by an orchestrator that a read-through/
write-through HTTP proxy sits on top of.

# Layers

L1 (in-process memory): sharded, S3-FIFO admission (small probationary
queue, protected main queue, bounded ghost set) for scan-resistant,
frequency-aware eviction. Never blocks on I/O.

L2 (on-disk): durable across restarts. Writes go through a temp-file,
fsync, rename protocol so a crash never leaves a torn entry visible.
The Set that pushes the total past the high-water mark evicts, least
recently accessed first, down to a low-water mark, leaving entries
created within a grace window alone.

L3 (remote, Redis-compatible): shared across proxy instances, wrapped
in a circuit breaker so a degraded store fails fast instead of making
every request pay a timeout. Entries are msgpack-encoded behind a
one-byte wire version tag.

# Orchestrator

Orchestrator walks the layers fastest-first on a Fetch, promoting a hit
into every faster layer by reference. Concurrent fetches for the same
key are coalesced through singleflight; a waiter that doesn't hear back
within the configured timeout runs its own origin fetch rather than
blocking indefinitely. Put fans out write-through to every layer
independently — a rejection or failure in one layer never blocks the
others. ShouldBypass routes Range requests and declared-oversize
objects straight to the origin, skipping the cache.

Each layer's Get/Set/Delete reports Fail rather than erroring out when
the layer itself is unhealthy (L3 breaker open, L2 disk full); the
orchestrator treats Fail as if that layer were absent and moves on.

# Admin surface

PurgeAll and Stats back the proxy's admin routes: clearing every layer
on demand, and reporting per-layer hit/miss/set/evict counters plus
orchestrator-level promotion, stampede-coalesce, and stream-bypass
counts.
*/
package cache
