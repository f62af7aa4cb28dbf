/*
Package types provides the shared data model and interface contracts of
s3cacheproxy's tiered cache core.

# Architecture Overview

	┌────────────────────────────────────────────┐
	│           HTTP pipeline (proxy)            │
	│         (internal/httpproxy, cmd/...)      │
	└────────────────────────────────────────────┘
	                     │
	┌────────────────────────────────────────────┐
	│          Tiered Orchestrator               │
	│          (internal/cache)                  │
	└────────────────────────────────────────────┘
	      │             │              │
	┌─────┴───┐   ┌──────┴────┐  ┌──────┴────┐
	│ L1 mem  │   │ L2 disk   │  │ L3 remote │
	└─────────┘   └───────────┘  └───────────┘

# Core types

Key and Entry are the cache core's data model: a Key canonicalizes
to a stable byte form used for hashing and remote keys; an Entry is an
immutable record of payload, content type, etag, and timestamps.

Layer is the uniform capability surface every tier implements:
Get/Set/Delete/Clear/Stats. Fail is a soft signal the orchestrator treats
as transparent.

Backend abstracts the S3-compatible origin the HTTP pipeline calls on a
miss; the cache core itself never calls it.
*/
package types
