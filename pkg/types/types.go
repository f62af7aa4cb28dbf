// Package types holds the shared data model of the cache core: the
// canonical key, the immutable entry, and the aggregate statistics shape
// every layer reports through the Layer Contract.
package types

import "time"

// Key identifies a cacheable object by bucket, canonicalized object path,
// and an optional version tag. It is immutable and comparable with == once
// constructed by Canonicalize; two keys with identical fields compare
// equal regardless of how they were obtained.
type Key struct {
	Bucket     string
	Path       string
	VersionTag string
}

// StableBytes returns the deterministic on-wire/on-disk byte form used for
// hashing, L2 filenames, and L3 remote keys: "{bucket}:{object_path}", with
// the version tag appended after a ':' separator when present.
func (k Key) StableBytes() []byte {
	s := k.Bucket + ":" + k.Path
	if k.VersionTag != "" {
		s += ":" + k.VersionTag
	}
	return []byte(s)
}

func (k Key) String() string {
	return string(k.StableBytes())
}

// Entry is an immutable cache record. Payload, ContentType, and ETag are
// carried end-to-end so a hit reproduces exactly what the origin would
// have returned for the same version. LastAccessed is the only field that
// changes on a hit, and layers change it on a copy (see Touched), never
// in place.
type Entry struct {
	Payload      []byte
	ContentType  string
	ETag         string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastAccessed time.Time
}

// SizeBytes is the accounting unit every layer charges against its
// capacity ceiling.
func (e *Entry) SizeBytes() int64 {
	return int64(len(e.Payload))
}

// Expired reports whether the entry is past its absolute expiration as of
// now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// Touched returns a shallow copy of the entry with LastAccessed set to now.
// Payload is shared by reference, never copied, so promotion between
// layers stays cheap.
func (e *Entry) Touched(now time.Time) *Entry {
	touched := *e
	touched.LastAccessed = now
	return &touched
}

// StatsSnapshot is the uniform statistics shape every layer exposes:
// hits, misses, sets, deletes, evictions, errors, and
// current/ceiling size accounting.
type StatsSnapshot struct {
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
	Sets       uint64 `json:"sets"`
	Deletes    uint64 `json:"deletes"`
	Evictions  uint64 `json:"evictions"`
	Errors     uint64 `json:"errors"`
	BytesInUse int64  `json:"bytes_in_use"`
	ItemCount  int64  `json:"item_count"`
	Capacity   int64  `json:"capacity"`
}

// HitRate returns hits / (hits + misses), or 0 when there have been no
// lookups yet.
func (s StatsSnapshot) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// ObjectInfo is the metadata the origin backend returns from a HEAD/GET,
// used by the HTTP pipeline to build the Entry it writes through the
// cache.
type ObjectInfo struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size"`
	LastModified time.Time         `json:"last_modified"`
	ETag         string            `json:"etag"`
	ContentType  string            `json:"content_type"`
	Metadata     map[string]string `json:"metadata"`
}
