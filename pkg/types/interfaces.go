package types

import "context"

// Result is the outcome of a Layer.Get call: exactly one of Hit, Miss, or
// Fail is true.
type Result struct {
	Entry *Entry // non-nil only when Hit
	Hit   bool
	Miss  bool
	Fail  bool
	Err   error // set only when Fail
}

// SetResult is the outcome of a Layer.Set call.
type SetResult struct {
	Ok       bool
	Rejected bool
	Fail     bool
	Reason   string
	Err      error
}

// DeleteResult is the outcome of a Layer.Delete call.
type DeleteResult struct {
	Existed bool
	Fail    bool
	Err     error
}

// Layer is the uniform capability surface every cache tier (L1, L2, L3)
// exposes to the orchestrator. Fail is a soft signal: the orchestrator
// treats a failing layer as transparent, never aborting the request.
type Layer interface {
	Name() string
	Get(ctx context.Context, key Key) Result
	Set(ctx context.Context, key Key, entry *Entry) SetResult
	Delete(ctx context.Context, key Key) DeleteResult
	Clear(ctx context.Context) error
	Stats() StatsSnapshot
	MaxItemBytes() int64
}

// Backend is the S3-compatible origin the HTTP pipeline calls on a cache
// miss. The cache core never calls it directly.
type Backend interface {
	GetObject(ctx context.Context, key string, offset, size int64) ([]byte, error)
	HeadObject(ctx context.Context, key string) (*ObjectInfo, error)
	HealthCheck(ctx context.Context) error
}
