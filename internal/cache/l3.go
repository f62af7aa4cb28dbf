package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/objectfs/s3cacheproxy/internal/circuit"
	"github.com/objectfs/s3cacheproxy/pkg/errors"
	"github.com/objectfs/s3cacheproxy/pkg/types"
)

// wireVersion tags the msgpack payload format so a future format change
// can be detected and rejected rather than misread: a one-byte version
// tag followed by a msgpack map.
const wireVersion = 0x01

// wireEntry is the msgpack body stored alongside the version byte.
type wireEntry struct {
	Size        int64     `msgpack:"size"`
	ContentType string    `msgpack:"content_type"`
	ETag        string    `msgpack:"etag"`
	CreatedAt   time.Time `msgpack:"created_at"`
	ExpiresAt   time.Time `msgpack:"expires_at"`
	Payload     []byte    `msgpack:"payload"`
}

// L3Config configures the remote key-value layer.
type L3Config struct {
	Addr          string
	KeyPrefix     string
	PoolMin       int
	PoolMax       int
	ConnectTimeout time.Duration
	OpTimeout     time.Duration
	MaxItemBytes  int64
	DefaultTTL    time.Duration

	BreakerFailureThreshold uint32
	BreakerOpenTimeout      time.Duration
}

func (c *L3Config) setDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 2 * time.Second
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 500 * time.Millisecond
	}
	if c.PoolMax <= 0 {
		c.PoolMax = 10
	}
	if c.BreakerFailureThreshold <= 0 {
		c.BreakerFailureThreshold = 5
	}
	if c.BreakerOpenTimeout <= 0 {
		c.BreakerOpenTimeout = 30 * time.Second
	}
}

// L3 is the remote key-value cache layer: a shared Redis-compatible
// store, gated by a circuit breaker that short-circuits operations while
// the store is unhealthy instead of letting every request pay a timeout.
// A short-circuited or failing call is a soft Fail, never an aborted
// request: Healthy -> Degraded -> Healthy.
type L3 struct {
	cfg     L3Config
	client  *redis.Client
	breaker *circuit.CircuitBreaker

	hits, misses, sets, deletes, evictions, errs uint64
}

// NewL3 constructs the remote layer. It does not block on connectivity;
// the circuit breaker and per-op timeouts absorb an unreachable store.
func NewL3(cfg L3Config) *L3 {
	cfg.setDefaults()

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		DialTimeout:  cfg.ConnectTimeout,
		ReadTimeout:  cfg.OpTimeout,
		WriteTimeout: cfg.OpTimeout,
		PoolSize:     cfg.PoolMax,
		MinIdleConns: cfg.PoolMin,
	})

	breaker := circuit.NewCircuitBreaker("l3-remote", circuit.Config{
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts circuit.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailureThreshold
		},
		// A missing key (redis.Nil) is a normal miss, not a sign of an
		// unhealthy store, so it does not count toward tripping.
		IsSuccessful: func(err error) bool {
			return err == nil || err == redis.Nil
		},
	})

	return &L3{cfg: cfg, client: client, breaker: breaker}
}

func (l *L3) Name() string        { return "l3-remote" }
func (l *L3) MaxItemBytes() int64 { return l.cfg.MaxItemBytes }

func (l *L3) Close() error { return l.client.Close() }

func (l *L3) remoteKey(key types.Key) string {
	stable := key.String()
	if len(stable) > MaxRemoteKeyLength {
		stable = HashDigest(key)
	}
	if l.cfg.KeyPrefix != "" {
		return l.cfg.KeyPrefix + ":" + stable
	}
	return stable
}

// Get implements types.Layer. A breaker short-circuit or Redis error is
// reported as Fail, letting the orchestrator fall through to the origin
// rather than treating it as a definitive Miss.
func (l *L3) Get(ctx context.Context, key types.Key) types.Result {
	rk := l.remoteKey(key)

	var raw []byte
	err := l.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		opCtx, cancel := context.WithTimeout(ctx, l.cfg.OpTimeout)
		defer cancel()
		got, err := l.client.Get(opCtx, rk).Bytes()
		if err != nil {
			return err
		}
		raw = got
		return nil
	})

	if err == redis.Nil {
		atomic.AddUint64(&l.misses, 1)
		return types.Result{Miss: true}
	}
	if err != nil {
		atomic.AddUint64(&l.errs, 1)
		atomic.AddUint64(&l.misses, 1)
		return types.Result{Fail: true, Err: errors.New(errors.ErrCodeLayerNetwork, "l3 get failed").
			WithComponent("l3-remote").WithCause(err)}
	}

	// A decode failure or version-tag mismatch means the payload is
	// corrupt or was written by an incompatible build; treat it as a
	// plain miss rather than a layer failure, since retrying or falling
	// through to another layer won't fix stored bytes.
	entry, decodeErr := decodeWireEntry(raw)
	if decodeErr != nil {
		atomic.AddUint64(&l.misses, 1)
		return types.Result{Miss: true}
	}
	if !entry.ExpiresAt.After(time.Now()) {
		atomic.AddUint64(&l.misses, 1)
		return types.Result{Miss: true}
	}

	atomic.AddUint64(&l.hits, 1)
	return types.Result{Hit: true, Entry: entry}
}

func (l *L3) Set(ctx context.Context, key types.Key, entry *types.Entry) types.SetResult {
	size := entry.SizeBytes()
	if l.cfg.MaxItemBytes > 0 && size > l.cfg.MaxItemBytes {
		return types.SetResult{Rejected: true, Reason: "too large for L3"}
	}

	raw, err := encodeWireEntry(entry)
	if err != nil {
		return types.SetResult{Fail: true, Err: err}
	}

	rk := l.remoteKey(key)
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		ttl = l.cfg.DefaultTTL
	}

	err = l.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		opCtx, cancel := context.WithTimeout(ctx, l.cfg.OpTimeout)
		defer cancel()
		return l.client.Set(opCtx, rk, raw, ttl).Err()
	})
	if err != nil {
		atomic.AddUint64(&l.errs, 1)
		return types.SetResult{Fail: true, Err: errors.New(errors.ErrCodeLayerNetwork, "l3 set failed").
			WithComponent("l3-remote").WithCause(err)}
	}

	atomic.AddUint64(&l.sets, 1)
	return types.SetResult{Ok: true}
}

func (l *L3) Delete(ctx context.Context, key types.Key) types.DeleteResult {
	rk := l.remoteKey(key)

	var removed int64
	err := l.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		opCtx, cancel := context.WithTimeout(ctx, l.cfg.OpTimeout)
		defer cancel()
		n, err := l.client.Del(opCtx, rk).Result()
		removed = n
		return err
	})
	if err != nil {
		atomic.AddUint64(&l.errs, 1)
		return types.DeleteResult{Fail: true, Err: errors.New(errors.ErrCodeLayerNetwork, "l3 delete failed").
			WithComponent("l3-remote").WithCause(err)}
	}

	atomic.AddUint64(&l.deletes, 1)
	return types.DeleteResult{Existed: removed > 0}
}

// Clear scans and deletes every key under the configured prefix. Unlike
// L1/L2, this is a potentially expensive fan-out against a shared store
// and is only invoked from the admin purge path, never per-request.
func (l *L3) Clear(ctx context.Context) error {
	pattern := l.remoteKeyPattern()
	return l.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		iter := l.client.Scan(ctx, 0, pattern, 1000).Iterator()
		var batch []string
		for iter.Next(ctx) {
			batch = append(batch, iter.Val())
			if len(batch) >= 1000 {
				if err := l.client.Del(ctx, batch...).Err(); err != nil {
					return err
				}
				batch = batch[:0]
			}
		}
		if err := iter.Err(); err != nil {
			return err
		}
		if len(batch) > 0 {
			return l.client.Del(ctx, batch...).Err()
		}
		return nil
	})
}

func (l *L3) remoteKeyPattern() string {
	if l.cfg.KeyPrefix != "" {
		return l.cfg.KeyPrefix + ":*"
	}
	return "*"
}

func (l *L3) Stats() types.StatsSnapshot {
	return types.StatsSnapshot{
		Hits:      atomic.LoadUint64(&l.hits),
		Misses:    atomic.LoadUint64(&l.misses),
		Sets:      atomic.LoadUint64(&l.sets),
		Deletes:   atomic.LoadUint64(&l.deletes),
		Evictions: atomic.LoadUint64(&l.evictions),
		Errors:    atomic.LoadUint64(&l.errs),
	}
}

// BreakerState exposes the current circuit state for the admin stats
// surface's degraded/healthy reporting.
func (l *L3) BreakerState() string {
	return l.breaker.GetState().String()
}

func encodeWireEntry(entry *types.Entry) ([]byte, error) {
	body, err := msgpack.Marshal(wireEntry{
		Size:        entry.SizeBytes(),
		ContentType: entry.ContentType,
		ETag:        entry.ETag,
		CreatedAt:   entry.CreatedAt,
		ExpiresAt:   entry.ExpiresAt,
		Payload:     entry.Payload,
	})
	if err != nil {
		return nil, errors.New(errors.ErrCodeInternalError, "encode l3 entry").
			WithComponent("l3-remote").WithCause(err)
	}
	return append([]byte{wireVersion}, body...), nil
}

func decodeWireEntry(raw []byte) (*types.Entry, error) {
	if len(raw) < 1 || raw[0] != wireVersion {
		return nil, errors.New(errors.ErrCodeLayerCorrupt, "unrecognized l3 wire version").
			WithComponent("l3-remote")
	}
	var wire wireEntry
	if err := msgpack.Unmarshal(raw[1:], &wire); err != nil {
		return nil, errors.New(errors.ErrCodeLayerCorrupt, "decode l3 entry").
			WithComponent("l3-remote").WithCause(err)
	}
	return &types.Entry{
		Payload:     wire.Payload,
		ContentType: wire.ContentType,
		ETag:        wire.ETag,
		CreatedAt:   wire.CreatedAt,
		ExpiresAt:   wire.ExpiresAt,
	}, nil
}
