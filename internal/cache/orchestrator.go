package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/objectfs/s3cacheproxy/internal/metrics"
	"github.com/objectfs/s3cacheproxy/pkg/types"
)

// metricsRecorder is the subset of *metrics.Collector the orchestrator
// drives; a nil recorder is valid and every call becomes a no-op.
type metricsRecorder interface {
	RecordOp(layer, op string)
	RecordDuration(layer, op string, d time.Duration)
	RecordHitByLayer(layer string)
	RecordPromotion()
	RecordStampedeCoalesce()
	RecordStreamBypass()
	Observe(stats metrics.OrchestratorStats)
}

// OrchestratorConfig configures the tiered cache core.
type OrchestratorConfig struct {
	// StampedeWaitTimeout bounds how long a caller that loses the
	// singleflight race waits for the leader before falling back to
	// doing its own fetch.
	StampedeWaitTimeout time.Duration

	// StreamThresholdBytes is the Content-Length above which a request
	// bypasses the cache entirely rather than buffering.
	StreamThresholdBytes int64
}

func (c *OrchestratorConfig) setDefaults() {
	if c.StampedeWaitTimeout <= 0 {
		c.StampedeWaitTimeout = 2 * time.Second
	}
	if c.StreamThresholdBytes <= 0 {
		c.StreamThresholdBytes = 10 << 20 // 10 MiB
	}
}

// Orchestrator is the tiered read-through/write-through cache core.
// Layers are consulted in order; a hit at layer i is promoted into every
// faster layer 0..i-1 by reference, never re-read from the source that
// served it. Each layer's failure is transparent: the orchestrator moves
// on to the next layer rather than aborting the request.
type Orchestrator struct {
	cfg    OrchestratorConfig
	layers []types.Layer

	group singleflight.Group

	promotions, stampedeCoalesces, streamBypasses uint64
	hitByLayer                                    []uint64

	metrics metricsRecorder
}

// NewOrchestrator builds the orchestrator over layers ordered fastest
// first (L1, L2, L3, ...).
func NewOrchestrator(cfg OrchestratorConfig, layers ...types.Layer) *Orchestrator {
	cfg.setDefaults()
	return &Orchestrator{
		cfg:        cfg,
		layers:     layers,
		hitByLayer: make([]uint64, len(layers)),
	}
}

// WithMetrics attaches a Prometheus collector; every hit, promotion,
// stampede coalesce, and stream bypass is reported to it from then on.
func (o *Orchestrator) WithMetrics(collector *metrics.Collector) *Orchestrator {
	o.metrics = collector
	return o
}

// ShouldBypass reports whether a request should skip the cache entirely:
// requests carrying a Range header, or whose declared size exceeds the
// streaming threshold, never touch the cache.
func (o *Orchestrator) ShouldBypass(hasRange bool, contentLength int64) bool {
	bypass := hasRange || (contentLength > 0 && contentLength > o.cfg.StreamThresholdBytes)
	if bypass {
		o.RecordStreamBypass()
	}
	return bypass
}

// Fetch performs a read-through get: it walks the layers in order,
// promotes a hit into every faster layer, and coalesces concurrent
// fetches for the same key behind a single call to fetchOrigin. A
// waiter that does not hear back within StampedeWaitTimeout runs its
// own origin fetch instead of blocking indefinitely.
func (o *Orchestrator) Fetch(ctx context.Context, key types.Key, fetchOrigin func(context.Context) (*types.Entry, error)) (*types.Entry, error) {
	if entry, ok := o.lookup(ctx, key); ok {
		return entry, nil
	}

	var isLeader bool
	ch := o.group.DoChan(key.String(), func() (interface{}, error) {
		isLeader = true
		entry, err := fetchOrigin(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		o.admit(ctx, key, entry, len(o.layers))
		return entry, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if !isLeader {
			atomic.AddUint64(&o.stampedeCoalesces, 1)
			if o.metrics != nil {
				o.metrics.RecordStampedeCoalesce()
			}
		}
		return res.Val.(*types.Entry), nil
	case <-time.After(o.cfg.StampedeWaitTimeout):
		return fetchOrigin(ctx)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// lookup tries each layer in order without going to the origin.
func (o *Orchestrator) lookup(ctx context.Context, key types.Key) (*types.Entry, bool) {
	for i, layer := range o.layers {
		start := time.Now()
		res := layer.Get(ctx, key)
		if o.metrics != nil {
			o.metrics.RecordDuration(layer.Name(), "get", time.Since(start))
		}
		if res.Fail {
			continue
		}
		if res.Hit {
			atomic.AddUint64(&o.hitByLayer[i], 1)
			if o.metrics != nil {
				o.metrics.RecordOp(layer.Name(), "hit")
				o.metrics.RecordHitByLayer(layer.Name())
			}
			o.promote(ctx, key, res.Entry, i)
			return res.Entry, true
		}
		if o.metrics != nil {
			o.metrics.RecordOp(layer.Name(), "miss")
		}
	}
	return nil, false
}

// promote writes entry into every layer faster than toLevel, sharing the
// same *Entry rather than copying its payload.
func (o *Orchestrator) promote(ctx context.Context, key types.Key, entry *types.Entry, toLevel int) {
	if toLevel == 0 {
		return
	}
	o.admit(ctx, key, entry, toLevel)
	atomic.AddUint64(&o.promotions, 1)
	if o.metrics != nil {
		o.metrics.RecordPromotion()
	}
}

// admit writes entry into layers [0, upTo), skipping any whose
// MaxItemBytes is exceeded. Layer rejection/failure never aborts the
// write to the remaining layers.
func (o *Orchestrator) admit(ctx context.Context, key types.Key, entry *types.Entry, upTo int) {
	var wg sync.WaitGroup
	for i := 0; i < upTo && i < len(o.layers); i++ {
		layer := o.layers[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			layer.Set(ctx, key, entry)
			if o.metrics != nil {
				o.metrics.RecordDuration(layer.Name(), "set", time.Since(start))
			}
		}()
	}
	wg.Wait()
}

// Put implements write-through: the entry is fanned out to every
// enabled layer independently; a rejection or failure at one layer does
// not affect the others.
func (o *Orchestrator) Put(ctx context.Context, key types.Key, entry *types.Entry) {
	o.admit(ctx, key, entry, len(o.layers))
}

// Invalidate deletes key from every layer and reports whether it
// existed in at least one of them.
func (o *Orchestrator) Invalidate(ctx context.Context, key types.Key) bool {
	existed := false
	for _, layer := range o.layers {
		res := layer.Delete(ctx, key)
		if res.Existed {
			existed = true
		}
	}
	return existed
}

// PurgeAll clears every layer and returns the layers that failed.
func (o *Orchestrator) PurgeAll(ctx context.Context) []string {
	var failed []string
	for _, layer := range o.layers {
		if err := layer.Clear(ctx); err != nil {
			failed = append(failed, layer.Name())
		}
	}
	return failed
}

// Stats aggregates per-layer statistics plus orchestrator-level
// counters for the admin stats surface.
type Stats struct {
	Layers             map[string]types.StatsSnapshot
	Promotions         uint64
	StampedeCoalesces  uint64
	StreamBypasses     uint64
	HitByLayer         map[string]uint64
}

func (o *Orchestrator) Stats() Stats {
	layers := make(map[string]types.StatsSnapshot, len(o.layers))
	hitByLayer := make(map[string]uint64, len(o.layers))
	for i, layer := range o.layers {
		layers[layer.Name()] = layer.Stats()
		hitByLayer[layer.Name()] = atomic.LoadUint64(&o.hitByLayer[i])
	}
	return Stats{
		Layers:            layers,
		Promotions:        atomic.LoadUint64(&o.promotions),
		StampedeCoalesces: atomic.LoadUint64(&o.stampedeCoalesces),
		StreamBypasses:    atomic.LoadUint64(&o.streamBypasses),
		HitByLayer:        hitByLayer,
	}
}

// RecordStreamBypass is called whenever ShouldBypass routes a request
// straight to the origin.
func (o *Orchestrator) RecordStreamBypass() {
	atomic.AddUint64(&o.streamBypasses, 1)
	if o.metrics != nil {
		o.metrics.RecordStreamBypass()
	}
}

// ObserveMetrics pushes a fresh per-layer snapshot into the attached
// collector; intended to run on a timer.
func (o *Orchestrator) ObserveMetrics() {
	if o.metrics == nil {
		return
	}
	stats := o.Stats()
	layers := make(map[string]metrics.LayerStats, len(stats.Layers))
	for name, s := range stats.Layers {
		layers[name] = metrics.LayerStats{
			Hits: s.Hits, Misses: s.Misses, Sets: s.Sets, Deletes: s.Deletes,
			Evictions: s.Evictions, Errors: s.Errors,
			BytesInUse: s.BytesInUse, ItemCount: s.ItemCount,
		}
	}
	o.metrics.Observe(metrics.OrchestratorStats{
		Layers:            layers,
		HitByLayer:        stats.HitByLayer,
		Promotions:        stats.Promotions,
		StampedeCoalesces: stats.StampedeCoalesces,
		StreamBypasses:    stats.StreamBypasses,
	})
}
