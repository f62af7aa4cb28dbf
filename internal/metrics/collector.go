package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config configures the Prometheus metrics server.
type Config struct {
	Enabled        bool          `yaml:"enabled"`
	Port           int           `yaml:"port"`
	Path           string        `yaml:"path"`
	Namespace      string        `yaml:"namespace"`
	Subsystem      string        `yaml:"subsystem"`
	UpdateInterval time.Duration `yaml:"update_interval"`
}

// LayerStats is the subset of a cache layer's stats the collector needs
// to publish; it mirrors types.StatsSnapshot without importing the cache
// package, keeping metrics a leaf dependency.
type LayerStats struct {
	Hits, Misses, Sets, Deletes, Evictions, Errors uint64
	BytesInUse, ItemCount                          int64
}

// OrchestratorStats is the snapshot fed into Observe on each periodic
// tick.
type OrchestratorStats struct {
	Layers            map[string]LayerStats
	HitByLayer        map[string]uint64
	Promotions        uint64
	StampedeCoalesces uint64
	StreamBypasses    uint64
}

// Collector publishes the tiered cache's counters and gauges:
// per-layer hits/misses/sets/deletes/evictions/errors/bytes_in_use
// /item_count, per-layer get/set duration histograms, plus
// orchestrator-level promotions, stampede coalesces, stream bypasses, and
// hits attributed by the layer that served them.
type Collector struct {
	config *Config

	registry *prometheus.Registry

	layerOps      *prometheus.CounterVec
	layerDuration *prometheus.HistogramVec
	layerBytes    *prometheus.GaugeVec
	layerItems    *prometheus.GaugeVec
	hitByLayer    *prometheus.CounterVec
	promotions    prometheus.Counter
	stampedeCoal  prometheus.Counter
	streamBypass  prometheus.Counter

	server *http.Server
}

// NewCollector builds a Collector and registers its metrics. When
// config.Enabled is false, it returns a Collector whose methods are
// no-ops, so callers never need a nil check.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:        true,
			Port:           9090,
			Path:           "/metrics",
			Namespace:      "s3cacheproxy",
			UpdateInterval: 15 * time.Second,
		}
	}
	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	registry := prometheus.NewRegistry()
	c := &Collector{config: config, registry: registry}

	c.layerOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace, Subsystem: config.Subsystem,
		Name: "layer_operations_total", Help: "Cache layer operations by outcome.",
	}, []string{"layer", "op"})

	c.layerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: config.Namespace, Subsystem: config.Subsystem,
		Name: "layer_op_duration_seconds", Help: "Cache layer get/set call duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"layer", "op"})

	c.layerBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: config.Namespace, Subsystem: config.Subsystem,
		Name: "layer_bytes_in_use", Help: "Bytes currently held by a cache layer.",
	}, []string{"layer"})

	c.layerItems = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: config.Namespace, Subsystem: config.Subsystem,
		Name: "layer_item_count", Help: "Entries currently held by a cache layer.",
	}, []string{"layer"})

	c.hitByLayer = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace, Subsystem: config.Subsystem,
		Name: "hit_by_layer_total", Help: "Requests served by each layer of the tiered cache.",
	}, []string{"layer"})

	c.promotions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: config.Namespace, Subsystem: config.Subsystem,
		Name: "promotions_total", Help: "Entries promoted into a faster layer after a slower-layer hit.",
	})

	c.stampedeCoal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: config.Namespace, Subsystem: config.Subsystem,
		Name: "stampede_coalesces_total", Help: "Concurrent misses for the same key coalesced into one origin fetch.",
	})

	c.streamBypass = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: config.Namespace, Subsystem: config.Subsystem,
		Name: "stream_bypass_total", Help: "Requests routed straight to the origin without touching the cache.",
	})

	for _, m := range []prometheus.Collector{c.layerOps, c.layerDuration, c.layerBytes, c.layerItems, c.hitByLayer, c.promotions, c.stampedeCoal, c.streamBypass} {
		if err := registry.Register(m); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}

	return c, nil
}

// Start serves /metrics (and the Collector's own /healthz) in the
// background until ctx is done or Stop is called.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	go func() {
		<-ctx.Done()
		_ = c.Stop(context.Background())
	}()

	return nil
}

// Stop shuts down the metrics server.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

// Observe refreshes the per-layer bytes_in_use and item_count gauges
// from stats. It does not touch any counter: the cumulative totals in
// stats are ignored, and the counters are fed only by RecordOp,
// RecordHitByLayer, RecordPromotion, RecordStampedeCoalesce and
// RecordStreamBypass.
func (c *Collector) Observe(stats OrchestratorStats) {
	if !c.config.Enabled {
		return
	}
	for name, ls := range stats.Layers {
		c.layerBytes.WithLabelValues(name).Set(float64(ls.BytesInUse))
		c.layerItems.WithLabelValues(name).Set(float64(ls.ItemCount))
	}
}

// RecordOp increments the per-layer operation counter. op is one of
// "hit", "miss", "set", "delete", "eviction", "error".
func (c *Collector) RecordOp(layer, op string) {
	if !c.config.Enabled {
		return
	}
	c.layerOps.WithLabelValues(layer, op).Inc()
}

// RecordDuration records how long a layer's get or set call took. op is
// "get" or "set".
func (c *Collector) RecordDuration(layer, op string, d time.Duration) {
	if !c.config.Enabled {
		return
	}
	c.layerDuration.WithLabelValues(layer, op).Observe(d.Seconds())
}

// RecordHitByLayer marks that a request was satisfied by layer.
func (c *Collector) RecordHitByLayer(layer string) {
	if !c.config.Enabled {
		return
	}
	c.hitByLayer.WithLabelValues(layer).Inc()
}

// RecordPromotion marks that a slower-layer hit was copied into a
// faster layer.
func (c *Collector) RecordPromotion() {
	if c.config.Enabled {
		c.promotions.Inc()
	}
}

// RecordStampedeCoalesce marks that a concurrent miss rode another
// caller's in-flight origin fetch instead of issuing its own.
func (c *Collector) RecordStampedeCoalesce() {
	if c.config.Enabled {
		c.stampedeCoal.Inc()
	}
}

// RecordStreamBypass marks that a request skipped the cache entirely.
func (c *Collector) RecordStreamBypass() {
	if c.config.Enabled {
		c.streamBypass.Inc()
	}
}
