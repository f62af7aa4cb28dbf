/*
Package metrics exports Prometheus metrics for the tiered cache core and
HTTP pipeline.

# Overview

Collector maintains a private Prometheus registry and serves it over
HTTP alongside a liveness endpoint. The cache orchestrator calls its
RecordOp/RecordHitByLayer/RecordPromotion/RecordStampedeCoalesce/
RecordStreamBypass methods inline, and Observe periodically to refresh
per-layer gauges from a Stats snapshot.

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9090,
		Namespace: "s3cacheproxy",
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := collector.Start(ctx); err != nil {
		log.Fatal(err)
	}

# Exported metrics

Counters:
  - s3cacheproxy_layer_operations_total{layer,op}
  - s3cacheproxy_hit_by_layer_total{layer}
  - s3cacheproxy_promotions_total
  - s3cacheproxy_stampede_coalesces_total
  - s3cacheproxy_stream_bypass_total

Gauges:
  - s3cacheproxy_layer_bytes_in_use{layer}
  - s3cacheproxy_layer_item_count{layer}

# Disabled mode

A Collector built with Config.Enabled=false has a nil registry and every
recording method becomes a no-op, so callers never need a nil check.
*/
package metrics
