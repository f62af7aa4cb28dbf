package metrics

import (
	"context"
	"testing"
)

func TestNewCollectorWithValidConfig(t *testing.T) {
	t.Parallel()

	config := &Config{Enabled: true, Port: 19090, Path: "/metrics", Namespace: "s3cacheproxy", Subsystem: "test"}
	collector, err := NewCollector(config)
	if err != nil {
		t.Fatalf("NewCollector() error = %v, want nil", err)
	}
	if collector.registry == nil {
		t.Error("collector.registry is nil")
	}
}

func TestNewCollectorWithNilConfigUsesDefaults(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(nil)
	if err != nil {
		t.Fatalf("NewCollector(nil) error = %v, want nil", err)
	}
	if collector.config.Port != 9090 {
		t.Errorf("default port = %d, want 9090", collector.config.Port)
	}
	if collector.config.Namespace != "s3cacheproxy" {
		t.Errorf("default namespace = %q, want %q", collector.config.Namespace, "s3cacheproxy")
	}
}

func TestNewCollectorDisabledHasNoRegistry(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewCollector() error = %v, want nil", err)
	}
	if collector.registry != nil {
		t.Error("disabled collector should not have a registry")
	}
}

func TestRecordOpAndRecordHitByLayerDoNotPanic(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: true, Port: 19091, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	collector.RecordOp("l1-memory", "hit")
	collector.RecordOp("l2-disk", "miss")
	collector.RecordHitByLayer("l1-memory")
	collector.RecordPromotion()
	collector.RecordStampedeCoalesce()
	collector.RecordStreamBypass()
}

func TestDisabledCollectorIgnoresRecords(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	collector.RecordOp("l1-memory", "hit")
	collector.RecordHitByLayer("l1-memory")
	collector.RecordPromotion()
	collector.RecordStampedeCoalesce()
	collector.RecordStreamBypass()
	collector.Observe(OrchestratorStats{})
}

func TestObserveSetsLayerGauges(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: true, Port: 19092, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	collector.Observe(OrchestratorStats{
		Layers: map[string]LayerStats{
			"l1-memory": {BytesInUse: 1024, ItemCount: 3},
		},
	})
}

func TestStopWithoutStart(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(&Config{Enabled: true, Port: 19093, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	if err := collector.Stop(context.Background()); err != nil {
		t.Errorf("Stop() without Start() error = %v, want nil", err)
	}
}
