package cache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/s3cacheproxy/pkg/types"
)

func newOrchestratorFixture(t *testing.T) (*Orchestrator, *L1, *L2) {
	t.Helper()
	l1 := NewL1(L1Config{CapacityBytes: 1 << 20, MaxItemBytes: 1 << 18, SweepInterval: time.Hour})
	t.Cleanup(l1.Close)
	l2, err := NewL2(L2Config{RootDir: t.TempDir(), CapacityBytes: 1 << 20, MaxItemBytes: 1 << 18, SnapshotInterval: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l2.Close() })

	orch := NewOrchestrator(OrchestratorConfig{}, l1, l2)
	return orch, l1, l2
}

func TestOrchestratorFetchPromotesFromSlowerLayer(t *testing.T) {
	orch, l1, l2 := newOrchestratorFixture(t)
	key, _ := Canonicalize("b", "/a.bin", "")
	entry := testEntry("payload", time.Minute)

	res := l2.Set(context.Background(), key, entry)
	require.True(t, res.Ok)

	var calls int32
	got, err := orch.Fetch(context.Background(), key, func(ctx context.Context) (*types.Entry, error) {
		atomic.AddInt32(&calls, 1)
		return entry, nil
	})
	require.NoError(t, err)
	assert.Equal(t, entry.Payload, got.Payload)
	assert.EqualValues(t, 0, atomic.LoadInt32(&calls))

	l1Res := l1.Get(context.Background(), key)
	assert.True(t, l1Res.Hit, "hit at l2 should promote into l1")
}

func TestOrchestratorFetchCoalescesConcurrentMisses(t *testing.T) {
	orch, _, _ := newOrchestratorFixture(t)
	key, _ := Canonicalize("b", "/miss.bin", "")
	entry := testEntry("origin payload", time.Minute)

	var calls int32
	fetch := func(ctx context.Context) (*types.Entry, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return entry, nil
	}

	results := make(chan *types.Entry, 8)
	for i := 0; i < 8; i++ {
		go func() {
			got, err := orch.Fetch(context.Background(), key, fetch)
			require.NoError(t, err)
			results <- got
		}()
	}
	for i := 0; i < 8; i++ {
		<-results
	}

	assert.LessOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}

func TestOrchestratorPutFansOutToAllLayers(t *testing.T) {
	orch, l1, l2 := newOrchestratorFixture(t)
	key, _ := Canonicalize("b", "/put.bin", "")
	entry := testEntry("fanout", time.Minute)

	orch.Put(context.Background(), key, entry)

	assert.True(t, l1.Get(context.Background(), key).Hit)
	assert.True(t, l2.Get(context.Background(), key).Hit)
}

func TestOrchestratorInvalidateRemovesFromAllLayers(t *testing.T) {
	orch, l1, l2 := newOrchestratorFixture(t)
	key, _ := Canonicalize("b", "/del.bin", "")
	entry := testEntry("to delete", time.Minute)
	orch.Put(context.Background(), key, entry)

	existed := orch.Invalidate(context.Background(), key)
	assert.True(t, existed)
	assert.True(t, l1.Get(context.Background(), key).Miss)
	assert.True(t, l2.Get(context.Background(), key).Miss)
}

func TestOrchestratorShouldBypassOnRangeOrLargeSize(t *testing.T) {
	orch := NewOrchestrator(OrchestratorConfig{StreamThresholdBytes: 1024})
	assert.True(t, orch.ShouldBypass(true, 10))
	assert.True(t, orch.ShouldBypass(false, 2048))
	assert.False(t, orch.ShouldBypass(false, 100))
}

func TestOrchestratorPurgeAllClearsLayers(t *testing.T) {
	orch, l1, l2 := newOrchestratorFixture(t)
	key, _ := Canonicalize("b", "/p.bin", "")
	orch.Put(context.Background(), key, testEntry("x", time.Minute))

	failed := orch.PurgeAll(context.Background())
	assert.Empty(t, failed)
	assert.True(t, l1.Get(context.Background(), key).Miss)
	assert.True(t, l2.Get(context.Background(), key).Miss)
}

func TestOrchestratorStatsAggregatesPerLayer(t *testing.T) {
	orch, _, _ := newOrchestratorFixture(t)
	key, _ := Canonicalize("b", "/s.bin", "")
	orch.Put(context.Background(), key, testEntry("x", time.Minute))
	orch.Fetch(context.Background(), key, func(ctx context.Context) (*types.Entry, error) {
		return testEntry("x", time.Minute), nil
	})

	stats := orch.Stats()
	assert.Contains(t, stats.Layers, "l1-memory")
	assert.Contains(t, stats.Layers, "l2-disk")
	assert.Contains(t, stats.HitByLayer, "l1-memory")
}
