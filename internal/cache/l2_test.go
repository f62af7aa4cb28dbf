package cache

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestL2(t *testing.T, cfg L2Config) *L2 {
	t.Helper()
	if cfg.RootDir == "" {
		cfg.RootDir = t.TempDir()
	}
	if cfg.CapacityBytes == 0 {
		cfg.CapacityBytes = 1 << 20
	}
	if cfg.MaxItemBytes == 0 {
		cfg.MaxItemBytes = 1 << 18
	}
	if cfg.SnapshotInterval == 0 {
		cfg.SnapshotInterval = time.Hour
	}
	l2, err := NewL2(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l2.Close() })
	return l2
}

func TestL2RoundTrip(t *testing.T) {
	l2 := newTestL2(t, L2Config{})

	key, err := Canonicalize("b", "/a.bin", "")
	require.NoError(t, err)
	entry := testEntry("hello disk", time.Minute)

	res := l2.Set(context.Background(), key, entry)
	require.True(t, res.Ok)

	got := l2.Get(context.Background(), key)
	require.True(t, got.Hit)
	assert.Equal(t, entry.Payload, got.Entry.Payload)
	assert.Equal(t, entry.ETag, got.Entry.ETag)
}

func TestL2WritesTwoSiblingFiles(t *testing.T) {
	root := t.TempDir()
	l2 := newTestL2(t, L2Config{RootDir: root})

	key, _ := Canonicalize("b", "/obj", "")
	l2.Set(context.Background(), key, testEntry("x", time.Minute))

	digest := HashDigest(key)
	_, err := os.Stat(filepath.Join(root, "entries", digest+".data"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "entries", digest+".meta"))
	assert.NoError(t, err)
}

func TestL2RejectsOversizeEntries(t *testing.T) {
	l2 := newTestL2(t, L2Config{MaxItemBytes: 4})

	key, _ := Canonicalize("b", "/big.bin", "")
	res := l2.Set(context.Background(), key, testEntry("way too big", time.Minute))
	assert.True(t, res.Rejected)
}

func TestL2ExpiredEntryIsMiss(t *testing.T) {
	l2 := newTestL2(t, L2Config{})

	key, _ := Canonicalize("b", "/ttl.bin", "")
	l2.Set(context.Background(), key, testEntry("x", -time.Second))

	res := l2.Get(context.Background(), key)
	assert.True(t, res.Miss)
}

func TestL2DeleteThenMiss(t *testing.T) {
	l2 := newTestL2(t, L2Config{})

	key, _ := Canonicalize("b", "/d.bin", "")
	l2.Set(context.Background(), key, testEntry("x", time.Minute))

	del := l2.Delete(context.Background(), key)
	assert.True(t, del.Existed)

	res := l2.Get(context.Background(), key)
	assert.True(t, res.Miss)
}

func TestL2SetOverwritesExistingEntry(t *testing.T) {
	l2 := newTestL2(t, L2Config{})

	key, _ := Canonicalize("b", "/o.bin", "")
	l2.Set(context.Background(), key, testEntry("v1", time.Minute))
	l2.Set(context.Background(), key, testEntry("v2-longer", time.Minute))

	res := l2.Get(context.Background(), key)
	require.True(t, res.Hit)
	assert.Equal(t, "v2-longer", string(res.Entry.Payload))

	stats := l2.Stats()
	assert.EqualValues(t, 1, stats.ItemCount)
}

func TestL2EvictsUnderPressure(t *testing.T) {
	// NewL2 treats a zero GraceWindow as unset (30s default); 1ns leaves
	// every entry eligible for eviction.
	l2 := newTestL2(t, L2Config{CapacityBytes: 512, MaxItemBytes: 512, GraceWindow: time.Nanosecond})

	for i := 0; i < 50; i++ {
		key, _ := Canonicalize("b", string(rune('a'+i%26))+"/padding", "")
		l2.Set(context.Background(), key, testEntry("0123456789012345678901234567890123456789", time.Minute))
	}

	stats := l2.Stats()
	assert.LessOrEqual(t, stats.BytesInUse, stats.Capacity+512)
}

func TestL2RecoversFromOrphanAndTmpFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "entries"), 0o750))

	require.NoError(t, os.WriteFile(filepath.Join(root, "entries", "orphan.data"), []byte("x"), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(root, "entries", "leftover.tmp"), []byte("x"), 0o640))

	l2 := newTestL2(t, L2Config{RootDir: root})

	_, err := os.Stat(filepath.Join(root, "entries", "leftover.tmp"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, "entries", "orphan.data"))
	assert.True(t, os.IsNotExist(err))

	stats := l2.Stats()
	assert.EqualValues(t, 0, stats.ItemCount)
}

func TestL2RecoverReapsOrphanMetaWithoutData(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "entries"), 0o750))

	require.NoError(t, os.WriteFile(filepath.Join(root, "entries", "orphan.meta"), []byte(`{}`), 0o640))

	l2 := newTestL2(t, L2Config{RootDir: root})

	_, err := os.Stat(filepath.Join(root, "entries", "orphan.meta"))
	assert.True(t, os.IsNotExist(err))

	stats := l2.Stats()
	assert.EqualValues(t, 0, stats.ItemCount)
}

func TestL2RecoverDropsIndexEntryWithSizeMismatch(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "entries"), 0o750))

	digest := "deadbeef"
	require.NoError(t, os.WriteFile(filepath.Join(root, "entries", digest+".data"), []byte("short"), 0o640))

	idx := l2IndexFile{Version: 1, Entries: map[string]l2IndexEntry{digest: {
		Digest:    digest,
		Size:      9999,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}}}
	raw, err := json.Marshal(idx)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.json"), raw, 0o640))

	l2 := newTestL2(t, L2Config{RootDir: root})

	stats := l2.Stats()
	assert.EqualValues(t, 0, stats.ItemCount)
}

func TestL2RecoverExpiresStaleEntriesOnStartup(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "entries"), 0o750))

	digest := "abc123"
	payload := []byte("hello")
	require.NoError(t, os.WriteFile(filepath.Join(root, "entries", digest+".data"), payload, 0o640))

	idx := l2IndexFile{Version: 1, Entries: map[string]l2IndexEntry{digest: {
		Digest:    digest,
		Size:      int64(len(payload)),
		CreatedAt: time.Now().Add(-time.Hour),
		ExpiresAt: time.Now().Add(-time.Minute),
	}}}
	raw, err := json.Marshal(idx)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.json"), raw, 0o640))

	l2 := newTestL2(t, L2Config{RootDir: root})

	stats := l2.Stats()
	assert.EqualValues(t, 0, stats.ItemCount)
	_, err = os.Stat(filepath.Join(root, "entries", digest+".data"))
	assert.True(t, os.IsNotExist(err))
}

func TestL2SnapshotAndReopenSurvivesRestart(t *testing.T) {
	root := t.TempDir()
	l2a := newTestL2(t, L2Config{RootDir: root})

	key, _ := Canonicalize("b", "/persisted.bin", "")
	l2a.Set(context.Background(), key, testEntry("durable", time.Minute))
	require.NoError(t, l2a.Close())

	l2b := newTestL2(t, L2Config{RootDir: root})
	res := l2b.Get(context.Background(), key)
	require.True(t, res.Hit)
	assert.Equal(t, "durable", string(res.Entry.Payload))
}
