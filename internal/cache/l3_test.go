package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestL3(t *testing.T, cfg L3Config) (*L3, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg.Addr = mr.Addr()
	l3 := NewL3(cfg)
	t.Cleanup(func() { _ = l3.Close() })
	return l3, mr
}

func TestL3RoundTrip(t *testing.T) {
	l3, _ := newTestL3(t, L3Config{})

	key, err := Canonicalize("b", "/a.bin", "")
	require.NoError(t, err)
	entry := testEntry("hello remote", time.Minute)

	res := l3.Set(context.Background(), key, entry)
	require.True(t, res.Ok)

	got := l3.Get(context.Background(), key)
	require.True(t, got.Hit)
	assert.Equal(t, entry.Payload, got.Entry.Payload)
	assert.Equal(t, entry.ETag, got.Entry.ETag)
}

func TestL3MissOnUnknownKey(t *testing.T) {
	l3, _ := newTestL3(t, L3Config{})
	key, _ := Canonicalize("b", "/nope.bin", "")
	res := l3.Get(context.Background(), key)
	assert.True(t, res.Miss)
}

func TestL3RejectsOversizeEntries(t *testing.T) {
	l3, _ := newTestL3(t, L3Config{MaxItemBytes: 4})
	key, _ := Canonicalize("b", "/big.bin", "")
	res := l3.Set(context.Background(), key, testEntry("way too big", time.Minute))
	assert.True(t, res.Rejected)
}

func TestL3DeleteThenMiss(t *testing.T) {
	l3, _ := newTestL3(t, L3Config{})
	key, _ := Canonicalize("b", "/d.bin", "")
	l3.Set(context.Background(), key, testEntry("x", time.Minute))

	del := l3.Delete(context.Background(), key)
	assert.True(t, del.Existed)

	res := l3.Get(context.Background(), key)
	assert.True(t, res.Miss)
}

func TestL3FailsOpenWhenUnreachable(t *testing.T) {
	l3, mr := newTestL3(t, L3Config{OpTimeout: 50 * time.Millisecond})
	mr.Close()

	key, _ := Canonicalize("b", "/x.bin", "")
	res := l3.Get(context.Background(), key)
	assert.True(t, res.Fail)
}

func TestL3LongKeyFallsBackToDigest(t *testing.T) {
	l3, _ := newTestL3(t, L3Config{})
	longPath := ""
	for i := 0; i < 400; i++ {
		longPath += "a"
	}
	key, err := Canonicalize("b", "/"+longPath, "")
	require.NoError(t, err)

	rk := l3.remoteKey(key)
	assert.Equal(t, HashDigest(key), rk)
}

func TestL3ClearRemovesAllPrefixedKeys(t *testing.T) {
	l3, _ := newTestL3(t, L3Config{KeyPrefix: "s3cacheproxy"})

	for i := 0; i < 5; i++ {
		key, _ := Canonicalize("b", string(rune('a'+i))+"/obj", "")
		l3.Set(context.Background(), key, testEntry("x", time.Minute))
	}

	require.NoError(t, l3.Clear(context.Background()))

	key, _ := Canonicalize("b", "a/obj", "")
	res := l3.Get(context.Background(), key)
	assert.True(t, res.Miss)
}
