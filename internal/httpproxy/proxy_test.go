package httpproxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/s3cacheproxy/internal/cache"
	cerrors "github.com/objectfs/s3cacheproxy/pkg/errors"
	"github.com/objectfs/s3cacheproxy/pkg/health"
	"github.com/objectfs/s3cacheproxy/pkg/types"
)

type fakeBackend struct {
	objects map[string][]byte
	heads   int
	gets    int
	headErr error
	getErr  error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{objects: make(map[string][]byte)}
}

func (f *fakeBackend) GetObject(ctx context.Context, key string, offset, size int64) ([]byte, error) {
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	data, ok := f.objects[key]
	if !ok {
		return nil, cerrors.New(cerrors.ErrCodeObjectNotFound, "object not found").WithComponent("origin")
	}
	return data, nil
}

func (f *fakeBackend) HeadObject(ctx context.Context, key string) (*types.ObjectInfo, error) {
	f.heads++
	if f.headErr != nil {
		return nil, f.headErr
	}
	data, ok := f.objects[key]
	if !ok {
		return nil, cerrors.New(cerrors.ErrCodeObjectNotFound, "object not found").WithComponent("origin")
	}
	return &types.ObjectInfo{Key: key, Size: int64(len(data)), ContentType: "application/octet-stream", ETag: "etag-1"}, nil
}

func (f *fakeBackend) StreamObject(ctx context.Context, key, rangeHeader string, w io.Writer, onHeaders func(*types.ObjectInfo)) error {
	data, ok := f.objects[key]
	if !ok {
		return cerrors.New(cerrors.ErrCodeObjectNotFound, "object not found").WithComponent("origin")
	}
	onHeaders(&types.ObjectInfo{Key: key, Size: int64(len(data)), ContentType: "application/octet-stream", ETag: "etag-1"})
	_, err := w.Write(data)
	return err
}

func newTestServer(t *testing.T, backend *fakeBackend, cfg Config) *Server {
	t.Helper()
	l1 := cache.NewL1(cache.L1Config{CapacityBytes: 1 << 20, MaxItemBytes: 1 << 18, SweepInterval: time.Hour})
	t.Cleanup(l1.Close)
	orch := cache.NewOrchestrator(cache.OrchestratorConfig{}, l1)
	tracker := health.NewTracker(health.DefaultConfig())
	return NewServer(cfg, orch, backend, tracker, nil)
}

func TestHandleObjectCacheMissThenHit(t *testing.T) {
	backend := newFakeBackend()
	backend.objects["foo.bin"] = []byte("hello world")
	srv := newTestServer(t, backend, Config{Bucket: "bucket"})

	req := httptest.NewRequest(http.MethodGet, "/foo.bin", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello world", w.Body.String())
	assert.Equal(t, "miss, fetched", w.Header().Get("X-Cache"))
	assert.Equal(t, 1, backend.gets)

	req2 := httptest.NewRequest(http.MethodGet, "/foo.bin", nil)
	w2 := httptest.NewRecorder()
	srv.ServeHTTP(w2, req2)

	require.Equal(t, http.StatusOK, w2.Code)
	assert.Equal(t, "hit", w2.Header().Get("X-Cache"))
	assert.Equal(t, 1, backend.gets, "second request should be served from the cache, not the origin")
}

func TestHandleObjectNotFound(t *testing.T) {
	backend := newFakeBackend()
	srv := newTestServer(t, backend, Config{Bucket: "bucket"})

	req := httptest.NewRequest(http.MethodGet, "/missing.bin", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleObjectRangeBypassesCache(t *testing.T) {
	backend := newFakeBackend()
	backend.objects["big.bin"] = []byte("0123456789")
	srv := newTestServer(t, backend, Config{Bucket: "bucket"})

	req := httptest.NewRequest(http.MethodGet, "/big.bin", nil)
	req.Header.Set("Range", "bytes=0-3")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "bypass, stream", w.Header().Get("X-Cache"))
	assert.Equal(t, 0, backend.heads, "a range request should never consult the origin HEAD")
}

func TestHandleObjectMethodNotAllowed(t *testing.T) {
	backend := newFakeBackend()
	srv := newTestServer(t, backend, Config{Bucket: "bucket"})

	req := httptest.NewRequest(http.MethodPost, "/foo.bin", bytes.NewReader(nil))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestAdminPurgeRequiresToken(t *testing.T) {
	backend := newFakeBackend()
	srv := newTestServer(t, backend, Config{Bucket: "bucket", AdminToken: "secret"})

	req := httptest.NewRequest(http.MethodPost, "/admin/cache/purge", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/admin/cache/purge", nil)
	req2.Header.Set("Authorization", "Bearer secret")
	w2 := httptest.NewRecorder()
	srv.ServeHTTP(w2, req2)
	assert.Equal(t, http.StatusOK, w2.Code)
	assert.Contains(t, w2.Body.String(), `"status":"ok"`)
}

func TestAdminStats(t *testing.T) {
	backend := newFakeBackend()
	backend.objects["a.bin"] = []byte("payload")
	srv := newTestServer(t, backend, Config{Bucket: "bucket", AdminToken: "secret"})

	req := httptest.NewRequest(http.MethodGet, "/a.bin", nil)
	srv.ServeHTTP(httptest.NewRecorder(), req)

	statsReq := httptest.NewRequest(http.MethodGet, "/admin/cache/stats", nil)
	statsReq.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, statsReq)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"hits"`)
	assert.Contains(t, w.Body.String(), `"l1-memory"`)
}

func TestWriteErrorTranslatesStructuredError(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, cerrors.New(cerrors.ErrCodeObjectNotFound, "object not found"))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w2 := httptest.NewRecorder()
	writeError(w2, errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, w2.Code)
}
