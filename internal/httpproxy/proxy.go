// Package httpproxy implements the HTTP request pipeline: a read-through/
// write-through reverse proxy in front of the tiered cache core, plus the
// admin surface used to purge and inspect it.
package httpproxy

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/objectfs/s3cacheproxy/internal/cache"
	"github.com/objectfs/s3cacheproxy/pkg/health"
	"github.com/objectfs/s3cacheproxy/pkg/types"
)

const healthComponentOrigin = "origin"

// originBackend is the subset of *origin.Backend the HTTP pipeline calls.
// Declaring it here, rather than depending on the concrete type, lets
// tests exercise the pipeline against a fake origin.
type originBackend interface {
	GetObject(ctx context.Context, key string, offset, size int64) ([]byte, error)
	HeadObject(ctx context.Context, key string) (*types.ObjectInfo, error)
	StreamObject(ctx context.Context, key, rangeHeader string, w io.Writer, onHeaders func(*types.ObjectInfo)) error
}

// Config configures the HTTP pipeline.
type Config struct {
	// Bucket is the origin bucket object paths are resolved against.
	Bucket string

	// AdminToken gates the admin routes; a request must present it as
	// "Authorization: Bearer <token>". Empty disables the admin surface.
	AdminToken string

	// EntryTTL is the freshness window applied to objects fetched from
	// the origin before they are written through to the cache layers.
	EntryTTL time.Duration
}

func (c *Config) setDefaults() {
	if c.EntryTTL <= 0 {
		c.EntryTTL = 5 * time.Minute
	}
}

// Server is the HTTP request pipeline sitting in front of the tiered
// cache core. It serves GET/HEAD for origin objects through the cache,
// routes Range requests and declared-oversize objects straight to the
// origin, and exposes the admin surface.
type Server struct {
	cfg     Config
	orch    *cache.Orchestrator
	backend originBackend
	health  *health.Tracker
	logger  *slog.Logger
	mux     *http.ServeMux
}

// NewServer wires an HTTP pipeline over an already-constructed
// orchestrator and origin backend. tracker may be nil, in which case
// origin health is not tracked.
func NewServer(cfg Config, orch *cache.Orchestrator, backend originBackend, tracker *health.Tracker, logger *slog.Logger) *Server {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if tracker != nil {
		tracker.RegisterComponent(healthComponentOrigin)
	}

	s := &Server{
		cfg:     cfg,
		orch:    orch,
		backend: backend,
		health:  tracker,
		logger:  logger.With("component", "httpproxy"),
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("POST /admin/cache/purge", s.handlePurge)
	s.mux.HandleFunc("GET /admin/cache/stats", s.handleStats)
	s.mux.HandleFunc("/", s.handleObject)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleObject(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rangeHeader := r.Header.Get("Range")
	if s.orch.ShouldBypass(rangeHeader != "", 0) {
		s.streamFromOrigin(w, r)
		return
	}

	key, err := cache.Canonicalize(s.cfg.Bucket, r.URL.Path, r.URL.Query().Get("v"))
	if err != nil {
		writeError(w, err)
		return
	}

	info, err := s.backend.HeadObject(r.Context(), key.Path)
	if err != nil {
		s.recordOriginResult(err)
		s.logger.Warn("origin head failed", "key", key.Path, "error", err)
		writeError(w, err)
		return
	}
	s.recordOriginResult(nil)

	if s.orch.ShouldBypass(false, info.Size) {
		s.streamFromOrigin(w, r)
		return
	}

	if r.Method == http.MethodHead {
		writeObjectHeaders(w, info)
		w.Header().Set("X-Cache", "skip, head")
		w.WriteHeader(http.StatusOK)
		return
	}

	fetchedFromOrigin := false
	entry, err := s.orch.Fetch(r.Context(), key, func(ctx context.Context) (*types.Entry, error) {
		fetchedFromOrigin = true
		return s.fetchEntry(ctx, key.Path, info)
	})
	if err != nil {
		s.recordOriginResult(err)
		s.logger.Warn("origin fetch failed", "key", key.Path, "error", err)
		writeError(w, err)
		return
	}
	s.recordOriginResult(nil)

	w.Header().Set("Content-Type", entry.ContentType)
	if entry.ETag != "" {
		w.Header().Set("ETag", entry.ETag)
	}
	w.Header().Set("Content-Length", strconv.FormatInt(entry.SizeBytes(), 10))
	if fetchedFromOrigin {
		w.Header().Set("X-Cache", "miss, fetched")
	} else {
		w.Header().Set("X-Cache", "hit")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(entry.Payload)
}

// fetchEntry is the orchestrator's read-through callback: it fetches the
// full object from the origin and wraps it as an Entry, stamped with a
// fresh expiry. Only ever invoked on a cache miss, never directly by a
// client request.
func (s *Server) fetchEntry(ctx context.Context, key string, info *types.ObjectInfo) (*types.Entry, error) {
	data, err := s.backend.GetObject(ctx, key, 0, 0)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &types.Entry{
		Payload:      data,
		ContentType:  info.ContentType,
		ETag:         info.ETag,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.cfg.EntryTTL),
		LastAccessed: now,
	}, nil
}

func (s *Server) recordOriginResult(err error) {
	if s.health == nil {
		return
	}
	if err != nil {
		s.health.RecordError(healthComponentOrigin, err)
		return
	}
	s.health.RecordSuccess(healthComponentOrigin)
}

func writeObjectHeaders(w http.ResponseWriter, info *types.ObjectInfo) {
	w.Header().Set("Content-Type", info.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	if info.ETag != "" {
		w.Header().Set("ETag", info.ETag)
	}
	if !info.LastModified.IsZero() {
		w.Header().Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
	}
}
