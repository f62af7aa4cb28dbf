package cache

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/objectfs/s3cacheproxy/pkg/errors"
	"github.com/objectfs/s3cacheproxy/pkg/types"
)

// L2Config configures the on-disk layer.
type L2Config struct {
	RootDir         string
	CapacityBytes   int64
	MaxItemBytes    int64
	DefaultTTL      time.Duration
	HighWaterRatio  float64 // eviction triggers above capacity*HighWaterRatio
	LowWaterRatio   float64 // eviction runs until size <= capacity*LowWaterRatio
	GraceWindow     time.Duration
	SnapshotInterval time.Duration
}

func (c *L2Config) setDefaults() {
	if c.HighWaterRatio <= 0 {
		c.HighWaterRatio = 1.0
	}
	if c.LowWaterRatio <= 0 {
		c.LowWaterRatio = 0.9
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = 30 * time.Second
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 30 * time.Second
	}
}

// l2IndexEntry is the in-memory (and snapshotted) record for one cached
// object. Digest is the map key in both L2.index and the entries map
// written to index.json.
type l2IndexEntry struct {
	Digest       string    `json:"digest"`
	Bucket       string    `json:"bucket"`
	Path         string    `json:"path"`
	VersionTag   string    `json:"version_tag"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type"`
	ETag         string    `json:"etag"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastAccessed time.Time `json:"last_accessed"`
}

type l2IndexFile struct {
	Version   int                      `json:"version"`
	Entries   map[string]l2IndexEntry  `json:"entries"`
	TotalSize int64                    `json:"total_size"`
}

// L2 is the on-disk cache layer. Each entry occupies two sibling
// files under RootDir/entries: <digest>.data (the payload) and
// <digest>.meta (a JSON header). The index is held in memory and
// snapshotted to RootDir/index.json periodically and on Close; entry
// reads never touch disk beyond the payload+meta files themselves.
type L2 struct {
	cfg L2Config

	mu        sync.Mutex
	index     map[string]*l2IndexEntry
	totalSize int64

	hits, misses, sets, deletes, evictions, errs uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewL2 opens (or initializes) the on-disk layer at cfg.RootDir, running
// crash recovery before returning.
func NewL2(cfg L2Config) (*L2, error) {
	cfg.setDefaults()
	if err := os.MkdirAll(entriesDir(cfg.RootDir), 0o750); err != nil {
		return nil, errors.New(errors.ErrCodeLayerIO, "create l2 root").
			WithComponent("l2-disk").WithCause(err)
	}

	l := &L2{cfg: cfg, index: make(map[string]*l2IndexEntry), stopCh: make(chan struct{})}
	if err := l.recover(); err != nil {
		return nil, err
	}

	l.wg.Add(1)
	go l.snapshotLoop()
	return l, nil
}

func entriesDir(root string) string { return filepath.Join(root, "entries") }
func indexPath(root string) string  { return filepath.Join(root, "index.json") }
func dataPath(root, digest string) string { return filepath.Join(entriesDir(root), digest+".data") }
func metaPath(root, digest string) string { return filepath.Join(entriesDir(root), digest+".meta") }

func (l *L2) Name() string         { return "l2-disk" }
func (l *L2) MaxItemBytes() int64  { return l.cfg.MaxItemBytes }

// Close stops the snapshot loop and writes a final snapshot. Calling it
// again after that does nothing.
func (l *L2) Close() error {
	select {
	case <-l.stopCh:
		return nil
	default:
	}
	close(l.stopCh)
	l.wg.Wait()
	return l.snapshot()
}

// Get implements types.Layer. A hit updates last_accessed in memory only;
// that update is made durable by the next periodic or shutdown snapshot,
// never by a synchronous disk write.
func (l *L2) Get(ctx context.Context, key types.Key) types.Result {
	digest := HashDigest(key)

	l.mu.Lock()
	ent, ok := l.index[digest]
	if !ok {
		l.mu.Unlock()
		atomic.AddUint64(&l.misses, 1)
		return types.Result{Miss: true}
	}
	now := time.Now()
	if !ent.ExpiresAt.After(now) {
		l.removeLocked(digest)
		l.mu.Unlock()
		atomic.AddUint64(&l.misses, 1)
		return types.Result{Miss: true}
	}
	ent.LastAccessed = now
	snapshot := *ent
	l.mu.Unlock()

	payload, err := os.ReadFile(dataPath(l.cfg.RootDir, digest))
	if err != nil {
		l.mu.Lock()
		l.removeLocked(digest)
		l.mu.Unlock()
		atomic.AddUint64(&l.errs, 1)
		atomic.AddUint64(&l.misses, 1)
		return types.Result{Miss: true}
	}
	if int64(len(payload)) != snapshot.Size {
		l.mu.Lock()
		l.removeLocked(digest)
		l.mu.Unlock()
		atomic.AddUint64(&l.errs, 1)
		atomic.AddUint64(&l.misses, 1)
		return types.Result{Miss: true}
	}

	atomic.AddUint64(&l.hits, 1)
	return types.Result{Hit: true, Entry: &types.Entry{
		Payload:      payload,
		ContentType:  snapshot.ContentType,
		ETag:         snapshot.ETag,
		CreatedAt:    snapshot.CreatedAt,
		ExpiresAt:    snapshot.ExpiresAt,
		LastAccessed: snapshot.LastAccessed,
	}}
}

// Set implements types.Layer's write protocol: write payload to a temp
// file, fsync and rename it into place, then do the same for the
// metadata file, and only then make the entry visible in the index.
func (l *L2) Set(ctx context.Context, key types.Key, entry *types.Entry) types.SetResult {
	size := entry.SizeBytes()
	if l.cfg.MaxItemBytes > 0 && size > l.cfg.MaxItemBytes {
		return types.SetResult{Rejected: true, Reason: "too large for L2"}
	}

	digest := HashDigest(key)
	if err := atomicWrite(dataPath(l.cfg.RootDir, digest), entry.Payload); err != nil {
		atomic.AddUint64(&l.errs, 1)
		return types.SetResult{Fail: true, Err: err}
	}

	meta := l2IndexEntry{
		Digest:       digest,
		Bucket:       key.Bucket,
		Path:         key.Path,
		VersionTag:   key.VersionTag,
		Size:         size,
		ContentType:  entry.ContentType,
		ETag:         entry.ETag,
		CreatedAt:    entry.CreatedAt,
		ExpiresAt:    entry.ExpiresAt,
		LastAccessed: entry.LastAccessed,
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		atomic.AddUint64(&l.errs, 1)
		return types.SetResult{Fail: true, Err: err}
	}
	if err := atomicWrite(metaPath(l.cfg.RootDir, digest), metaBytes); err != nil {
		_ = os.Remove(dataPath(l.cfg.RootDir, digest))
		atomic.AddUint64(&l.errs, 1)
		return types.SetResult{Fail: true, Err: err}
	}

	l.mu.Lock()
	if old, ok := l.index[digest]; ok {
		l.totalSize -= old.Size
	}
	l.index[digest] = &meta
	l.totalSize += size
	overHigh := l.totalSize > int64(float64(l.cfg.CapacityBytes)*l.cfg.HighWaterRatio)
	l.mu.Unlock()

	atomic.AddUint64(&l.sets, 1)
	if overHigh {
		l.evictToLowWater()
	}
	return types.SetResult{Ok: true}
}

func (l *L2) Delete(ctx context.Context, key types.Key) types.DeleteResult {
	digest := HashDigest(key)

	l.mu.Lock()
	_, ok := l.index[digest]
	if ok {
		l.removeLocked(digest)
	}
	l.mu.Unlock()

	if !ok {
		return types.DeleteResult{Existed: false}
	}
	_ = os.Remove(dataPath(l.cfg.RootDir, digest))
	_ = os.Remove(metaPath(l.cfg.RootDir, digest))
	atomic.AddUint64(&l.deletes, 1)
	return types.DeleteResult{Existed: true}
}

func (l *L2) Clear(ctx context.Context) error {
	l.mu.Lock()
	digests := make([]string, 0, len(l.index))
	for d := range l.index {
		digests = append(digests, d)
	}
	l.index = make(map[string]*l2IndexEntry)
	l.totalSize = 0
	l.mu.Unlock()

	for _, d := range digests {
		_ = os.Remove(dataPath(l.cfg.RootDir, d))
		_ = os.Remove(metaPath(l.cfg.RootDir, d))
	}
	return nil
}

func (l *L2) Stats() types.StatsSnapshot {
	l.mu.Lock()
	itemCount := int64(len(l.index))
	bytesInUse := l.totalSize
	l.mu.Unlock()

	return types.StatsSnapshot{
		Hits:       atomic.LoadUint64(&l.hits),
		Misses:     atomic.LoadUint64(&l.misses),
		Sets:       atomic.LoadUint64(&l.sets),
		Deletes:    atomic.LoadUint64(&l.deletes),
		Evictions:  atomic.LoadUint64(&l.evictions),
		Errors:     atomic.LoadUint64(&l.errs),
		BytesInUse: bytesInUse,
		ItemCount:  itemCount,
		Capacity:   l.cfg.CapacityBytes,
	}
}

// removeLocked drops the index entry. Caller holds l.mu.
func (l *L2) removeLocked(digest string) {
	if ent, ok := l.index[digest]; ok {
		l.totalSize -= ent.Size
		delete(l.index, digest)
	}
}

// evictToLowWater evicts entries outside the grace window, oldest
// last_accessed first (ties broken by created_at), until total size is
// at or below capacity*LowWaterRatio.
func (l *L2) evictToLowWater() {
	target := int64(float64(l.cfg.CapacityBytes) * l.cfg.LowWaterRatio)
	now := time.Now()

	l.mu.Lock()
	if l.totalSize <= target {
		l.mu.Unlock()
		return
	}
	candidates := make([]*l2IndexEntry, 0, len(l.index))
	for _, ent := range l.index {
		if now.Sub(ent.CreatedAt) < l.cfg.GraceWindow {
			continue
		}
		candidates = append(candidates, ent)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].LastAccessed.Equal(candidates[j].LastAccessed) {
			return candidates[i].LastAccessed.Before(candidates[j].LastAccessed)
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	var victims []string
	for _, ent := range candidates {
		if l.totalSize <= target {
			break
		}
		l.removeLocked(ent.Digest)
		victims = append(victims, ent.Digest)
		atomic.AddUint64(&l.evictions, 1)
	}
	l.mu.Unlock()

	for _, digest := range victims {
		_ = os.Remove(dataPath(l.cfg.RootDir, digest))
		_ = os.Remove(metaPath(l.cfg.RootDir, digest))
	}
}

// recover implements the crash-recovery sequence:
//  1. load index.json, tolerant of it being missing or corrupt
//  2. scan entries/ for files not referenced by the index (orphans)
//  3. verify each indexed entry's .data file size matches the index
//  4. delete leftover .tmp files from interrupted writes
//  5. recompute the total-size counter from surviving entries
//  6. expire entries whose expires_at is already in the past
//  7. run eviction immediately if still over the capacity ceiling
func (l *L2) recover() error {
	l.loadIndexBestEffort()

	dir := entriesDir(l.cfg.RootDir)
	files, err := os.ReadDir(dir)
	if err != nil {
		return errors.New(errors.ErrCodeLayerIO, "read entries dir").
			WithComponent("l2-disk").WithCause(err)
	}

	presentData := make(map[string]bool, len(files))
	presentMeta := make(map[string]bool, len(files))
	for _, f := range files {
		name := f.Name()
		if strings.HasSuffix(name, ".tmp") {
			_ = os.Remove(filepath.Join(dir, name))
			continue
		}
		if strings.HasSuffix(name, ".data") {
			presentData[strings.TrimSuffix(name, ".data")] = true
		}
		if strings.HasSuffix(name, ".meta") {
			presentMeta[strings.TrimSuffix(name, ".meta")] = true
		}
	}

	for digest, ent := range l.index {
		if !presentData[digest] {
			delete(l.index, digest)
			continue
		}
		info, err := os.Stat(dataPath(l.cfg.RootDir, digest))
		if err != nil || info.Size() != ent.Size {
			delete(l.index, digest)
			_ = os.Remove(dataPath(l.cfg.RootDir, digest))
			_ = os.Remove(metaPath(l.cfg.RootDir, digest))
		}
	}
	// Any .data file (and its .meta sibling, if any) not backed by an
	// index entry is an orphan from an interrupted write or a crash
	// between write and snapshot.
	for digest := range presentData {
		if _, ok := l.index[digest]; !ok {
			_ = os.Remove(dataPath(l.cfg.RootDir, digest))
			_ = os.Remove(metaPath(l.cfg.RootDir, digest))
		}
	}
	// A lone .meta with no sibling .data (and no index entry) is also an
	// orphan: the payload write never landed or was already reaped above.
	for digest := range presentMeta {
		if presentData[digest] {
			continue
		}
		if _, ok := l.index[digest]; !ok {
			_ = os.Remove(metaPath(l.cfg.RootDir, digest))
		}
	}

	var total int64
	for _, ent := range l.index {
		total += ent.Size
	}
	l.totalSize = total

	now := time.Now()
	var expired []string
	for digest, ent := range l.index {
		if !ent.ExpiresAt.After(now) {
			expired = append(expired, digest)
		}
	}
	for _, digest := range expired {
		l.removeLocked(digest)
		_ = os.Remove(dataPath(l.cfg.RootDir, digest))
		_ = os.Remove(metaPath(l.cfg.RootDir, digest))
	}

	if l.totalSize > int64(float64(l.cfg.CapacityBytes)*l.cfg.HighWaterRatio) {
		l.evictToLowWater()
	}
	return nil
}

func (l *L2) loadIndexBestEffort() {
	raw, err := os.ReadFile(indexPath(l.cfg.RootDir))
	if err != nil {
		return
	}
	var file l2IndexFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return
	}
	for digest, ent := range file.Entries {
		ent := ent
		l.index[digest] = &ent
	}
}

func (l *L2) snapshotLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			_ = l.snapshot()
		}
	}
}

func (l *L2) snapshot() error {
	l.mu.Lock()
	file := l2IndexFile{Version: 1, Entries: make(map[string]l2IndexEntry, len(l.index)), TotalSize: l.totalSize}
	for digest, ent := range l.index {
		file.Entries[digest] = *ent
	}
	l.mu.Unlock()

	raw, err := json.Marshal(file)
	if err != nil {
		return errors.New(errors.ErrCodeInternalError, "marshal l2 index").
			WithComponent("l2-disk").WithCause(err)
	}
	return atomicWrite(indexPath(l.cfg.RootDir), raw)
}

// atomicWrite writes data to a ".tmp" sibling of path, fsyncs it, then
// renames it into place; rename is atomic on the same filesystem so
// readers never observe a partially-written file.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.New(errors.ErrCodeLayerIO, "create temp file").
			WithComponent("l2-disk").WithCause(err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.New(errors.ErrCodeLayerIO, "write temp file").
			WithComponent("l2-disk").WithCause(err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.New(errors.ErrCodeLayerIO, "fsync temp file").
			WithComponent("l2-disk").WithCause(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.New(errors.ErrCodeLayerIO, "close temp file").
			WithComponent("l2-disk").WithCause(err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errors.New(errors.ErrCodeLayerIO, "rename into place").
			WithComponent("l2-disk").WithCause(err)
	}
	return nil
}
