package cache

import (
	"container/list"
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/objectfs/s3cacheproxy/pkg/types"
)

// l1ShardCount is the number of independent shards L1 splits its keyspace
// across, so get/set never block for longer than a constant time
// independent of the cache's overall size.
const l1ShardCount = 32

// L1Config configures the in-process memory layer.
type L1Config struct {
	CapacityBytes   int64
	MaxItemBytes    int64
	MaxEntries      int64
	DefaultTTL      time.Duration
	SweepInterval   time.Duration
}

// l1Item is the per-key state held by a shard: a saturating frequency
// counter and S3-FIFO queue membership, grounded on the S3-FIFO admission
// policy (small probationary queue + protected main queue + bounded ghost
// set) used for scan-resistant, frequency-aware eviction.
type l1Item struct {
	key   types.Key
	entry *types.Entry
	freq  uint8 // saturating counter in [0,3]
	elem  *list.Element
	inMain bool
}

// l1Shard is one independently-locked partition of the L1 keyspace.
type l1Shard struct {
	mu sync.Mutex

	capacityBytes int64
	bytesInUse    int64

	sTarget int64 // byte target for the small/probationary queue (~10%)

	items  map[string]*l1Item
	sQueue *list.List // small/probationary FIFO of keys (string form)
	mQueue *list.List // main/protected FIFO of keys

	ghost      map[string]struct{}
	ghostOrder []string
	ghostCap   int
}

// L1 is the in-process, sized cache with frequency-aware eviction.
type L1 struct {
	cfg    L1Config
	shards [l1ShardCount]*l1Shard

	hits, misses, sets, deletes, evictions, errs uint64

	stopSweep chan struct{}
}

// NewL1 constructs the L1 layer and starts its periodic expiration sweep.
func NewL1(cfg L1Config) *L1 {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	perShard := cfg.CapacityBytes / l1ShardCount
	if perShard < 1 {
		perShard = 1
	}
	l := &L1{cfg: cfg, stopSweep: make(chan struct{})}
	for i := range l.shards {
		sTarget := perShard / 10
		if sTarget < 1 {
			sTarget = 1
		}
		ghostCap := 64
		l.shards[i] = &l1Shard{
			capacityBytes: perShard,
			sTarget:       sTarget,
			items:         make(map[string]*l1Item),
			sQueue:        list.New(),
			mQueue:        list.New(),
			ghost:         make(map[string]struct{}, ghostCap),
			ghostCap:      ghostCap,
		}
	}
	go l.sweepLoop()
	return l
}

// Close stops the background expiration sweep.
func (l *L1) Close() {
	close(l.stopSweep)
}

func (l *L1) Name() string { return "l1-memory" }

func (l *L1) MaxItemBytes() int64 { return l.cfg.MaxItemBytes }

func (l *L1) shardFor(key types.Key) *l1Shard {
	h := fnv.New32a()
	_, _ = h.Write(key.StableBytes())
	return l.shards[h.Sum32()%l1ShardCount]
}

// Get implements types.Layer. Never blocks on I/O; expiration is enforced
// lazily here as well as by the periodic sweep.
func (l *L1) Get(ctx context.Context, key types.Key) types.Result {
	shard := l.shardFor(key)
	k := key.String()

	shard.mu.Lock()
	item, ok := shard.items[k]
	if !ok {
		shard.mu.Unlock()
		atomic.AddUint64(&l.misses, 1)
		return types.Result{Miss: true}
	}
	now := time.Now()
	if item.entry.Expired(now) {
		shard.removeLocked(k, item)
		shard.mu.Unlock()
		atomic.AddUint64(&l.misses, 1)
		return types.Result{Miss: true}
	}
	if item.freq < 3 {
		item.freq++
	}
	touched := item.entry.Touched(now)
	item.entry = touched
	shard.mu.Unlock()

	atomic.AddUint64(&l.hits, 1)
	return types.Result{Hit: true, Entry: touched}
}

// Set implements types.Layer. Entries larger than MaxItemBytes are
// rejected rather than admitted.
func (l *L1) Set(ctx context.Context, key types.Key, entry *types.Entry) types.SetResult {
	size := entry.SizeBytes()
	if l.cfg.MaxItemBytes > 0 && size > l.cfg.MaxItemBytes {
		return types.SetResult{Rejected: true, Reason: "too large for L1"}
	}

	shard := l.shardFor(key)
	k := key.String()

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if existing, ok := shard.items[k]; ok {
		shard.bytesInUse += size - existing.entry.SizeBytes()
		existing.entry = entry
	} else {
		inMain := shard.ghostContains(k)
		var elem *list.Element
		if inMain {
			elem = shard.mQueue.PushBack(k)
		} else {
			elem = shard.sQueue.PushBack(k)
		}
		shard.items[k] = &l1Item{key: key, entry: entry, elem: elem, inMain: inMain}
		shard.bytesInUse += size
	}

	for shard.bytesInUse > shard.capacityBytes && (shard.sQueue.Len()+shard.mQueue.Len()) > 1 {
		evicted := shard.evictOne(l)
		if !evicted {
			break
		}
	}

	atomic.AddUint64(&l.sets, 1)
	return types.SetResult{Ok: true}
}

func (l *L1) Delete(ctx context.Context, key types.Key) types.DeleteResult {
	shard := l.shardFor(key)
	k := key.String()

	shard.mu.Lock()
	defer shard.mu.Unlock()

	item, ok := shard.items[k]
	if !ok {
		return types.DeleteResult{Existed: false}
	}
	shard.removeLocked(k, item)
	atomic.AddUint64(&l.deletes, 1)
	return types.DeleteResult{Existed: true}
}

func (l *L1) Clear(ctx context.Context) error {
	for _, shard := range l.shards {
		shard.mu.Lock()
		shard.items = make(map[string]*l1Item)
		shard.sQueue.Init()
		shard.mQueue.Init()
		shard.ghost = make(map[string]struct{}, shard.ghostCap)
		shard.ghostOrder = nil
		shard.bytesInUse = 0
		shard.mu.Unlock()
	}
	return nil
}

func (l *L1) Stats() types.StatsSnapshot {
	var bytesInUse, itemCount int64
	for _, shard := range l.shards {
		shard.mu.Lock()
		bytesInUse += shard.bytesInUse
		itemCount += int64(len(shard.items))
		shard.mu.Unlock()
	}
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

func (l *L1) sweepLoop() {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopSweep:
			return
		case <-ticker.C:
			l.sweepExpired()
		}
	}
}

func (l *L1) sweepExpired() {
	now := time.Now()
	for _, shard := range l.shards {
		shard.mu.Lock()
		for k, item := range shard.items {
			if item.entry.Expired(now) {
				shard.removeLocked(k, item)
			}
		}
		shard.mu.Unlock()
	}
}

// removeLocked deletes an item from its queue and the index. Caller holds
// shard.mu.
func (shard *l1Shard) removeLocked(k string, item *l1Item) {
	if item.inMain {
		shard.mQueue.Remove(item.elem)
	} else {
		shard.sQueue.Remove(item.elem)
	}
	shard.bytesInUse -= item.entry.SizeBytes()
	delete(shard.items, k)
}

// evictOne applies one step of S3-FIFO eviction. Caller holds shard.mu.
// Returns false if there was nothing left to evict.
func (shard *l1Shard) evictOne(l *L1) bool {
	if shard.sQueue.Len() > 0 {
		return shard.evictFromS(l)
	}
	return shard.evictFromM(l)
}

func (shard *l1Shard) evictFromS(l *L1) bool {
	front := shard.sQueue.Front()
	if front == nil {
		return false
	}
	k := front.Value.(string)
	shard.sQueue.Remove(front)

	item, ok := shard.items[k]
	if !ok {
		return true
	}

	if item.freq > 0 {
		item.freq = 0
		item.inMain = true
		item.elem = shard.mQueue.PushBack(k)
		return true
	}

	shard.bytesInUse -= item.entry.SizeBytes()
	delete(shard.items, k)
	shard.ghostAdd(k)
	atomic.AddUint64(&l.evictions, 1)
	return true
}

func (shard *l1Shard) evictFromM(l *L1) bool {
	front := shard.mQueue.Front()
	if front == nil {
		return false
	}
	k := front.Value.(string)
	shard.mQueue.Remove(front)

	item, ok := shard.items[k]
	if !ok {
		return true
	}
	shard.bytesInUse -= item.entry.SizeBytes()
	delete(shard.items, k)
	atomic.AddUint64(&l.evictions, 1)
	return true
}

func (shard *l1Shard) ghostContains(k string) bool {
	_, ok := shard.ghost[k]
	return ok
}

func (shard *l1Shard) ghostAdd(k string) {
	if len(shard.ghostOrder) >= shard.ghostCap {
		oldest := shard.ghostOrder[0]
		shard.ghostOrder = shard.ghostOrder[1:]
		delete(shard.ghost, oldest)
	}
	shard.ghostOrder = append(shard.ghostOrder, k)
	shard.ghost[k] = struct{}{}
}
