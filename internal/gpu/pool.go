package gpu

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// bucketSizes are the size classes buffers are rounded up to, so that
// releasing a 4 KiB scratch tensor and immediately requesting another one
// of similar size reuses the same free list instead of round-tripping the
// adapter. Grounded on the indexed-slice pooling idiom in
// gogpu-gg/recording/pool.go, generalized from one slice-per-resource-type
// to one free-list-per-size-bucket.
var bucketSizes = []uint64{
	4 << 10, 16 << 10, 64 << 10, 256 << 10,
	1 << 20, 4 << 20, 16 << 20, 64 << 20, 256 << 20, 1 << 30,
}

func bucketFor(size uint64) uint64 {
	for _, b := range bucketSizes {
		if size <= b {
			return b
		}
	}
	return size // oversized allocations get their own exact-size bucket
}

type bufEntry struct {
	id    BufferID
	usage BufferUsage
}

// Pool is the size-bucketed GPU buffer allocator shared by every decode
// context running against one device (spec.md §5: "the buffer pool is
// thread-safe at the granularity of acquire/release"). It is the only
// mutator of its own free/used lists.
type Pool struct {
	adapter Adapter

	mu       sync.Mutex
	free     map[uint64][]bufEntry // bucket size -> free buffers of that bucket
	liveSize map[BufferID]uint64   // bucket size of each outstanding (acquired) buffer
	committed uint64               // total bytes currently allocated from the adapter
	maxHeap   uint64
}

// NewPool constructs a buffer pool bounded by the adapter's reported heap.
func NewPool(adapter Adapter, maxHeapBytes uint64) *Pool {
	return &Pool{
		adapter:  adapter,
		free:     make(map[uint64][]bufEntry),
		liveSize: make(map[BufferID]uint64),
		maxHeap:  maxHeapBytes,
	}
}

// Acquire returns a buffer of at least size bytes with the given usage,
// reusing a released buffer from the matching bucket when one is free.
func (p *Pool) Acquire(size uint64, usage BufferUsage) (BufferID, error) {
	bucket := bucketFor(size)

	p.mu.Lock()
	if list := p.free[bucket]; len(list) > 0 {
		for i, e := range list {
			if e.usage == usage {
				p.free[bucket] = append(list[:i], list[i+1:]...)
				p.liveSize[e.id] = bucket
				p.mu.Unlock()
				return e.id, nil
			}
		}
	}
	committed := p.committed
	maxHeap := p.maxHeap
	p.mu.Unlock()

	if maxHeap > 0 && committed+bucket > maxHeap {
		return 0, fmt.Errorf("gpu: pool would exceed max heap (%d + %d > %d)", committed, bucket, maxHeap)
	}

	id, err := p.adapter.CreateBuffer(bucket, usage)
	if err != nil {
		return 0, fmt.Errorf("gpu: allocate %d-byte buffer: %w", bucket, err)
	}

	p.mu.Lock()
	p.liveSize[id] = bucket
	p.committed += bucket
	p.mu.Unlock()

	slog.Debug("gpu: buffer acquired", "bucket", bucket, "committed", committed+bucket)
	return id, nil
}

// Release returns a buffer to its bucket's free list. The caller (a command
// Recorder) must only call this after the device has signaled completion
// for any dispatch that touched the buffer (spec.md §5).
func (p *Pool) Release(id BufferID, usage BufferUsage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bucket, ok := p.liveSize[id]
	if !ok {
		slog.Warn("gpu: release of unknown buffer", "id", id)
		return
	}
	delete(p.liveSize, id)
	p.free[bucket] = append(p.free[bucket], bufEntry{id: id, usage: usage})
}

// Stats reports current pool occupancy for diagnostics/tests.
func (p *Pool) Stats() (committed uint64, liveCount int, freeCount int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, list := range p.free {
		freeCount += len(list)
	}
	return p.committed, len(p.liveSize), freeCount
}

// Recorder is a command-recorder-scoped list of temporary buffers acquired
// during one batched dispatch sequence. Every exit path — normal flush,
// cancellation, or a poisoned-state abort — releases everything the
// recorder tracked, per spec.md §5 and §9 ("scoped GPU buffers released on
// all exit paths").
type Recorder struct {
	pool *Pool

	mu      sync.Mutex
	tracked []bufEntry
	flushed bool
}

// NewRecorder starts tracking temporaries against pool.
func NewRecorder(pool *Pool) *Recorder {
	return &Recorder{pool: pool}
}

// Temp acquires a buffer and tracks it for release by Close.
func (r *Recorder) Temp(size uint64, usage BufferUsage) (BufferID, error) {
	id, err := r.pool.Acquire(size, usage)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	r.tracked = append(r.tracked, bufEntry{id: id, usage: usage})
	r.mu.Unlock()
	return id, nil
}

// Close releases every temporary this recorder acquired. It is idempotent
// and safe to call from a defer regardless of whether the recorder's
// dispatches were submitted, cancelled, or aborted by the numeric stability
// guard.
func (r *Recorder) Close() {
	r.mu.Lock()
	tracked := r.tracked
	r.tracked = nil
	alreadyFlushed := r.flushed
	r.flushed = true
	r.mu.Unlock()

	if alreadyFlushed {
		return
	}
	// Release in reverse-acquisition order: not required for correctness
	// (the pool's free lists are unordered), but it keeps buffer reuse
	// stack-like, which tends to maximize bucket-cache hits on the very
	// next dispatch.
	sort.SliceStable(tracked, func(i, j int) bool { return i > j })
	for _, e := range tracked {
		r.pool.Release(e.id, e.usage)
	}
}
