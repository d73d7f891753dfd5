// Package weights implements C4: the tensor name registry that resolves a
// manifest's declared tensors to GPU-resident buffers, lazily uploading each
// tensor's bytes on first use and evicting per decode-context references
// once a context completes. Grounded on ml/backend/ggml's parallel tensor
// loader (backend_load.go: one errgroup goroutine per tensor, shared
// progress counter) and context_tensors.go's shape-validation idiom
// (checkShape), generalized from a single CGO-backed buffer set to this
// module's GPU buffer pool plus reference counting across concurrent
// decode contexts.
package weights

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/pdevine/tensor"
	"golang.org/x/sync/errgroup"

	"github.com/clocksmith/doppler-sub019/internal/gpu"
	"github.com/clocksmith/doppler-sub019/internal/manifest"
	"github.com/clocksmith/doppler-sub019/internal/numeric"
	"github.com/clocksmith/doppler-sub019/internal/shardstore"
)

// entry tracks one tensor's residency and reference count.
type entry struct {
	ref      manifest.TensorRef
	dtype    numeric.DType
	buffer   gpu.BufferID
	uploaded bool
	refCount int
}

// Registry resolves tensor names to GPU buffers for one loaded model pack.
// A tensor is uploaded at most once; subsequent lookups across decode
// contexts share the same buffer under reference counting (spec.md §5:
// "weights are immutable and safely shared across concurrent readers").
type Registry struct {
	man     *manifest.Manifest
	store   *shardstore.Store
	adapter gpu.Adapter

	mu      sync.Mutex
	entries map[string]*entry
}

// New constructs a weight registry over a parsed manifest.
func New(man *manifest.Manifest, store *shardstore.Store, adapter gpu.Adapter) (*Registry, error) {
	entries := make(map[string]*entry, len(man.Tensors))
	for _, t := range man.Tensors {
		dtype, err := numeric.ParseDType(t.DType)
		if err != nil {
			return nil, fmt.Errorf("weights: tensor %q: %w", t.Name, err)
		}
		if err := validateShape(t.Name, dtype, t.Shape); err != nil {
			return nil, err
		}
		entries[t.Name] = &entry{ref: t, dtype: dtype}
	}
	return &Registry{man: man, store: store, adapter: adapter, entries: entries}, nil
}

// validateShape rejects degenerate shapes before any GPU buffer is
// allocated, mirroring context_tensors.go's checkShape panic-on-mismatch
// guard (recast here as a returned error, since this boundary is untrusted
// manifest input rather than an internal invariant).
func validateShape(name string, dtype numeric.DType, shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("weights: tensor %q has empty shape", name)
	}
	for _, d := range shape {
		if d < 1 {
			return fmt.Errorf("weights: tensor %q has invalid dimension %d", name, d)
		}
	}
	sh := make(tensor.Shape, len(shape))
	for i, d := range shape {
		sh[i] = d
	}
	if _, err := numeric.ByteSize(dtype, shape); err != nil {
		return fmt.Errorf("weights: tensor %q: %w", name, err)
	}
	if sh.TotalSize() <= 0 {
		return fmt.Errorf("weights: tensor %q has non-positive element count", name)
	}
	return nil
}

// Prefetch uploads every tensor to the GPU in parallel, fanning out across
// GOMAXPROCS goroutines the way Load/loadTensor does in backend_load.go,
// reporting fractional progress through progress.
func (r *Registry) Prefetch(ctx context.Context, progress func(float32)) error {
	names := make([]string, 0, len(r.entries))
	r.mu.Lock()
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.Unlock()

	var done atomic.Int64
	total := int64(len(names))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, name := range names {
		name := name
		g.Go(func() error {
			if _, err := r.Resolve(ctx, name); err != nil {
				return err
			}
			n := done.Add(1)
			if progress != nil {
				progress(float32(n) / float32(total))
			}
			return nil
		})
	}
	return g.Wait()
}

// Resolve returns the GPU buffer backing name, uploading it on first call.
// The caller must pair every Resolve with a Release once the tensor is no
// longer needed by that decode context.
func (r *Registry) Resolve(ctx context.Context, name string) (gpu.BufferID, error) {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return 0, fmt.Errorf("weights: unknown tensor %q", name)
	}
	if e.uploaded {
		e.refCount++
		buf := e.buffer
		r.mu.Unlock()
		return buf, nil
	}
	r.mu.Unlock()

	shard, ok := r.man.ShardByHash(e.ref.ShardHash)
	if !ok {
		return 0, fmt.Errorf("weights: tensor %q: shard %q not in manifest", name, e.ref.ShardHash)
	}
	data, err := r.store.Fetch(ctx, shard)
	if err != nil {
		return 0, fmt.Errorf("weights: tensor %q: %w", name, err)
	}

	size, err := numeric.ByteSize(e.dtype, e.ref.Shape)
	if err != nil {
		return 0, err
	}
	if e.ref.Offset+size > int64(len(data)) {
		return 0, fmt.Errorf("weights: tensor %q extends past shard %q (offset %d + size %d > %d)",
			name, e.ref.ShardHash, e.ref.Offset, size, len(data))
	}
	slice := data[e.ref.Offset : e.ref.Offset+size]

	buf, err := r.adapter.CreateBuffer(uint64(size), gpu.BufferUsageStorage|gpu.BufferUsageCopyDst)
	if err != nil {
		return 0, fmt.Errorf("weights: tensor %q: allocate buffer: %w", name, err)
	}
	if err := r.adapter.WriteBuffer(buf, 0, slice); err != nil {
		return 0, fmt.Errorf("weights: tensor %q: upload: %w", name, err)
	}

	r.mu.Lock()
	if e.uploaded {
		// Lost the race against a concurrent Resolve; release the
		// redundant buffer and reuse the winner's.
		r.mu.Unlock()
		_ = r.adapter.ReleaseBuffer(buf)
		r.mu.Lock()
		e.refCount++
		winner := e.buffer
		r.mu.Unlock()
		return winner, nil
	}
	e.buffer = buf
	e.uploaded = true
	e.refCount = 1
	r.mu.Unlock()

	slog.Debug("weights: tensor uploaded", "name", name, "bytes", size)
	return buf, nil
}

// Release drops one reference to name, evicting and freeing its GPU buffer
// once the count reaches zero (spec.md §5 resource-lifetime rule: a decode
// context's weight references are dropped when the context ends, but the
// underlying buffer survives as long as any other context still holds it).
func (r *Registry) Release(name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok || !e.uploaded {
		r.mu.Unlock()
		return fmt.Errorf("weights: release of unresolved tensor %q", name)
	}
	e.refCount--
	evict := e.refCount <= 0
	buf := e.buffer
	if evict {
		e.uploaded = false
		e.buffer = 0
	}
	r.mu.Unlock()

	if evict {
		return r.adapter.ReleaseBuffer(buf)
	}
	return nil
}

// DType returns the declared dtype for a tensor name.
func (r *Registry) DType(name string) (numeric.DType, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return numeric.DTypeUnknown, false
	}
	return e.dtype, true
}

// Shape returns the declared shape for a tensor name.
func (r *Registry) Shape(name string) ([]int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.ref.Shape, true
}
