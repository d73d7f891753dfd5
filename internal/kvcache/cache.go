// Package kvcache implements C7: the per-layer key/value cache the
// attention engine reads from and appends to. Ported and adapted from
// kvcache/constructors.go and kvcache/forward.go: the free-cell-table
// allocation strategy, sliding-window trimming, and causal+window mask
// construction are the teacher's algorithm, simplified from "many
// concurrent sequences sharing one cache" to the single always-one-
// sequence decode context spec.md §5 mandates ("no parallel decode
// contexts on one device").
package kvcache

import (
	"errors"
	"fmt"
	"math"

	"github.com/clocksmith/doppler-sub019/internal/numeric"
)

// ErrKVCacheFull is returned by a backend when a write would exceed
// maxSeqLen; the decode loop surfaces this as ContextFull (spec.md §7).
var ErrKVCacheFull = errors.New("kvcache: no free cells for this write")

// KVOverflow wraps ErrKVCacheFull with the position that overflowed.
type KVOverflow struct {
	Position  int
	MaxSeqLen int
}

func (e *KVOverflow) Error() string {
	return fmt.Sprintf("kvcache: write at position %d exceeds maxSeqLen %d", e.Position, e.MaxSeqLen)
}

func (e *KVOverflow) Unwrap() error { return ErrKVCacheFull }

// Config describes one layer's K/V tensor shape and masking policy
// (spec.md §3 KV Entry: "[maxSeqLen, kvHeads, headDim]").
type Config struct {
	MaxSeqLen     int
	KVHeads       int
	HeadDim       int
	SlidingWindow *int // spec.md §4.7 sliding-window mask
	ChunkSize     *int // chunked-attention mask (teacher's chunkSize field)
	DType         numeric.DType
}

func (c Config) rowElems() int { return c.KVHeads * c.HeadDim }

// Cache is the interface both backends (cell-table and ring-buffer)
// implement. A Cache owns K and V storage for every layer of one decode
// context; it is destroyed when the context is torn down (spec.md §3).
type Cache interface {
	// WriteKV appends one position's key/value rows for layer (decode:
	// one position; prefill: called once per position in the batch).
	// Returns *KVOverflow if pos is out of range for the backend.
	WriteKV(layer, pos int, k, v []float32) error

	// ReadKV returns the committed key/value rows for layer across
	// [0, currentLen).
	ReadKV(layer int) (k, v []float32, length int)

	// BuildMask returns a causal (+ sliding-window/chunked, if configured)
	// mask over [0, currentLen) for one query position: 0 where the key
	// position is visible, -Inf where masked (spec.md §4.7/§4.2).
	BuildMask(queryPos int) []float32

	// CurrentLen is the number of committed positions (monotonic, reset
	// only by Reset).
	CurrentLen() int

	// Reset discards all committed state, returning the cache to empty.
	Reset()
}

func maskValue(visible bool) float32 {
	if visible {
		return 0
	}
	return float32(math.Inf(-1))
}
