package kvcache

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/smallnest/ringbuffer"
)

// Ring is the non-paged, contiguous KV backend named in spec.md §3/§4.4 as
// an alternative to the cell-table Causal backend: instead of a sparse
// table of cells, each layer's K/V history is a genuine FIFO of the most
// recent SlidingWindow rows, backed by a fixed-capacity byte ring so the
// oldest row is dropped in O(1) the moment a new one arrives. Appropriate
// when SlidingWindow is set and the caller never needs random access past
// the window (sliding-window-only attention).
type Ring struct {
	cfg       Config
	windowLen int // rows retained; cfg.SlidingWindow or MaxSeqLen if unset

	layers map[int]*ringLayer
}

type ringLayer struct {
	k         *ringbuffer.RingBuffer
	v         *ringbuffer.RingBuffer
	positions []int32 // oldest-first, parallel to ring buffer row order
	rowBytes  int
}

// NewRing constructs a ring-buffer-backed cache. cfg.SlidingWindow sizes
// the retained window; if unset, the window defaults to cfg.MaxSeqLen
// (degenerates to "retain everything up to maxSeqLen").
func NewRing(cfg Config) *Ring {
	window := cfg.MaxSeqLen
	if cfg.SlidingWindow != nil {
		window = *cfg.SlidingWindow
	}
	return &Ring{cfg: cfg, windowLen: window, layers: make(map[int]*ringLayer)}
}

func (r *Ring) layer(layer int) *ringLayer {
	l, ok := r.layers[layer]
	if ok {
		return l
	}
	rowElems := r.cfg.rowElems()
	rowBytes := rowElems * 4
	capacity := rowBytes * r.windowLen
	l = &ringLayer{
		k:        ringbuffer.New(capacity),
		v:        ringbuffer.New(capacity),
		rowBytes: rowBytes,
	}
	l.k.SetBlocking(false)
	l.v.SetBlocking(false)
	r.layers[layer] = l
	return l
}

func encodeRow(row []float32) []byte {
	buf := make([]byte, len(row)*4)
	for i, f := range row {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeRow(buf []byte) []float32 {
	row := make([]float32, len(buf)/4)
	for i := range row {
		row[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return row
}

// WriteKV appends one position's row, evicting the oldest row once the
// window is at capacity.
func (r *Ring) WriteKV(layer, pos int, k, v []float32) error {
	rowElems := r.cfg.rowElems()
	if len(k) != rowElems || len(v) != rowElems {
		panic("kvcache: row length does not match kvHeads*headDim")
	}

	l := r.layer(layer)
	if len(l.positions) >= r.windowLen {
		evict := make([]byte, l.rowBytes)
		if _, err := l.k.Read(evict); err != nil {
			return fmt.Errorf("kvcache: ring evict K: %w", err)
		}
		if _, err := l.v.Read(evict); err != nil {
			return fmt.Errorf("kvcache: ring evict V: %w", err)
		}
		l.positions = l.positions[1:]
	}

	if _, err := l.k.Write(encodeRow(k)); err != nil {
		return &KVOverflow{Position: pos, MaxSeqLen: r.windowLen}
	}
	if _, err := l.v.Write(encodeRow(v)); err != nil {
		return &KVOverflow{Position: pos, MaxSeqLen: r.windowLen}
	}
	l.positions = append(l.positions, int32(pos))
	return nil
}

// ReadKV returns the retained rows for layer, oldest first.
func (r *Ring) ReadKV(layer int) (k, v []float32, length int) {
	l, ok := r.layers[layer]
	if !ok {
		return nil, nil, 0
	}
	return decodeRow(l.k.Bytes()), decodeRow(l.v.Bytes()), len(l.positions)
}

// BuildMask masks every retained row whose position is ahead of queryPos
// (causality) or outside the sliding window; window eviction already keeps
// the FIFO bounded, so this only needs to enforce causality for rows still
// within the retained set but from a later position than the query (can
// happen when prefill writes out of strict order is disallowed, so this is
// primarily a defensive check).
func (r *Ring) BuildMask(queryPos int) []float32 {
	l, ok := r.layers[0]
	if !ok {
		return nil
	}
	mask := make([]float32, len(l.positions))
	for i, pos := range l.positions {
		visible := int(pos) <= queryPos
		if visible && r.cfg.SlidingWindow != nil {
			visible = int(pos) >= queryPos-*r.cfg.SlidingWindow
		}
		mask[i] = maskValue(visible)
	}
	return mask
}

// CurrentLen returns the number of retained rows in layer 0 (all layers of
// one decode context advance in lockstep, so any layer's length suffices).
func (r *Ring) CurrentLen() int {
	l, ok := r.layers[0]
	if !ok {
		return 0
	}
	return len(l.positions)
}

// Reset discards all retained rows across every layer.
func (r *Ring) Reset() {
	r.layers = make(map[int]*ringLayer)
}
