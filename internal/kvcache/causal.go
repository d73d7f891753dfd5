package kvcache

// Causal is the cell-table KV backend, adapted from kvcache/forward.go's
// findLocs/updateSlidingWindow/buildMask trio. The teacher's cellRanges
// map (keyed by sequence id, since one cache served many concurrent
// sequences) collapses here to a single contiguous range, since exactly
// one sequence ever occupies this cache (spec.md §5). The teacher's cache
// padding and range rounding are not carried over: the cache holds exactly
// MaxSeqLen cells and the active range is the occupied cells, unpadded.
type Causal struct {
	cfg Config

	// one row of committed K/V data per cell, per layer
	k map[int][]float32 // layer -> flattened [cell][kvHeads*headDim]
	v map[int][]float32

	cellPos []int32 // -1 for unoccupied cells
	curLen  int     // number of occupied cells = next write position
}

// NewCausal constructs a cell-table cache sized to cfg.MaxSeqLen.
func NewCausal(cfg Config) *Causal {
	cells := make([]int32, cfg.MaxSeqLen)
	for i := range cells {
		cells[i] = -1
	}
	return &Causal{
		cfg:     cfg,
		k:       make(map[int][]float32),
		v:       make(map[int][]float32),
		cellPos: cells,
	}
}

func (c *Causal) layerBuf(store map[int][]float32, layer int) []float32 {
	buf, ok := store[layer]
	if !ok {
		buf = make([]float32, c.cfg.MaxSeqLen*c.cfg.rowElems())
		store[layer] = buf
	}
	return buf
}

// WriteKV writes one position's row for layer. Mirrors the teacher's
// findLocs contract: a write past the cache's capacity is ErrKVCacheFull,
// surfaced as KVOverflow (spec.md §7).
func (c *Causal) WriteKV(layer, pos int, k, v []float32) error {
	if pos < 0 || pos >= c.cfg.MaxSeqLen {
		return &KVOverflow{Position: pos, MaxSeqLen: c.cfg.MaxSeqLen}
	}
	rowElems := c.cfg.rowElems()
	if len(k) != rowElems || len(v) != rowElems {
		panic("kvcache: row length does not match kvHeads*headDim")
	}

	kBuf := c.layerBuf(c.k, layer)
	vBuf := c.layerBuf(c.v, layer)
	copy(kBuf[pos*rowElems:(pos+1)*rowElems], k)
	copy(vBuf[pos*rowElems:(pos+1)*rowElems], v)

	c.cellPos[pos] = int32(pos)
	if pos+1 > c.curLen {
		c.curLen = pos + 1
	}
	return nil
}

// ReadKV returns the committed rows for layer across [0, curLen).
func (c *Causal) ReadKV(layer int) (k, v []float32, length int) {
	rowElems := c.cfg.rowElems()
	kBuf := c.layerBuf(c.k, layer)
	vBuf := c.layerBuf(c.v, layer)
	return kBuf[:c.curLen*rowElems], vBuf[:c.curLen*rowElems], c.curLen
}

// BuildMask returns a causal(+sliding-window/chunked) mask over the
// committed range for one query position, adapted from buildMask in
// forward.go: a key position is masked when it lies ahead of the query
// (causality), outside the sliding window, or in a different chunk.
func (c *Causal) BuildMask(queryPos int) []float32 {
	mask := make([]float32, c.curLen)
	for j := 0; j < c.curLen; j++ {
		keyPos := int(c.cellPos[j])
		visible := keyPos <= queryPos
		if visible && c.cfg.SlidingWindow != nil {
			visible = keyPos >= queryPos-*c.cfg.SlidingWindow
		}
		if visible && c.cfg.ChunkSize != nil && *c.cfg.ChunkSize > 0 {
			chunkStart := queryPos - queryPos%(*c.cfg.ChunkSize)
			visible = keyPos >= chunkStart
		}
		mask[j] = maskValue(visible)
	}
	return mask
}

// CurrentLen returns the number of committed positions.
func (c *Causal) CurrentLen() int { return c.curLen }

// Reset discards all committed rows.
func (c *Causal) Reset() {
	for i := range c.cellPos {
		c.cellPos[i] = -1
	}
	c.k = make(map[int][]float32)
	c.v = make(map[int][]float32)
	c.curLen = 0
}
