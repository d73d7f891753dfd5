package kvcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingEvictsOldestBeyondWindow(t *testing.T) {
	window := 2
	r := NewRing(Config{MaxSeqLen: 8, KVHeads: 1, HeadDim: 1, SlidingWindow: &window})

	require.NoError(t, r.WriteKV(0, 0, row(1, 0), row(1, 0)))
	require.NoError(t, r.WriteKV(0, 1, row(1, 1), row(1, 1)))
	require.NoError(t, r.WriteKV(0, 2, row(1, 2), row(1, 2)))

	assert.Equal(t, 2, r.CurrentLen(), "window of 2 should retain exactly the last two rows")
	_, _, length := r.ReadKV(0)
	assert.Equal(t, 2, length)
}

func TestRingMaskKeepsInWindowRowsVisible(t *testing.T) {
	window := 2
	r := NewRing(Config{MaxSeqLen: 8, KVHeads: 1, HeadDim: 1, SlidingWindow: &window})
	require.NoError(t, r.WriteKV(0, 0, row(1, 0), row(1, 0)))
	require.NoError(t, r.WriteKV(0, 1, row(1, 1), row(1, 1)))

	mask := r.BuildMask(1)
	require.Len(t, mask, 2)
	assert.Equal(t, float32(0), mask[0])
	assert.Equal(t, float32(0), mask[1])
}

func TestRingResetClearsAllLayers(t *testing.T) {
	window := 4
	r := NewRing(Config{MaxSeqLen: 8, KVHeads: 1, HeadDim: 1, SlidingWindow: &window})
	require.NoError(t, r.WriteKV(0, 0, row(1, 0), row(1, 0)))
	assert.Equal(t, 1, r.CurrentLen())

	r.Reset()
	assert.Equal(t, 0, r.CurrentLen())
}
