package kvcache

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func row(n int, v float32) []float32 {
	r := make([]float32, n)
	for i := range r {
		r[i] = v
	}
	return r
}

func TestCausalWriteAndReadRoundTrip(t *testing.T) {
	c := NewCausal(Config{MaxSeqLen: 8, KVHeads: 2, HeadDim: 4})

	require.NoError(t, c.WriteKV(0, 0, row(8, 1), row(8, 2)))
	require.NoError(t, c.WriteKV(0, 1, row(8, 3), row(8, 4)))

	k, v, length := c.ReadKV(0)
	assert.Equal(t, 2, length)
	assert.Equal(t, row(8, 1), k[:8])
	assert.Equal(t, row(8, 3), k[8:16])
	assert.Equal(t, row(8, 2), v[:8])
	assert.Equal(t, row(8, 4), v[8:16])
}

func TestCausalOverflowReturnsKVOverflow(t *testing.T) {
	c := NewCausal(Config{MaxSeqLen: 2, KVHeads: 1, HeadDim: 4})
	err := c.WriteKV(0, 5, row(4, 1), row(4, 1))
	require.Error(t, err)
	var overflow *KVOverflow
	require.ErrorAs(t, err, &overflow)
}

func TestCausalMaskIsCausal(t *testing.T) {
	c := NewCausal(Config{MaxSeqLen: 4, KVHeads: 1, HeadDim: 1})
	for i := 0; i < 4; i++ {
		require.NoError(t, c.WriteKV(0, i, row(1, float32(i)), row(1, float32(i))))
	}

	mask := c.BuildMask(1) // query at position 1 should see positions 0,1 but not 2,3
	require.Len(t, mask, 4)
	assert.Equal(t, float32(0), mask[0])
	assert.Equal(t, float32(0), mask[1])
	assert.True(t, math.IsInf(float64(mask[2]), -1))
	assert.True(t, math.IsInf(float64(mask[3]), -1))
}

func TestCausalMaskRespectsSlidingWindow(t *testing.T) {
	window := 1
	c := NewCausal(Config{MaxSeqLen: 4, KVHeads: 1, HeadDim: 1, SlidingWindow: &window})
	for i := 0; i < 4; i++ {
		require.NoError(t, c.WriteKV(0, i, row(1, float32(i)), row(1, float32(i))))
	}

	mask := c.BuildMask(3) // window=1: only positions 2,3 visible
	require.Len(t, mask, 4)
	assert.True(t, math.IsInf(float64(mask[0]), -1))
	assert.True(t, math.IsInf(float64(mask[1]), -1))
	assert.Equal(t, float32(0), mask[2])
	assert.Equal(t, float32(0), mask[3])
}

func TestCausalResetClearsState(t *testing.T) {
	c := NewCausal(Config{MaxSeqLen: 4, KVHeads: 1, HeadDim: 1})
	require.NoError(t, c.WriteKV(0, 0, row(1, 1), row(1, 1)))
	assert.Equal(t, 1, c.CurrentLen())

	c.Reset()
	assert.Equal(t, 0, c.CurrentLen())
	_, _, length := c.ReadKV(0)
	assert.Equal(t, 0, length)
}
