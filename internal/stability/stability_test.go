package stability

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/clocksmith/doppler-sub019/internal/kernelpath"
)

func TestSoftmaxOverflowStability(t *testing.T) {
	// F16 exp(11) overflows naive softmax (spec.md §8 scenario 4).
	logits := []float32{0, 11, 11, -5}
	probs := SoftmaxMaxSubtracted(logits)

	require.Len(t, probs, 4)
	var sum float64
	top1 := 0
	for i, p := range probs {
		assert.GreaterOrEqual(t, p, float32(0))
		assert.LessOrEqual(t, p, float32(1))
		assert.False(t, math.IsNaN(float64(p)))
		assert.False(t, math.IsInf(float64(p), 0))
		sum += float64(p)
		if probs[top1] < p {
			top1 = i
		}
	}
	assert.InDelta(t, 1.0, sum, 1e-4)
	assert.Contains(t, []int{1, 2}, top1)
}

func TestSoftmaxMatchesGonumNormalizedDistribution(t *testing.T) {
	logits := []float32{1, 2, 3, 4}
	probs := SoftmaxMaxSubtracted(logits)

	f64 := make([]float64, len(probs))
	for i, p := range probs {
		f64[i] = float64(p)
	}
	assert.InDelta(t, 1.0, floats.Sum(f64), 1e-4)
}

func TestSoftcapBoundsScoresByCap(t *testing.T) {
	scores := []float32{100, -100, 0}
	Softcap(scores, 50)
	for _, s := range scores {
		assert.LessOrEqual(t, math.Abs(float64(s)), 50.0)
	}
}

func TestSoftcapNoopWhenCapZero(t *testing.T) {
	scores := []float32{1, 2, 3}
	orig := append([]float32(nil), scores...)
	Softcap(scores, 0)
	assert.Equal(t, orig, scores)
}

func TestGuardCommitsWhenFinite(t *testing.T) {
	fn := func(compute kernelpath.ComputeDType) ([]float32, error) {
		return []float32{1, 2, 3}, nil
	}
	out, state, lane, err := Guard(0, 4, kernelpath.PhaseDecode, kernelpath.ComputeF16, fn)
	require.NoError(t, err)
	assert.Equal(t, Committed, state)
	assert.Nil(t, lane)
	assert.Equal(t, []float32{1, 2, 3}, out)
}

func TestGuardWidenedRetrySucceeds(t *testing.T) {
	// Simulates spec.md §8 scenario 5: NaN injected at F16, finite at F32.
	calls := 0
	fn := func(compute kernelpath.ComputeDType) ([]float32, error) {
		calls++
		if compute == kernelpath.ComputeF16 {
			return []float32{1, 2, float32(math.NaN()), 4}, nil
		}
		return []float32{1, 2, 3, 4}, nil
	}
	out, state, lane, err := Guard(5, 4, kernelpath.PhaseDecode, kernelpath.ComputeF16, fn)
	require.NoError(t, err)
	assert.Equal(t, WidenedCommitted, state)
	require.NotNil(t, lane)
	assert.Equal(t, 5, lane.Layer)
	assert.Equal(t, 0, lane.Head)
	assert.Equal(t, 2, lane.Lane)
	assert.Equal(t, []float32{1, 2, 3, 4}, out)
	assert.Equal(t, 2, calls, "exactly one widened retry")
}

func TestGuardPoisonedWhenWidenedRetryAlsoNonFinite(t *testing.T) {
	fn := func(compute kernelpath.ComputeDType) ([]float32, error) {
		return []float32{1, float32(math.NaN())}, nil
	}
	out, state, lane, err := Guard(1, 4, kernelpath.PhaseDecode, kernelpath.ComputeF16, fn)
	require.NoError(t, err)
	assert.Equal(t, Poisoned, state)
	assert.NotNil(t, lane)
	assert.Nil(t, out)
}

func TestGuardPoisonedImmediatelyWhenAlreadyF32(t *testing.T) {
	fn := func(compute kernelpath.ComputeDType) ([]float32, error) {
		return []float32{float32(math.NaN())}, nil
	}
	_, state, lane, err := Guard(1, 4, kernelpath.PhaseDecode, kernelpath.ComputeF32, fn)
	require.NoError(t, err)
	assert.Equal(t, Poisoned, state)
	assert.NotNil(t, lane)
}

func TestGuardPrefillNeverRetriesAtWidenedPrecision(t *testing.T) {
	// spec.md §4.2: a single non-finite detection in prefill aborts
	// immediately — unlike decode, prefill gets no widened-F32 retry even
	// when one would have produced a finite result.
	calls := 0
	fn := func(compute kernelpath.ComputeDType) ([]float32, error) {
		calls++
		if compute == kernelpath.ComputeF16 {
			return []float32{1, 2, float32(math.NaN()), 4}, nil
		}
		return []float32{1, 2, 3, 4}, nil
	}
	out, state, lane, err := Guard(3, 4, kernelpath.PhasePrefill, kernelpath.ComputeF16, fn)
	require.NoError(t, err)
	assert.Equal(t, Poisoned, state)
	require.NotNil(t, lane)
	assert.Equal(t, "prefill", lane.Phase)
	assert.Nil(t, out)
	assert.Equal(t, 1, calls, "prefill must never attempt the widened retry")
}

func TestAllFiniteFindsFirstNonFiniteLane(t *testing.T) {
	idx := AllFinite([]float32{1, 2, float32(math.Inf(1)), 4})
	assert.Equal(t, 2, idx)

	idx = AllFinite([]float32{1, 2, 3})
	assert.Equal(t, -1, idx)
}
