package attention

import (
	"fmt"

	"github.com/clocksmith/doppler-sub019/internal/kvcache"
	"github.com/clocksmith/doppler-sub019/internal/stability"
)

// scoreAndMask computes one query head's attention scores against every
// committed key in cache's layer, applies queryScalar, optional
// softcapping, and the cache's causal(+window) mask (spec.md §4.3 steps
// 6-7).
func scoreAndMask(qHead []float32, cache kvcache.Cache, layer, kvHead, kvHeads, headDim, queryPos int, queryScalar float32, softcap float64) ([]float32, error) {
	k, _, length := cache.ReadKV(layer)
	if length == 0 {
		return nil, fmt.Errorf("attention: scoreAndMask called with empty cache at layer %d", layer)
	}

	scores := make([]float32, length)
	rowElems := kvHeads * headDim
	for t := 0; t < length; t++ {
		base := t*rowElems + kvHead*headDim
		var dot float32
		for i := 0; i < headDim; i++ {
			dot += qHead[i] * k[base+i]
		}
		scores[t] = dot * queryScalar
	}

	if softcap != 0 {
		stability.Softcap(scores, softcap)
	}

	mask := cache.BuildMask(queryPos)
	for t := 0; t < length && t < len(mask); t++ {
		scores[t] += mask[t]
	}
	return scores, nil
}

// combineWithV reduces probs against the committed value rows for one
// head, P·V (spec.md §4.3 step 9).
func combineWithV(probs []float32, cache kvcache.Cache, layer, kvHead, kvHeads, headDim int) []float32 {
	_, v, length := cache.ReadKV(layer)
	out := make([]float32, headDim)
	rowElems := kvHeads * headDim
	for t := 0; t < length && t < len(probs); t++ {
		p := probs[t]
		base := t*rowElems + kvHead*headDim
		for i := 0; i < headDim; i++ {
			out[i] += p * v[base+i]
		}
	}
	return out
}
