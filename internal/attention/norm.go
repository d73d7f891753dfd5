package attention

import "math"

// rmsNorm normalizes x by its root-mean-square, scaling by weight if
// present or leaving it unscaled otherwise (spec.md §4.2: "per-head
// RMSNorm with a ones-vector fallback when per-head weights are absent").
func rmsNorm(x, weight []float32, eps float32) []float32 {
	var ss float32
	for _, v := range x {
		ss += v * v
	}
	n := float32(len(x))
	inv := float32(1 / math.Sqrt(float64(ss/n+eps)))

	out := make([]float32, len(x))
	for i, v := range x {
		w := float32(1)
		if weight != nil {
			w = weight[i]
		}
		out[i] = v * inv * w
	}
	return out
}

// applyPerHeadNorm runs rmsNorm independently over each head's HeadDim
// lanes of x (flattened [seqLen, numHeads, headDim]), per spec.md §4.3
// step 4's optional Q/K RMSNorm.
func applyPerHeadNorm(x []float32, seqLen, numHeads, headDim int, weight []float32, eps float32) []float32 {
	out := make([]float32, len(x))
	for t := 0; t < seqLen; t++ {
		rowBase := t * numHeads * headDim
		for h := 0; h < numHeads; h++ {
			start := rowBase + h*headDim
			var w []float32
			if weight != nil {
				wStart := h * headDim
				w = weight[wStart : wStart+headDim]
			}
			copy(out[start:start+headDim], rmsNorm(x[start:start+headDim], w, eps))
		}
	}
	return out
}
