package stability

import "math"

// Softcap applies attention softcapping (spec.md §4.2: `tanh(score/cap) *
// cap`) in place, used before max-subtracted softmax when the manifest
// declares a cap (e.g. Gemma 2's attnSoftcap=50).
func Softcap(scores []float32, cap float64) {
	if cap == 0 {
		return
	}
	for i, s := range scores {
		scores[i] = float32(math.Tanh(float64(s)/cap) * cap)
	}
}

// SoftmaxMaxSubtracted computes softmax with the max-subtraction trick,
// accumulating the denominator in F32 (spec.md §4.2): m = max(x), p_i =
// exp(x_i - m), denominator accumulated and divided in F32. The
// denominator is never zero because exp(0)=1 contributes from the max
// term itself, so the result is finite for any finite input (spec.md §8's
// quantified softmax property).
func SoftmaxMaxSubtracted(logits []float32) []float32 {
	if len(logits) == 0 {
		return nil
	}
	m := logits[0]
	for _, x := range logits[1:] {
		if x > m {
			m = x
		}
	}

	out := make([]float32, len(logits))
	var sum float32
	for i, x := range logits {
		p := float32(math.Exp(float64(x - m)))
		out[i] = p
		sum += p
	}
	inv := 1 / sum
	for i := range out {
		out[i] *= inv
	}
	return out
}
