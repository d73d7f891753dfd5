package attention

import "math"

// ropeTable precomputes the rotate-half cos/sin coefficients for each
// position (spec.md §4.3 step 3: "RoPE on Q, K using precomputed cos/sin
// tables"). New domain logic: no Go RoPE implementation exists in the
// retrieved pack (the teacher's rotary embedding lives in
// ml/nn.RotaryPositionEmbedding, backed by a C/Metal kernel), so this
// follows the standard rotate-half formulation directly.
func ropeTable(headDim int, base float32, positions []int) (cosTab, sinTab [][]float32) {
	half := headDim / 2
	cosTab = make([][]float32, len(positions))
	sinTab = make([][]float32, len(positions))
	for pi, pos := range positions {
		c := make([]float32, half)
		s := make([]float32, half)
		for i := 0; i < half; i++ {
			freq := 1.0 / math.Pow(float64(base), float64(2*i)/float64(headDim))
			angle := float64(pos) * freq
			c[i] = float32(math.Cos(angle))
			s[i] = float32(math.Sin(angle))
		}
		cosTab[pi] = c
		sinTab[pi] = s
	}
	return cosTab, sinTab
}

// applyRoPE rotates x, flattened as [len(positions), numHeads, headDim],
// into a fresh copy (x is left unmodified), pairing lane i with lane
// i+headDim/2.
func applyRoPE(x []float32, numHeads, headDim int, positions []int, base float32) []float32 {
	cosTab, sinTab := ropeTable(headDim, base, positions)
	half := headDim / 2
	out := make([]float32, len(x))
	copy(out, x)

	for t := range positions {
		cos, sin := cosTab[t], sinTab[t]
		rowBase := t * numHeads * headDim
		for h := 0; h < numHeads; h++ {
			headBase := rowBase + h*headDim
			for i := 0; i < half; i++ {
				x1 := x[headBase+i]
				x2 := x[headBase+half+i]
				out[headBase+i] = x1*cos[i] - x2*sin[i]
				out[headBase+half+i] = x2*cos[i] + x1*sin[i]
			}
		}
	}
	return out
}
