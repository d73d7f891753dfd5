package numeric

import (
	"fmt"
	"math"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// F32ToF16 narrows a slice of float32 activations to IEEE-754 half
// precision, used at explicit boundary ops declared by the kernel path
// (spec.md §4.2 "deferred rounding").
func F32ToF16(src []float32) []uint16 {
	out := make([]uint16, len(src))
	for i, v := range src {
		out[i] = float16.Fromfloat32(v).Bits()
	}
	return out
}

// F16ToF32 widens a slice of half-precision bits to float32.
func F16ToF32(src []uint16) []float32 {
	out := make([]float32, len(src))
	for i, v := range src {
		out[i] = float16.Frombits(v).Float32()
	}
	return out
}

// F32ToBF16 narrows float32 to bfloat16-encoded bytes (big-endian per the
// go-bfloat16 encoding), used when a manifest declares BF16 activations.
func F32ToBF16(src []float32) []byte {
	return bfloat16.EncodeFloat32(src)
}

// BF16ToF32 widens bfloat16-encoded bytes back to float32.
func BF16ToF32(src []byte) ([]float32, error) {
	if len(src)%2 != 0 {
		return nil, fmt.Errorf("numeric: bf16 buffer length %d is not a multiple of 2", len(src))
	}
	return bfloat16.DecodeFloat32(src), nil
}

// AllFinite scans a float32 slice for NaN/Inf. It returns the index of the
// first non-finite lane, or -1 if all lanes are finite. The stability
// guard does not call it; it uses stability.AllFinite.
func AllFinite(src []float32) int {
	for i, v := range src {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return i
		}
	}
	return -1
}
