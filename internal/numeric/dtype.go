// Package numeric holds the dtype vocabulary, byte-size accounting, and
// widening/narrowing conversions shared by the weight registry, KV cache,
// attention engine, and numeric stability guard.
package numeric

import "fmt"

// DType is the element type of a Tensor, as named in spec.md §3.
type DType int

const (
	DTypeUnknown DType = iota
	DTypeF32
	DTypeF16
	DTypeBF16
	DTypeQ4K
	DTypeQ6K
	DTypeQ8_0
)

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeBF16:
		return "bf16"
	case DTypeQ4K:
		return "q4k"
	case DTypeQ6K:
		return "q6k"
	case DTypeQ8_0:
		return "q8_0"
	default:
		return "unknown"
	}
}

// IsQuantized reports whether d is a block-quantized type, i.e. one whose
// byte size is not simply elementCount*bytesPerElement.
func (d DType) IsQuantized() bool {
	switch d {
	case DTypeQ4K, DTypeQ6K, DTypeQ8_0:
		return true
	default:
		return false
	}
}

// Widen returns the higher-precision of d and other, used by the numeric
// stability guard's "deferred rounding" policy (spec.md §4.2): intermediate
// activations between two kernels stay in the wider of their declared
// dtypes until an explicit boundary op narrows them.
func Widen(d, other DType) DType {
	rank := map[DType]int{
		DTypeQ4K: 0, DTypeQ6K: 0, DTypeQ8_0: 0,
		DTypeBF16: 1, DTypeF16: 1,
		DTypeF32: 2,
	}
	if rank[other] > rank[d] {
		return other
	}
	return d
}

// Quantization block geometry, grounded on the GGUF block layouts: a fixed
// number of elements per block, each block prefixed by scale metadata.
// Constants match llama.cpp's ggml-common.h block sizes as surfaced in the
// go-highway gguf package referenced in the example corpus.
const (
	blockElemsQ4K = 256
	blockBytesQ4K = 144 // d(2) + dmin(2) + scales(12) + qs(128)

	blockElemsQ6K = 256
	blockBytesQ6K = 210 // ql(128) + qh(64) + scales(16) + d(2)

	blockElemsQ8_0 = 32
	blockBytesQ8_0 = 34 // fp16 scale(2) + 32 int8 quants
)

// ElementSize returns the in-memory byte size of a single unquantized
// element; quantized types do not have a fixed per-element size and must go
// through ByteSize instead.
func ElementSize(d DType) (int, error) {
	switch d {
	case DTypeF32:
		return 4, nil
	case DTypeF16, DTypeBF16:
		return 2, nil
	default:
		return 0, fmt.Errorf("numeric: %s has no fixed element size (quantized)", d)
	}
}

// ByteSize computes the packed byte size of a tensor with the given dtype
// and shape (row-major, total element count = product of shape). This is
// the quantity the Tensor invariant in spec.md §3 checks against buffer
// capacity.
func ByteSize(d DType, shape []int) (int64, error) {
	count := int64(1)
	for _, s := range shape {
		if s < 0 {
			return 0, fmt.Errorf("numeric: negative shape dimension %d", s)
		}
		count *= int64(s)
	}

	switch d {
	case DTypeF32, DTypeF16, DTypeBF16:
		elemSize, _ := ElementSize(d)
		return count * int64(elemSize), nil
	case DTypeQ4K:
		return blockByteSize(count, blockElemsQ4K, blockBytesQ4K)
	case DTypeQ6K:
		return blockByteSize(count, blockElemsQ6K, blockBytesQ6K)
	case DTypeQ8_0:
		return blockByteSize(count, blockElemsQ8_0, blockBytesQ8_0)
	default:
		return 0, fmt.Errorf("numeric: unknown dtype %v", d)
	}
}

func blockByteSize(count int64, elemsPerBlock, bytesPerBlock int64) (int64, error) {
	if count%elemsPerBlock != 0 {
		return 0, fmt.Errorf("numeric: element count %d is not a multiple of block size %d", count, elemsPerBlock)
	}
	return (count / elemsPerBlock) * bytesPerBlock, nil
}

// ParseDType maps the Manifest's JSON dtype strings onto DType.
func ParseDType(s string) (DType, error) {
	switch s {
	case "F32":
		return DTypeF32, nil
	case "F16":
		return DTypeF16, nil
	case "BF16":
		return DTypeBF16, nil
	case "Q4K", "Q4_K":
		return DTypeQ4K, nil
	case "Q6K", "Q6_K":
		return DTypeQ6K, nil
	case "Q8_0":
		return DTypeQ8_0, nil
	default:
		return DTypeUnknown, fmt.Errorf("numeric: unrecognized dtype %q", s)
	}
}
