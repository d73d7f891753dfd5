package layer

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clocksmith/doppler-sub019/internal/attention"
	"github.com/clocksmith/doppler-sub019/internal/kernelpath"
	"github.com/clocksmith/doppler-sub019/internal/kvcache"
	"github.com/clocksmith/doppler-sub019/internal/numeric"
)

type fakeDispatcher struct {
	hiddenSize, ffnHidden, numHeads, numKVHeads, headDim int
}

func (d fakeDispatcher) Dispatch(ctx context.Context, step kernelpath.Step, inputs map[string][]float32) (map[string][]float32, error) {
	switch step.Op {
	case "rmsnorm", "q_proj":
		return map[string][]float32{"out": inputs["hidden"]}, nil
	case "k_proj", "v_proj":
		seqLen := len(inputs["hidden"]) / (d.numHeads * d.headDim)
		out := make([]float32, seqLen*d.numKVHeads*d.headDim)
		copy(out, inputs["hidden"])
		return map[string][]float32{"out": out}, nil
	case "o_proj":
		return map[string][]float32{"out": inputs["context"]}, nil
	case "ffn_gate", "ffn_up":
		seqLen := len(inputs["hidden"]) / d.hiddenSize
		out := make([]float32, seqLen*d.ffnHidden)
		for i := range out {
			out[i] = inputs["hidden"][i%len(inputs["hidden"])]
		}
		return map[string][]float32{"out": out}, nil
	case "ffn_down":
		seqLen := len(inputs["hidden"]) / d.ffnHidden
		out := make([]float32, seqLen*d.hiddenSize)
		for i := range out {
			out[i] = inputs["hidden"][i%len(inputs["hidden"])]
		}
		return map[string][]float32{"out": out}, nil
	}
	return nil, nil
}

func testPath() *kernelpath.ResolvedPath {
	p := &kernelpath.Path{
		ID:   "layer-test",
		Name: "layer-test",
		Decode: map[string]kernelpath.Steps{
			"rmsnorm":     {{Op: "rmsnorm", Kernel: "rmsnorm.wgsl", Compute: kernelpath.ComputeF32}},
			"q_proj":      {{Op: "q_proj", Kernel: "matmul.wgsl", Compute: kernelpath.ComputeF16}},
			"k_proj":      {{Op: "k_proj", Kernel: "matmul.wgsl", Compute: kernelpath.ComputeF16}},
			"v_proj":      {{Op: "v_proj", Kernel: "matmul.wgsl", Compute: kernelpath.ComputeF16}},
			"attention":   {{Op: "attention", Kernel: "attn.wgsl", Compute: kernelpath.ComputeF16}},
			"o_proj":      {{Op: "o_proj", Kernel: "matmul.wgsl", Compute: kernelpath.ComputeF16}},
			"ffn_gate":    {{Op: "ffn_gate", Kernel: "matmul.wgsl", Compute: kernelpath.ComputeF16}},
			"ffn_up":      {{Op: "ffn_up", Kernel: "matmul.wgsl", Compute: kernelpath.ComputeF16}},
			"ffn_down":    {{Op: "ffn_down", Kernel: "matmul.wgsl", Compute: kernelpath.ComputeF16}},
		},
	}
	return &kernelpath.ResolvedPath{Path: p, Source: kernelpath.SourceAuto}
}

func TestRunComposesAttentionAndFFNWithDoubleResidual(t *testing.T) {
	headDim, numHeads, numKVHeads, ffnHidden := 2, 1, 1, 4
	hiddenSize := numHeads * headDim
	d := fakeDispatcher{hiddenSize: hiddenSize, ffnHidden: ffnHidden, numHeads: numHeads, numKVHeads: numKVHeads, headDim: headDim}
	cache := kvcache.NewCausal(kvcache.Config{MaxSeqLen: 8, KVHeads: numKVHeads, HeadDim: headDim, DType: numeric.DTypeF32})
	runner := New(d)

	cfg := Config{
		Attention:  attention.Config{NumHeads: numHeads, NumKVHeads: numKVHeads, HeadDim: headDim, RopeBase: 10000},
		Activation: ActSiLU,
		HiddenSize: hiddenSize,
		FFNHidden:  ffnHidden,
	}

	hidden := []float32{0.5, -0.5}
	out, states, err := runner.Run(context.Background(), testPath(), cfg, 0, kernelpath.PhaseDecode, []int{0}, hidden, cache)
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.Len(t, out, hiddenSize)
	for _, v := range out {
		assert.False(t, math.IsNaN(float64(v)))
	}
}

func TestActivationFunctionsMatchKnownValues(t *testing.T) {
	assert.InDelta(t, 0, apply(ActReLU, -1), 1e-6)
	assert.InDelta(t, 2, apply(ActReLU, 2), 1e-6)
	// SiLU(0) = 0
	assert.InDelta(t, 0, apply(ActSiLU, 0), 1e-6)
	// GELU(0) = 0
	assert.InDelta(t, 0, apply(ActGELU, 0), 1e-6)
}
