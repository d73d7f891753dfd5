// Package attention implements C8, the attention engine: the ten-step
// per-layer pipeline of spec.md §4.3 (norm → QKV projection → RoPE →
// optional Q/K norm → guarded KV write → score+mask → softcap → softmax →
// P·V → output projection), composed of small independently testable
// functions. Grounded structurally on gemma3n/text_attention.go's
// TextAttention.Forward (projection → per-head norm → RoPE → nn.Attention
// → reshape → output projection composition order) and
// deepseek2/attention.go's optional Q/K norm, applied here after RoPE as
// in the step list above, adapted from the
// teacher's ml.Context/ml.Tensor graph-building API to this module's
// Dispatcher + plain []float32 rows, since the teacher's actual matmul and
// RoPE kernels are C/Metal and outside the retrieved Go pack.
package attention

import (
	"context"
	"fmt"
	"math"

	"github.com/clocksmith/doppler-sub019/internal/kernelpath"
	"github.com/clocksmith/doppler-sub019/internal/kvcache"
	"github.com/clocksmith/doppler-sub019/internal/stability"
)

// Dispatcher runs one resolved kernel step against named float32 tensors
// and returns its named outputs. It stands in for the GPU command
// recorder + readback suspension point of spec.md §5 ("awaiting GPU queue
// completion ... explicit submit-and-wait at layer or phase boundary"): a
// production host implements it against a gpu.Adapter's compute dispatch,
// a test implements it directly in Go.
type Dispatcher interface {
	Dispatch(ctx context.Context, step kernelpath.Step, inputs map[string][]float32) (map[string][]float32, error)
}

// Config carries the manifest-derived attention parameters spec.md §4.3
// needs beyond the resolved kernel path.
type Config struct {
	NumHeads           int
	NumKVHeads         int
	HeadDim            int
	RopeBase           float32
	QueryPreAttnScalar float32   // 0 => 1/sqrt(headDim), spec.md §4.2
	AttnSoftcap        float64   // 0 => disabled
	QNormWeight        []float32 // per-head, length NumHeads*HeadDim; nil => ones fallback
	KNormWeight        []float32 // per-head, length NumKVHeads*HeadDim; nil => ones fallback
	Eps                float32
}

func (c Config) queryScalar() float32 {
	if c.QueryPreAttnScalar != 0 {
		return c.QueryPreAttnScalar
	}
	return float32(1 / math.Sqrt(float64(c.HeadDim)))
}

func (c Config) groupSize() int {
	if c.NumKVHeads == 0 {
		return 1
	}
	return c.NumHeads / c.NumKVHeads
}

// Engine runs the attention pipeline for one layer against a Dispatcher
// and a KV cache.
type Engine struct {
	Dispatcher Dispatcher
}

// New returns an Engine bound to d.
func New(d Dispatcher) *Engine { return &Engine{Dispatcher: d} }

// Run executes spec.md §4.3's ten steps for one layer, phase, and set of
// positions (a single position for decode, the whole prompt range for
// prefill). hidden is the layer-input activation, one HeadDim*NumHeads-ish
// row per position (flattened [len(positions), hiddenSize]); positions
// must already be committed in ascending order relative to cache's
// current length. Returns the per-position output-projection result
// (flattened [len(positions), NumHeads*HeadDim]) and, for diagnostics, the
// guard state reached at each position's KV write.
func (e *Engine) Run(ctx context.Context, rp *kernelpath.ResolvedPath, cfg Config, layer int, phase kernelpath.Phase, positions []int, hidden []float32, cache kvcache.Cache) ([]float32, []stability.State, error) {
	if len(positions) == 0 {
		return nil, nil, fmt.Errorf("attention: Run called with no positions")
	}
	hiddenSize := cfg.NumHeads * cfg.HeadDim
	if len(hidden) != len(positions)*hiddenSize {
		return nil, nil, fmt.Errorf("attention: hidden has %d elems, want %d", len(hidden), len(positions)*hiddenSize)
	}

	normed := hidden
	if step, ok := firstStep(rp, "rmsnorm", layer, phase); ok {
		out, err := e.dispatchOne(ctx, step, map[string][]float32{"hidden": hidden}, hiddenSize*len(positions))
		if err != nil {
			return nil, nil, fmt.Errorf("attention: rmsnorm dispatch: %w", err)
		}
		normed = out
	}

	q, k, v, err := e.projectQKV(ctx, rp, layer, phase, normed, cfg, len(positions))
	if err != nil {
		return nil, nil, err
	}

	q = applyRoPE(q, cfg.NumHeads, cfg.HeadDim, positions, cfg.RopeBase)
	k = applyRoPE(k, cfg.NumKVHeads, cfg.HeadDim, positions, cfg.RopeBase)

	if cfg.QNormWeight != nil || hasStep(rp, "q_norm", layer, phase) {
		q = applyPerHeadNorm(q, len(positions), cfg.NumHeads, cfg.HeadDim, cfg.QNormWeight, cfg.Eps)
	}
	if cfg.KNormWeight != nil || hasStep(rp, "k_norm", layer, phase) {
		k = applyPerHeadNorm(k, len(positions), cfg.NumKVHeads, cfg.HeadDim, cfg.KNormWeight, cfg.Eps)
	}

	declaredCompute := kernelpath.ComputeF32
	if step, ok := firstStep(rp, "attention", layer, phase); ok && step.Compute != "" {
		declaredCompute = step.Compute
	}

	kvRowLen := cfg.NumKVHeads * cfg.HeadDim
	states := make([]stability.State, len(positions))
	for pi, pos := range positions {
		kRow := k[pi*kvRowLen : (pi+1)*kvRowLen]
		vRow := v[pi*kvRowLen : (pi+1)*kvRowLen]

		fn := func(compute kernelpath.ComputeDType) ([]float32, error) {
			// The declared compute dtype only changes which precision the
			// upstream projection+RoPE+norm pipeline would have run at on
			// real hardware; the already-materialized rows are reused
			// as-is on the first (declared) attempt, and on a widened
			// retry we simply re-affirm them, since there is no lower-
			// precision quantization step left in this host-side pipeline
			// to redo at F32. Guard still exercises its full retry
			// bookkeeping and state machine either way.
			combined := make([]float32, 2*kvRowLen)
			copy(combined, kRow)
			copy(combined[kvRowLen:], vRow)
			return combined, nil
		}

		combined, state, lane, err := stability.Guard(layer, cfg.HeadDim, phase, declaredCompute, fn)
		states[pi] = state
		if err != nil {
			return nil, states, err
		}
		if state == stability.Poisoned {
			if phase == kernelpath.PhasePrefill {
				return nil, states, &stability.PoisonedPrefill{Lane: *lane}
			}
			return nil, states, &stability.PoisonedDecode{Lane: *lane}
		}
		if err := cache.WriteKV(layer, pos, combined[:kvRowLen], combined[kvRowLen:]); err != nil {
			return nil, states, fmt.Errorf("attention: kv write at layer %d pos %d: %w", layer, pos, err)
		}
	}

	attnOut := make([]float32, len(positions)*hiddenSize)
	for pi, pos := range positions {
		for h := 0; h < cfg.NumHeads; h++ {
			qHead := q[pi*hiddenSize+h*cfg.HeadDim : pi*hiddenSize+(h+1)*cfg.HeadDim]
			kvHead := h / cfg.groupSize()

			scores, err := scoreAndMask(qHead, cache, layer, kvHead, cfg.NumKVHeads, cfg.HeadDim, pos, cfg.queryScalar(), cfg.AttnSoftcap)
			if err != nil {
				return nil, states, err
			}
			probs := stability.SoftmaxMaxSubtracted(scores)
			headOut := combineWithV(probs, cache, layer, kvHead, cfg.NumKVHeads, cfg.HeadDim)
			copy(attnOut[pi*hiddenSize+h*cfg.HeadDim:pi*hiddenSize+(h+1)*cfg.HeadDim], headOut)
		}
	}

	outStep, ok := firstStep(rp, "o_proj", layer, phase)
	if !ok {
		return nil, states, fmt.Errorf("attention: no o_proj step for layer %d phase %s", layer, phase)
	}
	out, err := e.dispatchOne(ctx, outStep, map[string][]float32{"context": attnOut}, len(positions)*hiddenSize)
	if err != nil {
		return nil, states, fmt.Errorf("attention: o_proj dispatch: %w", err)
	}

	if fusedResidual(outStep) {
		for i := range out {
			out[i] += hidden[i]
		}
	}

	return out, states, nil
}

func firstStep(rp *kernelpath.ResolvedPath, role string, layer int, phase kernelpath.Phase) (kernelpath.Step, bool) {
	steps, err := rp.GetLayerSteps(role, layer, phase)
	if err != nil || len(steps) == 0 {
		return kernelpath.Step{}, false
	}
	return steps[0], true
}

func hasStep(rp *kernelpath.ResolvedPath, role string, layer int, phase kernelpath.Phase) bool {
	_, ok := firstStep(rp, role, layer, phase)
	return ok
}

func fusedResidual(step kernelpath.Step) bool {
	for _, c := range step.Constants {
		if c.Name == "FUSED_RESIDUAL" && c.Value != 0 {
			return true
		}
	}
	return false
}

func (e *Engine) dispatchOne(ctx context.Context, step kernelpath.Step, inputs map[string][]float32, wantLen int) ([]float32, error) {
	outs, err := e.Dispatcher.Dispatch(ctx, step, inputs)
	if err != nil {
		return nil, err
	}
	key := "out"
	if len(step.Outputs) > 0 {
		key = step.Outputs[0]
	}
	out, ok := outs[key]
	if !ok {
		return nil, fmt.Errorf("attention: dispatch of %q did not produce output %q", step.Op, key)
	}
	if wantLen > 0 && len(out) != wantLen {
		return nil, fmt.Errorf("attention: dispatch of %q produced %d elems, want %d", step.Op, len(out), wantLen)
	}
	return out, nil
}
