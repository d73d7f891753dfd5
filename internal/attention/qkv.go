package attention

import (
	"context"
	"fmt"

	"github.com/clocksmith/doppler-sub019/internal/kernelpath"
)

// projectQKV dispatches the layer's q/k/v (or fused qkv) matmul step and
// returns flattened [seqLen, NumHeads*HeadDim] / [seqLen, NumKVHeads*HeadDim]
// rows for each of Q, K, V (spec.md §4.3 step 2; §4.1 "qkv_proj falls
// through to q_proj").
func (e *Engine) projectQKV(ctx context.Context, rp *kernelpath.ResolvedPath, layer int, phase kernelpath.Phase, hidden []float32, cfg Config, seqLen int) (q, k, v []float32, err error) {
	qLen := seqLen * cfg.NumHeads * cfg.HeadDim
	kvLen := seqLen * cfg.NumKVHeads * cfg.HeadDim

	if step, ok := rp.FindMatmulStep("qkv_proj", layer, phase); ok && step.Op == "qkv_proj" {
		outs, err := e.Dispatcher.Dispatch(ctx, step, map[string][]float32{"hidden": hidden})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("attention: qkv_proj dispatch: %w", err)
		}
		q, err = namedOutput(outs, step.Outputs, 0, "q", qLen)
		if err != nil {
			return nil, nil, nil, err
		}
		k, err = namedOutput(outs, step.Outputs, 1, "k", kvLen)
		if err != nil {
			return nil, nil, nil, err
		}
		v, err = namedOutput(outs, step.Outputs, 2, "v", kvLen)
		if err != nil {
			return nil, nil, nil, err
		}
		return q, k, v, nil
	}

	qStep, ok := rp.FindMatmulStep("q_proj", layer, phase)
	if !ok {
		return nil, nil, nil, fmt.Errorf("attention: no q_proj/qkv_proj step for layer %d phase %s", layer, phase)
	}
	kStep, ok := rp.FindMatmulStep("k_proj", layer, phase)
	if !ok {
		return nil, nil, nil, fmt.Errorf("attention: no k_proj step for layer %d phase %s", layer, phase)
	}
	vStep, ok := rp.FindMatmulStep("v_proj", layer, phase)
	if !ok {
		return nil, nil, nil, fmt.Errorf("attention: no v_proj step for layer %d phase %s", layer, phase)
	}

	q, err = e.dispatchOne(ctx, qStep, map[string][]float32{"hidden": hidden}, qLen)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("attention: q_proj dispatch: %w", err)
	}
	k, err = e.dispatchOne(ctx, kStep, map[string][]float32{"hidden": hidden}, kvLen)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("attention: k_proj dispatch: %w", err)
	}
	v, err = e.dispatchOne(ctx, vStep, map[string][]float32{"hidden": hidden}, kvLen)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("attention: v_proj dispatch: %w", err)
	}
	return q, k, v, nil
}

// namedOutput fetches outs[outputs[idx]] if outputs declares enough names,
// else falls back to fallback, validating the expected length.
func namedOutput(outs map[string][]float32, outputs []string, idx int, fallback string, wantLen int) ([]float32, error) {
	key := fallback
	if idx < len(outputs) {
		key = outputs[idx]
	}
	out, ok := outs[key]
	if !ok {
		return nil, fmt.Errorf("attention: fused qkv dispatch missing output %q", key)
	}
	if len(out) != wantLen {
		return nil, fmt.Errorf("attention: output %q has %d elems, want %d", key, len(out), wantLen)
	}
	return out, nil
}
