// Package layer implements C10, the layer runner: one transformer block's
// pre-norm → attention → residual → FFN → residual sequence. Orchestration
// shape (wait for the attention result, compute FFN, log at Trace level)
// is grounded on runner/ollamarunner/runner_compute.go's computeBatch
// (wait-for-inputs, compute, notify-outputs-ready), adapted from "a batch
// of tokens through the whole model" to "one layer, one step". FFN
// activation selection is grounded on the ActSiLU/ActGELU/ActGELUApprox/
// ActReLU enum found in the corpus's matmul_fused_nf4_act.go.
package layer

import (
	"context"
	"fmt"
	"math"

	"github.com/clocksmith/doppler-sub019/internal/attention"
	"github.com/clocksmith/doppler-sub019/internal/kernelpath"
	"github.com/clocksmith/doppler-sub019/internal/kvcache"
	"github.com/clocksmith/doppler-sub019/internal/logutil"
	"github.com/clocksmith/doppler-sub019/internal/stability"
)

// Activation names the FFN nonlinearity, mirroring the corpus's
// ActivationType enum (spec.md §2: "SiLU/SwiGLU/GeLU").
type Activation int

const (
	ActSiLU Activation = iota
	ActGELU
	ActGELUApprox
	ActReLU
)

func apply(act Activation, x float32) float32 {
	switch act {
	case ActSiLU:
		return x / (1 + float32(math.Exp(float64(-x))))
	case ActGELU:
		return 0.5 * x * (1 + float32(math.Erf(float64(x)/math.Sqrt2)))
	case ActGELUApprox:
		return x / (1 + float32(math.Exp(float64(-1.702*x))))
	case ActReLU:
		if x < 0 {
			return 0
		}
		return x
	default:
		return x
	}
}

// Config carries the per-layer parameters Run needs beyond the resolved
// path: attention geometry plus the FFN's activation choice.
type Config struct {
	Attention  attention.Config
	Activation Activation
	HiddenSize int
	FFNHidden  int
}

// Runner drives one layer's forward pass against a Dispatcher shared with
// the attention engine.
type Runner struct {
	engine     *attention.Engine
	dispatcher attention.Dispatcher
}

// New returns a Runner composing attention.Engine and this layer's own FFN
// dispatch against a shared Dispatcher.
func New(d attention.Dispatcher) *Runner {
	return &Runner{engine: attention.New(d), dispatcher: d}
}

// Run executes pre-norm → attention → residual → FFN → residual for one
// layer (spec.md §2/§4.3), returning the block's output activations and
// the numeric-stability guard states reached at each position's KV write.
func (r *Runner) Run(ctx context.Context, rp *kernelpath.ResolvedPath, cfg Config, layerIndex int, phase kernelpath.Phase, positions []int, hidden []float32, cache kvcache.Cache) ([]float32, []stability.State, error) {
	logutil.Trace("layer: running", "layer", layerIndex, "phase", phase, "positions", len(positions))

	attnOut, states, err := r.engine.Run(ctx, rp, cfg.Attention, layerIndex, phase, positions, hidden, cache)
	if err != nil {
		return nil, states, fmt.Errorf("layer %d: attention: %w", layerIndex, err)
	}

	residual1 := make([]float32, len(hidden))
	for i := range residual1 {
		residual1[i] = hidden[i] + attnOut[i]
	}

	ffnOut, err := r.runFFN(ctx, rp, cfg, layerIndex, phase, residual1)
	if err != nil {
		return nil, states, fmt.Errorf("layer %d: ffn: %w", layerIndex, err)
	}

	out := make([]float32, len(residual1))
	for i := range out {
		out[i] = residual1[i] + ffnOut[i]
	}

	logutil.Trace("layer: done", "layer", layerIndex, "states", states)
	return out, states, nil
}

// runFFN dispatches the gate/up projections (fused gate_up or split),
// applies the configured activation to the gate branch, multiplies by the
// up branch (SwiGLU-style gating when both branches are present), and
// dispatches the down projection.
func (r *Runner) runFFN(ctx context.Context, rp *kernelpath.ResolvedPath, cfg Config, layerIndex int, phase kernelpath.Phase, hidden []float32) ([]float32, error) {
	seqLen := len(hidden) / cfg.HiddenSize
	ffnLen := seqLen * cfg.FFNHidden

	var gate, up []float32
	if step, ok := rp.FindMatmulStep("ffn_gate_up", layerIndex, phase); ok && step.Op == "ffn_gate_up" {
		outs, err := r.dispatcher.Dispatch(ctx, step, map[string][]float32{"hidden": hidden})
		if err != nil {
			return nil, fmt.Errorf("ffn_gate_up dispatch: %w", err)
		}
		gateKey, upKey := "gate", "up"
		if len(step.Outputs) >= 2 {
			gateKey, upKey = step.Outputs[0], step.Outputs[1]
		}
		var ok1, ok2 bool
		gate, ok1 = outs[gateKey]
		up, ok2 = outs[upKey]
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("ffn_gate_up dispatch missing gate/up outputs")
		}
	} else {
		gateStep, ok := rp.FindMatmulStep("ffn_gate", layerIndex, phase)
		if !ok {
			return nil, fmt.Errorf("no ffn_gate step for layer %d phase %s", layerIndex, phase)
		}
		var err error
		gate, err = dispatchOne(ctx, r.dispatcher, gateStep, hidden, ffnLen)
		if err != nil {
			return nil, fmt.Errorf("ffn_gate dispatch: %w", err)
		}
		if upStep, ok := rp.FindMatmulStep("ffn_up", layerIndex, phase); ok {
			up, err = dispatchOne(ctx, r.dispatcher, upStep, hidden, ffnLen)
			if err != nil {
				return nil, fmt.Errorf("ffn_up dispatch: %w", err)
			}
		}
	}

	activated := make([]float32, len(gate))
	for i, g := range gate {
		a := apply(cfg.Activation, g)
		if up != nil {
			a *= up[i]
		}
		activated[i] = a
	}

	downStep, ok := rp.FindMatmulStep("ffn_down", layerIndex, phase)
	if !ok {
		return nil, fmt.Errorf("no ffn_down step for layer %d phase %s", layerIndex, phase)
	}
	return dispatchOne(ctx, r.dispatcher, downStep, activated, len(hidden))
}

func dispatchOne(ctx context.Context, d attention.Dispatcher, step kernelpath.Step, in []float32, wantLen int) ([]float32, error) {
	outs, err := d.Dispatch(ctx, step, map[string][]float32{"hidden": in})
	if err != nil {
		return nil, err
	}
	key := "out"
	if len(step.Outputs) > 0 {
		key = step.Outputs[0]
	}
	out, ok := outs[key]
	if !ok {
		return nil, fmt.Errorf("dispatch of %q did not produce output %q", step.Op, key)
	}
	if wantLen > 0 && len(out) != wantLen {
		return nil, fmt.Errorf("dispatch of %q produced %d elems, want %d", step.Op, len(out), wantLen)
	}
	return out, nil
}
