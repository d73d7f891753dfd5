// Package stability implements C9, the numeric stability guard: selective
// F32 widening, max-subtracted softmax, the always-on pre-KV-write
// finiteness probe, and the widened-fallback retry that backstops F16
// compute without paying a global F32 tax. Grounded on the numeric
// conventions visible throughout fs/ggml (dtype-tagged tensors, explicit
// F32 accumulation in reduction kernels) — the teacher's own reduction
// kernels are C and outside the retrieved Go pack, so the policy surface
// here is new domain logic built directly to spec.md §4.2/§9's description
// of the {Committed, WidenedCommitted, Poisoned} state machine.
package stability

import (
	"fmt"
	"math"

	"github.com/clocksmith/doppler-sub019/internal/kernelpath"
)

// State is the outcome of one guarded step.
type State int

const (
	Committed State = iota
	WidenedCommitted
	Poisoned
)

func (s State) String() string {
	switch s {
	case Committed:
		return "committed"
	case WidenedCommitted:
		return "widened-committed"
	case Poisoned:
		return "poisoned"
	default:
		return "unknown"
	}
}

// NonFiniteLane is the first-hit metadata captured when a finiteness probe
// fails (spec.md §4.2: "{layer, head, lane, phase}").
type NonFiniteLane struct {
	Layer int
	Head  int
	Lane  int
	Phase string
}

// PoisonedPrefill is fatal for the whole request: spec.md §4.2/§4.7 treats
// prefill poisoning as non-recoverable, unlike decode's one widened retry.
type PoisonedPrefill struct {
	Lane NonFiniteLane
}

func (e *PoisonedPrefill) Error() string {
	return fmt.Sprintf("stability: prefill poisoned at layer %d head %d lane %d", e.Lane.Layer, e.Lane.Head, e.Lane.Lane)
}

// PoisonedDecode is fatal for the decode context: the widened-precision
// retry also produced non-finite output.
type PoisonedDecode struct {
	Lane NonFiniteLane
}

func (e *PoisonedDecode) Error() string {
	return fmt.Sprintf("stability: decode poisoned at layer %d head %d lane %d (widened retry also non-finite)", e.Lane.Layer, e.Lane.Head, e.Lane.Lane)
}

// AllFinite scans src and returns the index of the first non-finite lane,
// or -1 if every lane is finite. head/lane addressing is left to the
// caller, which knows the tensor's [heads, headDim] layout.
func AllFinite(src []float32) int {
	for i, f := range src {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return i
		}
	}
	return -1
}

// LaneFromFlatIndex converts a flat index into a tensor shaped
// [heads, headDim] into (head, lane).
func LaneFromFlatIndex(flat, headDim int) (head, lane int) {
	return flat / headDim, flat % headDim
}

// StepFn runs one layer step (e.g. the K/V write this guard is protecting)
// at a given compute precision, returning the raw output lanes that will
// be finiteness-checked.
type StepFn func(compute kernelpath.ComputeDType) ([]float32, error)

// Guard runs fn at its declared compute precision. On a non-finite result
// during decode it re-runs fn once at ComputeF32 ("widened fallback
// profile", spec.md §4.2 step 3) and never retries a second time: a
// still-non-finite widened run is a terminal Poisoned result, since
// spec.md has no further fallback to try. During prefill there is no
// retry at all — spec.md §4.2's failure model aborts prefill fail-fast on
// the first non-finite detection, unlike decode's one-and-only-one retry.
func Guard(layer, headDim int, phase kernelpath.Phase, declaredCompute kernelpath.ComputeDType, fn StepFn) ([]float32, State, *NonFiniteLane, error) {
	out, err := fn(declaredCompute)
	if err != nil {
		return nil, Poisoned, nil, err
	}
	idx := AllFinite(out)
	if idx < 0 {
		return out, Committed, nil, nil
	}

	head, lane := LaneFromFlatIndex(idx, headDim)
	firstHit := &NonFiniteLane{Layer: layer, Head: head, Lane: lane, Phase: string(phase)}

	if phase == kernelpath.PhasePrefill {
		return nil, Poisoned, firstHit, nil
	}

	if declaredCompute == kernelpath.ComputeF32 {
		// Already ran at the widest precision available; no further
		// fallback exists.
		return nil, Poisoned, firstHit, nil
	}

	widened, err := fn(kernelpath.ComputeF32)
	if err != nil {
		return nil, Poisoned, firstHit, err
	}
	if idx2 := AllFinite(widened); idx2 >= 0 {
		return nil, Poisoned, firstHit, nil
	}
	return widened, WidenedCommitted, firstHit, nil
}
