// Package kernelpath implements C6, the kernel-path resolver: given a
// manifest's architecture/quantization and the probed device capabilities,
// it produces a ResolvedPath — the ordered, per-layer, per-phase list of
// Steps that the layer runner dispatches, with weight references expanded
// and compute-dtype attributes explicit on every step. Grounded on
// ml/backend.go's RegisterBackend/NewBackend factory-registry pattern
// (families register path presets at init, the resolver never hardcodes a
// family) and discover/runner_discovery.go's capability-driven, no-silent-
// fallback selection flow.
package kernelpath

import (
	"fmt"
	"strconv"
	"strings"
)

// ComputeDType is the per-step compute-precision attribute (spec.md §4.2:
// "encode compute dtype as an attribute of the Step (enum), not as ad-hoc
// string inspection").
type ComputeDType string

const (
	ComputeF16   ComputeDType = "f16"
	ComputeF32   ComputeDType = "f32"
	ComputeMixed ComputeDType = "mixed"
)

// Constant is one compile-time specialization value bound into a step's
// pipeline (workgroup size, feature flags such as HAS_GATE/LEAKY/USE_VEC4).
type Constant struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Step is one kernel dispatch within a layer phase.
type Step struct {
	Op         string     `json:"op"`
	Kernel     string     `json:"kernel"`
	Entry      string     `json:"entry,omitempty"`
	Inputs     []string   `json:"inputs,omitempty"`
	Outputs    []string   `json:"outputs,omitempty"`
	WeightRefs []string   `json:"weightRefs,omitempty"`
	Constants  []Constant `json:"constants,omitempty"`
	Compute    ComputeDType `json:"compute,omitempty"`
}

// normalizedEntry returns e.Entry, defaulting to "main" per spec.md §6.
func (s Step) normalizedEntry() string {
	if s.Entry == "" {
		return "main"
	}
	return s.Entry
}

// Steps is an ordered list of Step.
type Steps []Step

// LayerOverride pins an alternate step list for a specific set of layer
// indices (spec.md §3 KernelPath.layerOverrides).
type LayerOverride struct {
	Layers []int            `json:"layers"`
	Steps  map[string]Steps `json:"steps"`
}

func (o LayerOverride) hasLayer(layerIndex int) bool {
	for _, l := range o.Layers {
		if l == layerIndex {
			return true
		}
	}
	return false
}

// Phase names the decode pipeline stage a step list belongs to.
type Phase string

const (
	PhasePrefill Phase = "prefill"
	PhaseDecode  Phase = "decode"
)

// Path is the declarative per-architecture kernel routing table (spec.md
// §3 KernelPath, §6 kernel path file).
type Path struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Decode         map[string]Steps  `json:"decode"`
	Prefill        map[string]Steps  `json:"prefill,omitempty"`
	PreLayer       Steps             `json:"preLayer,omitempty"`
	PostLayer      Steps             `json:"postLayer,omitempty"`
	Sampling       Steps             `json:"sampling,omitempty"`
	LayerOverrides []LayerOverride   `json:"layerOverrides,omitempty"`
}

// UnknownKernelPath is returned when a named path id cannot be located in
// the registry.
type UnknownKernelPath struct {
	ID string
}

func (e *UnknownKernelPath) Error() string {
	return fmt.Sprintf("kernelpath: unknown path %q", e.ID)
}

// InvalidKernelPath is returned when a path fails structural validation
// (missing op/kernel, no decode steps, a malformed layer override).
type InvalidKernelPath struct {
	PathID string
	Reason string
}

func (e *InvalidKernelPath) Error() string {
	return fmt.Sprintf("kernelpath: invalid path %q: %s", e.PathID, e.Reason)
}

// Validate checks the structural invariants spec.md §4.1 requires: an id, a
// name, at least one decode step, and every step declaring an op and a
// kernel. preLayer/postLayer/sampling and layer overrides are validated
// with the same per-step rule.
func (p *Path) Validate() error {
	if p.ID == "" {
		return &InvalidKernelPath{PathID: p.ID, Reason: "missing id"}
	}
	if p.Name == "" {
		return &InvalidKernelPath{PathID: p.ID, Reason: "missing name"}
	}
	if len(p.Decode) == 0 {
		return &InvalidKernelPath{PathID: p.ID, Reason: "no decode steps declared"}
	}
	for role, steps := range p.Decode {
		if err := validateSteps(p.ID, "decode."+role, steps); err != nil {
			return err
		}
	}
	for role, steps := range p.Prefill {
		if err := validateSteps(p.ID, "prefill."+role, steps); err != nil {
			return err
		}
	}
	if err := validateSteps(p.ID, "preLayer", p.PreLayer); err != nil {
		return err
	}
	if err := validateSteps(p.ID, "postLayer", p.PostLayer); err != nil {
		return err
	}
	if err := validateSteps(p.ID, "sampling", p.Sampling); err != nil {
		return err
	}
	for i, ov := range p.LayerOverrides {
		if len(ov.Layers) == 0 {
			return &InvalidKernelPath{PathID: p.ID, Reason: fmt.Sprintf("layerOverrides[%d] declares no layers", i)}
		}
		for role, steps := range ov.Steps {
			if err := validateSteps(p.ID, fmt.Sprintf("layerOverrides[%d].%s", i, role), steps); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateSteps(pathID, where string, steps Steps) error {
	for i, s := range steps {
		if s.Op == "" {
			return &InvalidKernelPath{PathID: pathID, Reason: fmt.Sprintf("%s[%d] missing op", where, i)}
		}
		if s.Kernel == "" {
			return &InvalidKernelPath{PathID: pathID, Reason: fmt.Sprintf("%s[%d] missing kernel", where, i)}
		}
	}
	return nil
}

// getLayerSteps returns the phase-specific steps for one layer and role,
// preferring a layerOverrides entry over the phase default, and falling
// back from prefill to decode when the path declares no prefill block
// (spec.md §4.1).
func (p *Path) getLayerSteps(role string, layerIndex int, phase Phase) Steps {
	for _, ov := range p.LayerOverrides {
		if ov.hasLayer(layerIndex) {
			if steps, ok := ov.Steps[role]; ok {
				return steps
			}
		}
	}
	if phase == PhasePrefill {
		if p.Prefill != nil {
			if steps, ok := p.Prefill[role]; ok {
				return steps
			}
		}
	}
	return p.Decode[role]
}

// GetLayerSteps is the exported form of getLayerSteps, used by the layer
// runner and by tests pinning the concrete scenarios of spec.md §8.
func (p *Path) GetLayerSteps(role string, layerIndex int, phase Phase) Steps {
	return p.getLayerSteps(role, layerIndex, phase)
}

// layerIndexToken is the template token substituted by resolveWeightRef.
const layerIndexToken = "{L}"

// ResolveWeightRef substitutes every {L} token in template with layerIndex,
// idempotently — repeated substitution on an already-resolved string is a
// no-op since no {L} remains (spec.md §8 round-trip property).
func ResolveWeightRef(template string, layerIndex int) string {
	return strings.ReplaceAll(template, layerIndexToken, strconv.Itoa(layerIndex))
}
