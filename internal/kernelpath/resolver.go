package kernelpath

import (
	"fmt"
	"sync"

	"github.com/clocksmith/doppler-sub019/internal/gpu"
	"github.com/clocksmith/doppler-sub019/internal/numeric"
)

// Registry is the static path registry families register presets into at
// process init (spec.md §9: "a static path registry + tagged variant enum
// for kernel-op dispatch; families register entries at process init"),
// grounded on ml/backend.go's RegisterBackend map-of-constructors pattern.
type Registry struct {
	mu    sync.RWMutex
	paths map[string]*Path
}

// NewRegistry returns an empty registry. Use NewBuiltinRegistry to get one
// pre-seeded with the generic path aliases spec.md §6 requires.
func NewRegistry() *Registry {
	return &Registry{paths: make(map[string]*Path)}
}

// Register adds or replaces a path by id. Intended to be called once per
// family at init, mirroring ml/backend.go's RegisterBackend.
func (r *Registry) Register(p *Path) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths[p.ID] = p
}

// Get looks up a path by exact id.
func (r *Registry) Get(id string) (*Path, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.paths[id]
	return p, ok
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// probeFamilyOrGeneric returns "<family>-<suffix>" if registered, else the
// bare generic "<suffix>" (spec.md §4.1: "Family resolution probes a
// family-prefixed id then the generic id").
func probeFamilyOrGeneric(r *Registry, family, suffix string) string {
	if family != "" {
		familyID := family + "-" + suffix
		if r.Has(familyID) {
			return familyID
		}
	}
	return suffix
}

// AutoSelect implements the five-rule priority selection of spec.md §4.1.
// It never fails on its own; an id it returns that isn't registered
// surfaces as UnknownKernelPath from Resolve.
func AutoSelect(registry *Registry, quant numeric.DType, family string, caps gpu.Capabilities) string {
	switch quant {
	case numeric.DTypeF16, numeric.DTypeBF16:
		return probeFamilyOrGeneric(registry, family, "f16-native")
	case numeric.DTypeQ4K:
		switch {
		case caps.HasSubgroups:
			return probeFamilyOrGeneric(registry, family, "q4k-fused")
		case caps.HasF16:
			return probeFamilyOrGeneric(registry, family, "q4k-dequant-f16")
		default:
			return probeFamilyOrGeneric(registry, family, "q4k-dequant-f32")
		}
	default:
		// Rule 5: anything else (Q6K, Q8_0, F32, or an unrecognized
		// dtype) routes to the safest dequant-to-F32 path.
		return probeFamilyOrGeneric(registry, family, "q4k-dequant-f32")
	}
}

// Source identifies where a resolved path came from (spec.md §3 Active
// Path Registry).
type Source string

const (
	SourceRuntime  Source = "runtime"
	SourceConfig   Source = "config"
	SourceModel    Source = "model"
	SourceManifest Source = "manifest"
	SourceAuto     Source = "auto"
	SourceNone     Source = "none"
)

// strict reports whether source forbids implicit re-selection mid-decode
// (spec.md §3: "strict (source != auto/none)").
func (s Source) strict() bool {
	switch s {
	case SourceRuntime, SourceConfig, SourceModel, SourceManifest:
		return true
	default:
		return false
	}
}

// ManifestMeta is the subset of a parsed manifest the resolver needs:
// architecture family and the quantization of the main weights. Kept
// decoupled from internal/manifest.Manifest so the resolver can be driven
// by synthetic inputs in tests (spec.md §8's quantified property over
// "all manifests M").
type ManifestMeta struct {
	Family string
	Quant  numeric.DType
}

// Override is the caller-supplied explicit selection that preempts
// auto-selection (spec.md §4.1 resolve's "runtimeOverride?" input): either
// a named path id or a fully inline path object.
type Override struct {
	PathID string
	Inline *Path
	Source Source // defaults to SourceRuntime if unset and PathID/Inline given
}

// ResolvedPath is the output of Resolve: a path plus the source it was
// selected from.
type ResolvedPath struct {
	Path   *Path
	Source Source
}

// Resolve implements spec.md §4.1's resolve(manifestMeta, runtimeOverride?,
// caps) -> ResolvedPath.
func Resolve(registry *Registry, meta ManifestMeta, override *Override, caps gpu.Capabilities) (*ResolvedPath, error) {
	if override != nil && override.Inline != nil {
		if err := override.Inline.Validate(); err != nil {
			return nil, err
		}
		src := override.Source
		if src == "" {
			src = SourceRuntime
		}
		return &ResolvedPath{Path: override.Inline, Source: src}, nil
	}

	var id string
	var source Source
	if override != nil && override.PathID != "" {
		id = override.PathID
		source = override.Source
		if source == "" {
			source = SourceRuntime
		}
	} else {
		id = AutoSelect(registry, meta.Quant, meta.Family, caps)
		source = SourceAuto
	}

	path, ok := registry.Get(id)
	if !ok {
		return nil, &UnknownKernelPath{ID: id}
	}
	if err := path.Validate(); err != nil {
		return nil, err
	}
	return &ResolvedPath{Path: path, Source: source}, nil
}

// GetLayerSteps resolves the phase-specific step list for one layer and
// role from a ResolvedPath, per spec.md §4.1.
func (rp *ResolvedPath) GetLayerSteps(role string, layerIndex int, phase Phase) (Steps, error) {
	steps := rp.Path.getLayerSteps(role, layerIndex, phase)
	if len(steps) == 0 {
		return nil, fmt.Errorf("kernelpath: path %q has no steps for role %q phase %q", rp.Path.ID, role, phase)
	}
	return steps, nil
}
