// Package kernelreg implements C5: compile-on-demand GPU pipelines and
// bind-group layouts, cached by a hash of shader source, entry point, and
// override constants so the same logical kernel is never recompiled twice
// for one device. Grounded on gogpu-gg's HybridPipeline config-defaulting
// idiom (gpucore/pipeline.go) and its WGSL-compile-before-module-create
// flow (internal/native/shader_helper.go), adapted from a SPIR-V render
// pipeline to this module's WGSL compute pipelines.
package kernelreg

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gogpu/naga"

	"github.com/clocksmith/doppler-sub019/internal/gpu"
)

// reservedIdentifiers mirrors the HLSL/WGSL reserved-name table idiom from
// naga's own keyword lists: names a generated entry point must never
// collide with. Checked defensively since override-constant names come
// from kernel-path files, an externally editable input.
var reservedIdentifiers = map[string]struct{}{
	"main": {}, "_naga_modf": {}, "_naga_frexp": {}, "_naga_div": {}, "_naga_mod": {},
}

// PipelineCompile wraps a naga/adapter compile failure with the shader
// label that failed, so resolver-level errors stay actionable.
type PipelineCompile struct {
	Label string
	Err   error
}

func (e *PipelineCompile) Error() string {
	return fmt.Sprintf("kernelreg: compile %q: %v", e.Label, e.Err)
}

func (e *PipelineCompile) Unwrap() error { return e.Err }

// Override is one specialization constant bound into a compiled pipeline.
type Override struct {
	Name  string
	Value float64
}

// pipelineEntry is one cached compiled pipeline plus its bind-group layout.
type pipelineEntry struct {
	pipeline gpu.ComputePipelineID
	layout   gpu.BindGroupLayoutID
}

// Registry is the compile-on-demand cache for one GPU adapter. Safe for
// concurrent use: distinct kernel keys compile independently, identical
// keys coalesce onto one compile via a per-key mutex.
type Registry struct {
	adapter gpu.Adapter

	mu      sync.Mutex
	modules map[string]gpu.ShaderModuleID // keyed by shader source hash
	entries map[string]pipelineEntry      // keyed by cacheKey()
	keyLock map[string]*sync.Mutex
}

// New constructs a kernel registry bound to adapter.
func New(adapter gpu.Adapter) *Registry {
	return &Registry{
		adapter: adapter,
		modules: make(map[string]gpu.ShaderModuleID),
		entries: make(map[string]pipelineEntry),
		keyLock: make(map[string]*sync.Mutex),
	}
}

// cacheKey hashes (shaderSource, entry, sorted overrides) so two requests
// for the same logical kernel with the same specialization never recompile,
// and any override change is treated as a distinct pipeline.
func cacheKey(shaderSource, entry string, overrides []Override) string {
	sorted := append([]Override(nil), overrides...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	h := sha256.New()
	h.Write([]byte(shaderSource))
	h.Write([]byte{0})
	h.Write([]byte(entry))
	for _, o := range sorted {
		h.Write([]byte{0})
		h.Write([]byte(o.Name))
		h.Write([]byte{0})
		h.Write([]byte(strconv.FormatFloat(o.Value, 'g', -1, 64)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (r *Registry) lockFor(key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.keyLock[key]
	if !ok {
		l = &sync.Mutex{}
		r.keyLock[key] = l
	}
	return l
}

// Resolve returns the compiled pipeline and bind-group layout for a kernel,
// compiling it on first request and validating reserved-identifier safety
// of every override name.
func (r *Registry) Resolve(label, shaderSource, entry string, layoutDesc gpu.BindGroupLayoutDesc, overrides []Override) (gpu.ComputePipelineID, gpu.BindGroupLayoutID, error) {
	for _, o := range overrides {
		if !validIdentifier(o.Name) {
			return 0, 0, fmt.Errorf("kernelreg: override name %q is not a valid WGSL identifier", o.Name)
		}
		if _, reserved := reservedIdentifiers[o.Name]; reserved {
			return 0, 0, fmt.Errorf("kernelreg: override name %q collides with a reserved identifier", o.Name)
		}
	}

	key := cacheKey(shaderSource, entry, overrides)

	r.mu.Lock()
	if e, ok := r.entries[key]; ok {
		r.mu.Unlock()
		return e.pipeline, e.layout, nil
	}
	r.mu.Unlock()

	lock := r.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	if e, ok := r.entries[key]; ok {
		r.mu.Unlock()
		return e.pipeline, e.layout, nil
	}
	r.mu.Unlock()

	module, err := r.shaderModule(label, shaderSource)
	if err != nil {
		return 0, 0, &PipelineCompile{Label: label, Err: err}
	}

	layout, err := r.adapter.CreateBindGroupLayout(layoutDesc)
	if err != nil {
		return 0, 0, &PipelineCompile{Label: label, Err: fmt.Errorf("bind group layout: %w", err)}
	}

	overrideConsts := make([]gpu.OverrideConstant, len(overrides))
	for i, o := range overrides {
		overrideConsts[i] = gpu.OverrideConstant{Name: o.Name, Value: o.Value}
	}

	pipeline, err := r.adapter.CreateComputePipeline(gpu.ComputePipelineDesc{
		Label:             label,
		ShaderModule:      module,
		EntryPoint:        entry,
		OverrideConstants: overrideConsts,
	})
	if err != nil {
		return 0, 0, &PipelineCompile{Label: label, Err: fmt.Errorf("create pipeline: %w", err)}
	}

	r.mu.Lock()
	r.entries[key] = pipelineEntry{pipeline: pipeline, layout: layout}
	r.mu.Unlock()

	return pipeline, layout, nil
}

// shaderModule compiles and caches a WGSL shader module by source hash.
// naga.Compile validates the WGSL (spec.md §9: "reject malformed kernel
// sources at compile time, not at dispatch time") before the module is
// handed to the adapter, which is given the original WGSL text since the
// command-queue abstraction's shader modules are sourced from WGSL, not
// the SPIR-V naga emits for validation.
func (r *Registry) shaderModule(label, wgsl string) (gpu.ShaderModuleID, error) {
	sum := sha256.Sum256([]byte(wgsl))
	srcHash := hex.EncodeToString(sum[:])

	r.mu.Lock()
	if id, ok := r.modules[srcHash]; ok {
		r.mu.Unlock()
		return id, nil
	}
	r.mu.Unlock()

	if _, err := naga.Compile(wgsl); err != nil {
		return 0, fmt.Errorf("wgsl validation: %w", err)
	}

	id, err := r.adapter.CreateShaderModule(label, wgsl)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	r.modules[srcHash] = id
	r.mu.Unlock()
	return id, nil
}

// validIdentifier is a permissive sanity check used before a kernel-path
// file's override name reaches cacheKey/WGSL substitution.
func validIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		isLetter := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_'
		isDigit := r >= '0' && r <= '9'
		if i == 0 && isDigit {
			return false
		}
		if !isLetter && !isDigit {
			return false
		}
	}
	return !strings.HasPrefix(name, "_naga_")
}
