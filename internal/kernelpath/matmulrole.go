package kernelpath

import "strings"

// matmulAliases maps a requested role to the ordered list of op names to
// probe for, so a fused qkv_proj path still answers a q_proj lookup
// (spec.md §4.1: "qkv_proj falls through to q_proj").
var matmulAliases = map[string][]string{
	"q_proj":      {"q_proj", "qkv_proj"},
	"k_proj":      {"k_proj", "qkv_proj"},
	"v_proj":      {"v_proj", "qkv_proj"},
	"qkv_proj":    {"qkv_proj", "q_proj"},
	"o_proj":      {"o_proj"},
	"ffn_gate":    {"ffn_gate", "ffn_gate_up"},
	"ffn_up":      {"ffn_up", "ffn_gate_up"},
	"ffn_down":    {"ffn_down"},
	"ffn_gate_up": {"ffn_gate_up", "ffn_gate"},
	"lm_head":     {"lm_head"},
}

// lmHeadLivesInPostLayer reflects spec.md §4.1: "lm_head lives in
// postLayer" rather than in a per-layer decode/prefill role map.
func lmHeadLivesInPostLayer(role string) bool { return role == "lm_head" }

// FindMatmulStep locates the first step matching role's alias list for one
// layer and phase (spec.md §4.1 "Matmul role lookup"). lm_head is searched
// in the path's postLayer steps instead of its per-layer role map.
func (rp *ResolvedPath) FindMatmulStep(role string, layerIndex int, phase Phase) (Step, bool) {
	aliases, ok := matmulAliases[role]
	if !ok {
		aliases = []string{role}
	}

	if lmHeadLivesInPostLayer(role) {
		for _, s := range rp.Path.PostLayer {
			if containsAlias(aliases, s.Op) {
				return s, true
			}
		}
		return Step{}, false
	}

	for _, alias := range aliases {
		steps := rp.Path.getLayerSteps(alias, layerIndex, phase)
		for _, s := range steps {
			if containsAlias(aliases, s.Op) {
				return s, true
			}
		}
	}
	return Step{}, false
}

func containsAlias(aliases []string, op string) bool {
	for _, a := range aliases {
		if a == op {
			return true
		}
	}
	return false
}

// VariantTable reverse-looks-up a step's (kernel, entry) pair against a
// shader-file-to-variant-name table, so diagnostics can report "this role
// is running the q4k-fused variant" rather than a raw filename. If exactly
// one variant shares the step's shader file, that variant name is returned
// as a fallback even when the entry point doesn't match exactly (spec.md
// §4.1: "if a single variant shares the same shader file, that one is
// returned as a fallback").
type VariantTable map[string]map[string]string // kernel -> entry -> variant name

// Lookup resolves a step's variant name.
func (vt VariantTable) Lookup(step Step) (string, bool) {
	entries, ok := vt[step.Kernel]
	if !ok {
		return "", false
	}
	entry := step.normalizedEntry()
	if name, ok := entries[entry]; ok {
		return name, true
	}
	if len(entries) == 1 {
		for _, name := range entries {
			return name, true
		}
	}
	return "", false
}

// KernelBaseName returns the last path component of a shader filename, the
// form spec.md §6 uses for "kernel" values in a path file.
func KernelBaseName(kernelPath string) string {
	if i := strings.LastIndexByte(kernelPath, '/'); i >= 0 {
		return kernelPath[i+1:]
	}
	return kernelPath
}
