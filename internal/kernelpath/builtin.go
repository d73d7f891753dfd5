package kernelpath

// NewBuiltinRegistry returns a Registry pre-seeded with the four generic
// path aliases spec.md §6 requires every deployment to ship:
// q4k-fused, q4k-dequant-f32, q4k-dequant-f16, f16-native. Family-specific
// presets (e.g. gemma2-q4k-fused) are registered on top of this by model
// loading code once the manifest's architecture is known; AutoSelect falls
// back to these generic ids when no family-specific preset exists.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	for _, p := range builtinPaths() {
		r.Register(p)
	}
	return r
}

func builtinPaths() []*Path {
	return []*Path{
		{
			ID:   "q4k-fused",
			Name: "Generic Q4K fused dequant+matmul",
			Decode: map[string]Steps{
				"rmsnorm":   {{Op: "rmsnorm", Kernel: "rmsnorm.wgsl", Compute: ComputeF32}},
				"qkv_proj":  {{Op: "qkv_proj", Kernel: "matmul_q4k_fused.wgsl", Compute: ComputeF16}},
				"attention": {{Op: "attention", Kernel: "attention_fused.wgsl", Compute: ComputeMixed}},
				"o_proj":    {{Op: "o_proj", Kernel: "matmul_q4k_fused.wgsl", Compute: ComputeF16}},
				"ffn_gate_up": {{Op: "ffn_gate_up", Kernel: "matmul_q4k_fused.wgsl", Compute: ComputeF16}},
				"ffn_down":  {{Op: "ffn_down", Kernel: "matmul_q4k_fused.wgsl", Compute: ComputeF16}},
			},
			PostLayer: Steps{{Op: "lm_head", Kernel: "matmul_q4k_fused.wgsl", Compute: ComputeF16}},
		},
		{
			ID:   "q4k-dequant-f16",
			Name: "Generic Q4K dequant-to-F16 then matmul",
			Decode: map[string]Steps{
				"rmsnorm":     {{Op: "rmsnorm", Kernel: "rmsnorm.wgsl", Compute: ComputeF32}},
				"qkv_proj":    {{Op: "qkv_proj", Kernel: "dequant_q4k.wgsl", Entry: "to_f16", Compute: ComputeF16}, {Op: "qkv_proj", Kernel: "matmul_f16.wgsl", Compute: ComputeF16}},
				"attention":   {{Op: "attention", Kernel: "attention_f16.wgsl", Compute: ComputeMixed}},
				"o_proj":      {{Op: "o_proj", Kernel: "matmul_f16.wgsl", Compute: ComputeF16}},
				"ffn_gate_up": {{Op: "ffn_gate_up", Kernel: "matmul_f16.wgsl", Compute: ComputeF16}},
				"ffn_down":    {{Op: "ffn_down", Kernel: "matmul_f16.wgsl", Compute: ComputeF16}},
			},
			PostLayer: Steps{{Op: "lm_head", Kernel: "matmul_f16.wgsl", Compute: ComputeF16}},
		},
		{
			ID:   "q4k-dequant-f32",
			Name: "Generic Q4K dequant-to-F32 then matmul (safest)",
			Decode: map[string]Steps{
				"rmsnorm":     {{Op: "rmsnorm", Kernel: "rmsnorm.wgsl", Compute: ComputeF32}},
				"qkv_proj":    {{Op: "qkv_proj", Kernel: "dequant_q4k.wgsl", Entry: "to_f32", Compute: ComputeF32}, {Op: "qkv_proj", Kernel: "matmul_f32.wgsl", Compute: ComputeF32}},
				"attention":   {{Op: "attention", Kernel: "attention_f32.wgsl", Compute: ComputeF32}},
				"o_proj":      {{Op: "o_proj", Kernel: "matmul_f32.wgsl", Compute: ComputeF32}},
				"ffn_gate_up": {{Op: "ffn_gate_up", Kernel: "matmul_f32.wgsl", Compute: ComputeF32}},
				"ffn_down":    {{Op: "ffn_down", Kernel: "matmul_f32.wgsl", Compute: ComputeF32}},
			},
			PostLayer: Steps{{Op: "lm_head", Kernel: "matmul_f32.wgsl", Compute: ComputeF32}},
		},
		{
			ID:   "f16-native",
			Name: "Generic native F16/BF16 weights",
			Decode: map[string]Steps{
				"rmsnorm":     {{Op: "rmsnorm", Kernel: "rmsnorm.wgsl", Compute: ComputeF32}},
				"qkv_proj":    {{Op: "qkv_proj", Kernel: "matmul_f16.wgsl", Compute: ComputeF16}},
				"attention":   {{Op: "attention", Kernel: "attention_f16.wgsl", Compute: ComputeMixed}},
				"o_proj":      {{Op: "o_proj", Kernel: "matmul_f16.wgsl", Compute: ComputeF16}},
				"ffn_gate_up": {{Op: "ffn_gate_up", Kernel: "matmul_f16.wgsl", Compute: ComputeF16}},
				"ffn_down":    {{Op: "ffn_down", Kernel: "matmul_f16.wgsl", Compute: ComputeF16}},
			},
			PostLayer: Steps{{Op: "lm_head", Kernel: "matmul_f16.wgsl", Compute: ComputeF16}},
		},
	}
}
