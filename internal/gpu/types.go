// Package gpu is DOPPLER's command-queue abstraction: opaque GPU resource
// handles, a capability probe (C1), and a size-bucketed buffer pool with
// command-recorder-scoped temporary tracking (C2). It is deliberately
// shaped like a WebGPU device/queue so the browser runtime can bind it
// directly to github.com/gogpu/wgpu's hal package, and so a software
// adapter can satisfy the same interface in tests.
package gpu

import "github.com/gogpu/gputypes"

// Opaque handles to GPU resources. Each Adapter implementation maintains
// the mapping from these IDs to its own backend resources; nothing outside
// this package inspects their bit pattern.
type (
	BufferID          uint64
	ShaderModuleID    uint64
	ComputePipelineID uint64
	BindGroupLayoutID uint64
	BindGroupID       uint64
	PipelineLayoutID  uint64
)

// InvalidID is the zero value, representing an invalid/unallocated handle.
const InvalidID = 0

// BufferUsage and its flag constants are the real github.com/gogpu/gputypes
// vocabulary, shared with the rendering stack so a host that already has a
// gogpu device can hand DOPPLER the same queue.
type BufferUsage = gputypes.BufferUsage

const (
	BufferUsageMapRead  = gputypes.BufferUsageMapRead
	BufferUsageCopySrc  = gputypes.BufferUsageCopySrc
	BufferUsageCopyDst  = gputypes.BufferUsageCopyDst
	BufferUsageUniform  = gputypes.BufferUsageUniform
	BufferUsageStorage  = gputypes.BufferUsageStorage
)

// ComputePipelineDesc describes a compute pipeline to be created by an
// Adapter. EntryPoint defaults to "main" per the kernel path file format
// (spec.md §6).
type ComputePipelineDesc struct {
	Label        string
	Layout       PipelineLayoutID
	ShaderModule ShaderModuleID
	EntryPoint   string

	// OverrideConstants holds compile-time specialization values (workgroup
	// size, HAS_GATE, LAYOUT, LEAKY, USE_VEC4, ...) per spec.md §4.5. Their
	// order does not affect the pipeline-cache key: kernelreg's cacheKey
	// sorts a copy by name before hashing.
	OverrideConstants []OverrideConstant
}

// OverrideConstant is one naga/WGSL pipeline-overridable constant binding.
type OverrideConstant struct {
	Name  string
	Value float64
}

// BindGroupLayoutEntry describes one binding slot. Buffer bindings used for
// weights and KV rows are ReadOnlyStorage; scratch/output tensors are
// Storage; per-dispatch Step constants are Uniform.
type BindGroupLayoutEntry struct {
	Binding        uint32
	Type           BindingType
	MinBindingSize uint64
}

// BindingType enumerates the binding kinds this module actually dispatches
// against: storage buffers for tensors, uniform buffers for Step constants.
// (Sampler/texture bindings exist in the wider WebGPU surface but have no
// use in a compute-only kernel path.)
type BindingType uint32

const (
	BindingTypeUniformBuffer BindingType = iota + 1
	BindingTypeStorageBuffer
	BindingTypeReadOnlyStorageBuffer
)

// BindGroupLayoutDesc and BindGroupDesc mirror gputypes.BindGroupLayoutEntry
// / gputypes.BindGroupEntry but are kept package-local so kernelreg's cache
// key hashing doesn't need to reach into the external package's internals.
type BindGroupLayoutDesc struct {
	Label   string
	Entries []BindGroupLayoutEntry
}

type BindGroupEntry struct {
	Binding uint32
	Buffer  BufferID
	Offset  uint64
	Size    uint64
}

type BindGroupDesc struct {
	Label   string
	Layout  BindGroupLayoutID
	Entries []BindGroupEntry
}
