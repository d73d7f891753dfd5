package gpu

import (
	"fmt"

	"github.com/gogpu/gpucontext"
)

// DeviceProvider is the real github.com/gogpu/gpucontext handle-sharing
// contract: a host application that already created a GPU device (e.g. the
// browser's own gogpu.App) can hand it to this package instead of DOPPLER
// creating its own, exactly as render.DeviceHandle does for the gg
// rendering stack.
type DeviceProvider = gpucontext.DeviceProvider

// Capabilities is the probe result consumed by the kernel-path resolver's
// autoSelect (spec.md §4.1). Field names match the spec's caps record.
type Capabilities struct {
	HasF16           bool
	HasSubgroups     bool
	SubgroupSize     int
	MaxWorkgroupSize int

	// UnifiedMemory indicates the adapter shares address space between host
	// and device (integrated GPUs, Apple Silicon), informing whether a
	// staging copy is needed for uploads.
	UnifiedMemory bool

	// BufferAlignmentBytes is the alignment hint used when uploading a
	// tensor's byte range into a pool-allocated buffer (spec.md §4.6).
	BufferAlignmentBytes int

	// MaxHeapBytes bounds total GPU allocation; the buffer pool refuses new
	// buckets once committed bytes would exceed it.
	MaxHeapBytes uint64

	// Name and Description are surfaced for logging only.
	Name        string
	Description string
}

// Adapter is the minimal capability-probe + resource-creation surface this
// module needs from a concrete GPU backend. A software (CPU) adapter may
// implement this for tests, but autoSelect (kernelpath package) never
// chooses a path that would route to one in production: CPU-only inference
// is a non-goal (spec.md §1).
type Adapter interface {
	// Probe returns the adapter's capabilities. Probe results are cached by
	// the caller; Probe itself must be side-effect free and idempotent.
	Probe() (Capabilities, error)

	// CreateBuffer allocates a GPU buffer of the given byte size and usage,
	// returning an opaque handle the pool tracks.
	CreateBuffer(size uint64, usage BufferUsage) (BufferID, error)

	// ReleaseBuffer frees a previously created buffer. Releasing an
	// in-flight buffer (one the device queue has not yet finished with) is
	// the caller's bug to avoid; the pool never calls this until the device
	// has signaled completion (spec.md §5).
	ReleaseBuffer(BufferID) error

	// WriteBuffer uploads host bytes into a GPU buffer at the given byte
	// offset, zero-padding any unaligned tail per spec.md §4.6.
	WriteBuffer(id BufferID, offset uint64, data []byte) error

	// CreateShaderModule compiles WGSL source (already run through naga by
	// the kernel registry) into a shader module.
	CreateShaderModule(label, wgsl string) (ShaderModuleID, error)

	// CreateComputePipeline and CreateBindGroupLayout realize the
	// descriptors kernelreg builds from a resolved Step.
	CreateComputePipeline(desc ComputePipelineDesc) (ComputePipelineID, error)
	CreateBindGroupLayout(desc BindGroupLayoutDesc) (BindGroupLayoutID, error)
}

// CapabilityMissing is returned by ProbeCapabilities when a required
// feature (spec.md §7 CapabilityMissing) is absent; callers must refuse to
// start rather than silently degrade.
type CapabilityMissing struct {
	Feature string
	Detail  string
}

func (e *CapabilityMissing) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("gpu: capability missing: %s", e.Feature)
	}
	return fmt.Sprintf("gpu: capability missing: %s (%s)", e.Feature, e.Detail)
}

// ProbeCapabilities runs the adapter's probe and validates the minimum
// baseline DOPPLER requires: compute-shader dispatch and a non-zero max
// workgroup size. Anything beyond that (F16, subgroups) is advisory input
// to kernel-path auto-selection, not a hard requirement.
func ProbeCapabilities(adapter Adapter) (Capabilities, error) {
	caps, err := adapter.Probe()
	if err != nil {
		return Capabilities{}, fmt.Errorf("gpu: probe failed: %w", err)
	}
	if caps.MaxWorkgroupSize <= 0 {
		return Capabilities{}, &CapabilityMissing{Feature: "compute-dispatch", Detail: "adapter reported MaxWorkgroupSize <= 0"}
	}
	if caps.BufferAlignmentBytes <= 0 {
		caps.BufferAlignmentBytes = 256 // WebGPU's minimum storage-buffer alignment
	}
	return caps, nil
}
