// Package runtimeconfig parses and validates the runtime config record of
// spec.md §6 ("Runtime config (consumed, not owned)"): a nested JSON
// record the host supplies, never one this module persists or owns.
// Grounded on envconfig/config.go's per-concern accessor style (Host,
// AllowedOrigins, LogLevel each a small typed function over a raw source),
// adapted from the teacher's env-var source to a JSON document, and on
// manifest.Parse's json.Decoder(...).DisallowUnknownFields() idiom.
package runtimeconfig

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/clocksmith/doppler-sub019/internal/kernelpath"
)

// ActivationDtype is inference.compute.activationDtype's enum (spec.md
// §6: "f16, f32, auto").
type ActivationDtype string

const (
	ActivationF16  ActivationDtype = "f16"
	ActivationF32  ActivationDtype = "f32"
	ActivationAuto ActivationDtype = "auto"
)

// ComputeConfig is inference.compute.
type ComputeConfig struct {
	ActivationDtype ActivationDtype `json:"activationDtype,omitempty"`
	KeepF32Weights  bool            `json:"keepF32Weights,omitempty"`
}

// DreamConfig is inference.dream, the structured-JSON decoding caps.
type DreamConfig struct {
	MaxTokens      int     `json:"maxTokens,omitempty"`
	Temperature    float64 `json:"temperature,omitempty"`
	MaxOutputChars int     `json:"maxOutputChars,omitempty"`
}

// KernelPathOverride is inference.kernelPath: either a bare id or an
// inline path object, mirroring kernelpath.Override's two forms.
type KernelPathOverride struct {
	ID     string           `json:"id,omitempty"`
	Inline *kernelpath.Path `json:"inline,omitempty"`
}

// InferenceConfig is the top-level inference.* namespace.
type InferenceConfig struct {
	Compute     ComputeConfig       `json:"compute,omitempty"`
	KernelPath  KernelPathOverride  `json:"kernelPath,omitempty"`
	Dream       DreamConfig         `json:"dream,omitempty"`
}

// StorageAlignmentConfig is loading.storage.alignment.
type StorageAlignmentConfig struct {
	BufferAlignmentBytes int `json:"bufferAlignmentBytes,omitempty"`
}

// StorageConfig is loading.storage.
type StorageConfig struct {
	Alignment StorageAlignmentConfig `json:"alignment,omitempty"`
}

// LoadingConfig is the top-level loading.* namespace.
type LoadingConfig struct {
	AllowF32UpcastNonMatmul bool          `json:"allowF32UpcastNonMatmul,omitempty"`
	Storage                 StorageConfig `json:"storage,omitempty"`
}

// HeapTestingConfig is memory.heapTesting, capability-probe knobs.
type HeapTestingConfig struct {
	HeapTestSizes        []int `json:"heapTestSizes,omitempty"`
	FallbackMaxHeapBytes  int64 `json:"fallbackMaxHeapBytes,omitempty"`
}

// MemoryConfig is the top-level memory.* namespace.
type MemoryConfig struct {
	HeapTesting HeapTestingConfig `json:"heapTesting,omitempty"`
}

// DebugConfig is shared.debug.
type DebugConfig struct {
	Pipeline PipelineDebugConfig `json:"pipeline,omitempty"`
	Trace    bool                `json:"trace,omitempty"`
	Verbose  bool                `json:"verbose,omitempty"`
	LogLevel string              `json:"logLevel,omitempty"`
}

// PipelineDebugConfig is shared.debug.pipeline.
type PipelineDebugConfig struct {
	Enabled bool `json:"enabled,omitempty"`
}

// SharedConfig is the top-level shared.* namespace.
type SharedConfig struct {
	Debug DebugConfig `json:"debug,omitempty"`
}

// Config is the full nested runtime config record of spec.md §6.
type Config struct {
	Inference InferenceConfig `json:"inference,omitempty"`
	Loading   LoadingConfig   `json:"loading,omitempty"`
	Memory    MemoryConfig    `json:"memory,omitempty"`
	Shared    SharedConfig    `json:"shared,omitempty"`
}

// ConfigViolation is returned by Validate when an F32-implying debug flag
// is set without debug/trace/verbose logging active (spec.md §6:
// "Validator rejects F32-implying flags unless shared.debug.pipeline.
// enabled or trace is enabled or log level is debug/verbose").
type ConfigViolation struct {
	Field  string
	Reason string
}

func (e *ConfigViolation) Error() string {
	return fmt.Sprintf("runtimeconfig: %s: %s", e.Field, e.Reason)
}

// Parse decodes a runtime config document and validates it.
func Parse(r io.Reader) (*Config, error) {
	var c Config
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("runtimeconfig: decode: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// debugActive reports whether any of the three gates spec.md §6 names for
// unlocking F32-implying debug flags is active.
func (c *Config) debugActive() bool {
	return c.Shared.Debug.Pipeline.Enabled || c.Shared.Debug.Trace || c.debugLogLevel()
}

func (c *Config) debugLogLevel() bool {
	switch c.Shared.Debug.LogLevel {
	case "debug", "verbose", "trace":
		return true
	default:
		return c.Shared.Debug.Verbose
	}
}

// Validate enforces spec.md §6's debug-flag gate: keepF32Weights and
// allowF32UpcastNonMatmul are debug-only escape hatches that must never be
// silently honored in a non-debug run.
func (c *Config) Validate() error {
	if c.Inference.Compute.KeepF32Weights && !c.debugActive() {
		return &ConfigViolation{
			Field:  "inference.compute.keepF32Weights",
			Reason: "debug-only flag requires shared.debug.pipeline.enabled, trace, or debug/verbose log level",
		}
	}
	if c.Loading.AllowF32UpcastNonMatmul && !c.debugActive() {
		return &ConfigViolation{
			Field:  "loading.allowF32UpcastNonMatmul",
			Reason: "debug-only flag requires shared.debug.pipeline.enabled, trace, or debug/verbose log level",
		}
	}
	return nil
}

// BufferAlignmentBytes returns the configured alignment fallback, or 0 if
// unset (the gpu package's own default then applies).
func (c *Config) BufferAlignmentBytes() int {
	return c.Loading.Storage.Alignment.BufferAlignmentBytes
}

// ActivationDtypeOrDefault returns the configured activation dtype,
// defaulting to "auto" when unset.
func (c *Config) ActivationDtypeOrDefault() ActivationDtype {
	if c.Inference.Compute.ActivationDtype == "" {
		return ActivationAuto
	}
	return c.Inference.Compute.ActivationDtype
}

// LogLevel returns the slog level implied by shared.debug, defaulting to
// Info.
func (c *Config) LogLevel() slog.Level {
	switch {
	case c.Shared.Debug.LogLevel == "trace":
		return slog.LevelDebug - 4
	case c.Shared.Debug.Trace:
		return slog.LevelDebug - 4
	case c.Shared.Debug.LogLevel == "debug" || c.Shared.Debug.Verbose:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
