package kernelpath

import "sync"

// ActivePath is the Active Path Registry from spec.md §3/§4.1, reworked
// per spec.md §9's explicit redesign note: "module-level active-path
// singleton" is flagged as a pattern requiring re-architecture, so this is
// a decode-context-scoped value threaded through resolve/decode/layer
// boundaries rather than a process-wide mutable global. Two decode
// contexts against two different loaded models each own their own
// ActivePath and never contend.
type ActivePath struct {
	mu     sync.RWMutex
	path   *Path
	source Source
}

// NewActivePath seeds an ActivePath with an already-resolved path.
func NewActivePath(resolved *ResolvedPath) *ActivePath {
	return &ActivePath{path: resolved.Path, source: resolved.Source}
}

// SetActive updates the active path and its source. Callers should check
// IsStrict before calling this mid-decode for an implicit re-selection;
// spec.md §4.1 forbids silent re-selection once strict.
func (a *ActivePath) SetActive(path *Path, source Source) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.path = path
	a.source = source
}

// GetActive returns the currently active path.
func (a *ActivePath) GetActive() *Path {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.path
}

// GetSource returns the active path's selection source.
func (a *ActivePath) GetSource() Source {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.source
}

// IsStrict reports whether the active path's source forbids implicit
// re-selection (spec.md §3: strict = source in {runtime, config, model,
// manifest}).
func (a *ActivePath) IsStrict() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.source.strict()
}
