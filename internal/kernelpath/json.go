package kernelpath

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ParsePath decodes a kernel path file (spec.md §6: JSON with top-level
// {id, name, decode, prefill?, preLayer?, postLayer?, sampling?,
// layerOverrides?}) and validates it before returning.
func ParsePath(data []byte) (*Path, error) {
	var p Path
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("kernelpath: decode: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// EncodePath serializes a path back to its JSON file form.
func EncodePath(p *Path) ([]byte, error) {
	return json.MarshalIndent(p, "", "  ")
}
