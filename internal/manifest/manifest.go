// Package manifest parses and validates RDRR pack manifests (spec.md §3,
// §6): the JSON index of tensors, shards, and model hyperparameters that
// accompanies a sharded, content-addressed weight pack. Grounded on
// fs/ggml's tensor/KV indexing shape, adapted from GGUF's single-file
// layout to RDRR's manifest+shards directory layout.
package manifest

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
)

// TensorRef locates one tensor's bytes inside a shard.
type TensorRef struct {
	Name      string `json:"name"`
	ShardHash string `json:"shardHash"`
	Offset    int64  `json:"offset"`
	DType     string `json:"dtype"`
	Shape     []int  `json:"shape"`
}

// ShardRef describes one content-addressed shard file.
type ShardRef struct {
	Hash       string `json:"hash"`
	ByteLength int64  `json:"byteLength"`
	URL        string `json:"url"`
}

// Manifest is the RDRR pack's top-level record (spec.md §3).
type Manifest struct {
	ModelID            string      `json:"modelId"`
	ModelHash          string      `json:"modelHash"`
	Architecture       string      `json:"architecture"`
	LayerCount         int         `json:"layerCount"`
	Hidden             int         `json:"hidden"`
	Heads              int         `json:"heads"`
	KVHeads            int         `json:"kvHeads"`
	HeadDim            int         `json:"headDim"`
	Vocab              int         `json:"vocab"`
	RopeBase           float64     `json:"ropeBase"`
	SlidingWindow       *int       `json:"slidingWindow,omitempty"`
	AttnSoftcap         *float64   `json:"attnSoftcap,omitempty"`
	QueryPreAttnScalar  *float64   `json:"queryPreAttnScalar,omitempty"`
	ActivationDTypeHint string      `json:"activationDtype,omitempty"`
	Tensors             []TensorRef `json:"tensors"`
	Shards              []ShardRef  `json:"shards"`
}

var shardHashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Parse decodes and validates a manifest.json stream (spec.md §6: UTF-8
// JSON; every tensor's shard must be present in shards[]; hashes validate
// as lowercase hex SHA-256).
func Parse(r io.Reader) (*Manifest, error) {
	var m Manifest
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("manifest: decode: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the structural invariants spec.md §3 requires: every
// tensor's shard exists in shards[], and shard hashes are well-formed.
func (m *Manifest) Validate() error {
	if m.ModelID == "" {
		return fmt.Errorf("manifest: missing modelId")
	}
	if m.LayerCount <= 0 {
		return fmt.Errorf("manifest: layerCount must be positive, got %d", m.LayerCount)
	}
	if len(m.Tensors) == 0 {
		return fmt.Errorf("manifest: no tensors declared")
	}

	byHash := make(map[string]ShardRef, len(m.Shards))
	for _, s := range m.Shards {
		if !shardHashPattern.MatchString(s.Hash) {
			return fmt.Errorf("manifest: shard hash %q is not 64 lowercase hex chars", s.Hash)
		}
		if s.ByteLength < 0 {
			return fmt.Errorf("manifest: shard %s has negative byteLength", s.Hash)
		}
		byHash[s.Hash] = s
	}

	for _, t := range m.Tensors {
		ref, ok := byHash[t.ShardHash]
		if !ok {
			return fmt.Errorf("manifest: tensor %q references unknown shard %q", t.Name, t.ShardHash)
		}
		if t.Offset < 0 || t.Offset > ref.ByteLength {
			return fmt.Errorf("manifest: tensor %q offset %d out of range for shard %q (len %d)", t.Name, t.Offset, t.ShardHash, ref.ByteLength)
		}
	}
	return nil
}

// TensorByName returns the TensorRef for name, or ok=false.
func (m *Manifest) TensorByName(name string) (TensorRef, bool) {
	for _, t := range m.Tensors {
		if t.Name == name {
			return t, true
		}
	}
	return TensorRef{}, false
}

// ShardByHash returns the ShardRef for hash, or ok=false.
func (m *Manifest) ShardByHash(hash string) (ShardRef, bool) {
	for _, s := range m.Shards {
		if s.Hash == hash {
			return s, true
		}
	}
	return ShardRef{}, false
}
