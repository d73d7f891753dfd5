package kernelpath

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clocksmith/doppler-sub019/internal/manifest"
)

const weightRefsManifestJSON = `{
  "modelId": "m", "architecture": "gemma2", "layerCount": 2,
  "tensors": [
    {"name": "blk.0.attn_q.weight", "shardHash": "2222222222222222222222222222222222222222222222222222222222222222", "offset": 0, "dtype": "F32", "shape": [4]},
    {"name": "blk.1.attn_q.weight", "shardHash": "2222222222222222222222222222222222222222222222222222222222222222", "offset": 0, "dtype": "F32", "shape": [4]}
  ],
  "shards": [
    {"hash": "2222222222222222222222222222222222222222222222222222222222222222", "byteLength": 4096, "url": "shard_00000.bin"}
  ]
}`

func TestValidateWeightRefsAllResolve(t *testing.T) {
	man, err := manifest.Parse(strings.NewReader(weightRefsManifestJSON))
	require.NoError(t, err)

	p := &Path{
		ID:   "p1",
		Name: "p1",
		Decode: map[string]Steps{
			"q_proj": {{Op: "q_proj", Kernel: "matmul_f32.wgsl", WeightRefs: []string{"blk.{L}.attn_q.weight"}}},
		},
	}
	rp := &ResolvedPath{Path: p, Source: SourceAuto}

	assert.NoError(t, ValidateWeightRefs(rp, man, man.LayerCount))
}

func TestValidateWeightRefsFailsOnDanglingRef(t *testing.T) {
	man, err := manifest.Parse(strings.NewReader(weightRefsManifestJSON))
	require.NoError(t, err)

	p := &Path{
		ID:   "p1",
		Name: "p1",
		Decode: map[string]Steps{
			"q_proj": {{Op: "q_proj", Kernel: "matmul_f32.wgsl", WeightRefs: []string{"blk.{L}.attn_missing.weight"}}},
		},
	}
	rp := &ResolvedPath{Path: p, Source: SourceAuto}

	assert.Error(t, ValidateWeightRefs(rp, man, man.LayerCount))
}
