package manifest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validManifestJSON = `{
  "modelId": "gemma2-2b",
  "modelHash": "deadbeef",
  "architecture": "gemma2",
  "layerCount": 2,
  "hidden": 256,
  "heads": 8,
  "kvHeads": 4,
  "headDim": 32,
  "vocab": 1000,
  "ropeBase": 10000,
  "attnSoftcap": 50,
  "tensors": [
    {"name": "blk.0.attn_q.weight", "shardHash": "` + shard64 + `", "offset": 0, "dtype": "Q4K", "shape": [256, 256]}
  ],
  "shards": [
    {"hash": "` + shard64 + `", "byteLength": 1024, "url": "https://example.test/shard_00000.bin"}
  ]
}`

const shard64 = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestParseValidManifest(t *testing.T) {
	m, err := Parse(strings.NewReader(validManifestJSON))
	require.NoError(t, err)
	assert.Equal(t, "gemma2-2b", m.ModelID)
	assert.Equal(t, 2, m.LayerCount)

	tr, ok := m.TensorByName("blk.0.attn_q.weight")
	require.True(t, ok)
	assert.Equal(t, shard64, tr.ShardHash)
}

func TestParseRejectsDanglingShardReference(t *testing.T) {
	bad := `{
  "modelId": "m", "architecture": "a", "layerCount": 1,
  "tensors": [{"name": "t", "shardHash": "` + shard64 + `", "offset": 0, "dtype": "F32", "shape": [1]}],
  "shards": []
}`
	_, err := Parse(strings.NewReader(bad))
	require.Error(t, err)
}

func TestParseRejectsMalformedShardHash(t *testing.T) {
	bad := strings.ReplaceAll(validManifestJSON, shard64, "not-a-hash")
	_, err := Parse(strings.NewReader(bad))
	require.Error(t, err)
}

func TestParseRejectsZeroLayerCount(t *testing.T) {
	bad := strings.Replace(validManifestJSON, `"layerCount": 2`, `"layerCount": 0`, 1)
	_, err := Parse(strings.NewReader(bad))
	require.Error(t, err)
}
