package decode

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clocksmith/doppler-sub019/internal/kernelpath"
	"github.com/clocksmith/doppler-sub019/internal/kvcache"
	"github.com/clocksmith/doppler-sub019/internal/numeric"
	"github.com/clocksmith/doppler-sub019/internal/stability"
)

const testHiddenSize = 2

type fakeModel struct {
	numLayers  int
	failLayer  int // -1 disables
	failErr    error
	vocab      int
}

func (m *fakeModel) NumLayers() int    { return m.numLayers }
func (m *fakeModel) HiddenSize() int   { return testHiddenSize }
func (m *fakeModel) NewCache() kvcache.Cache {
	return kvcache.NewCausal(kvcache.Config{MaxSeqLen: 32, KVHeads: 1, HeadDim: testHiddenSize, DType: numeric.DTypeF32})
}

func (m *fakeModel) Embed(token int32) ([]float32, error) {
	return []float32{float32(token), float32(token) * 0.5}, nil
}

func (m *fakeModel) RunLayer(ctx context.Context, layerIndex int, phase kernelpath.Phase, positions []int, hidden []float32, cache kvcache.Cache) ([]float32, []stability.State, error) {
	if layerIndex == m.failLayer {
		return nil, nil, m.failErr
	}
	for _, p := range positions {
		if err := cache.WriteKV(layerIndex, p, []float32{1, 1}, []float32{1, 1}); err != nil {
			return nil, nil, err
		}
	}
	return hidden, make([]stability.State, len(positions)), nil
}

func (m *fakeModel) LMHead(ctx context.Context, hidden []float32) ([]float32, error) {
	logits := make([]float32, m.vocab)
	for i := range logits {
		logits[i] = float32(i)
	}
	return logits, nil
}

type fixedSampler struct {
	tokens []int32
	i      int
}

func (s *fixedSampler) Sample(logits []float32) (int32, error) {
	if s.i >= len(s.tokens) {
		return 0, errors.New("fixedSampler: out of tokens")
	}
	t := s.tokens[s.i]
	s.i++
	return t, nil
}

func eosAt(target int32) EOSFunc {
	return func(token int32) bool { return token == target }
}

func testResolvedPath() *kernelpath.ResolvedPath {
	return &kernelpath.ResolvedPath{
		Path:   &kernelpath.Path{ID: "p", Name: "p", Decode: map[string]kernelpath.Steps{"x": {{Op: "x", Kernel: "x.wgsl"}}}},
		Source: kernelpath.SourceAuto,
	}
}

func TestRunDecodesUntilEOSAndEmitsSignals(t *testing.T) {
	model := &fakeModel{numLayers: 2, failLayer: -1, vocab: 4}
	dc := NewContext(model, testResolvedPath())

	var buf bytes.Buffer
	signals := NewWriterSignals(&buf)
	sampler := &fixedSampler{tokens: []int32{5, 6, 99}}

	err := dc.Run(context.Background(), []int32{1, 2, 3}, 10, sampler, eosAt(99), signals)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, dc.State())

	out := buf.String()
	assert.Equal(t, 3, strings.Count(out, "[DOPPLER:RESULT]"))
	assert.Equal(t, 1, strings.Count(out, "[DOPPLER:DONE]"))
	assert.Equal(t, 0, strings.Count(out, "[DOPPLER:ERROR]"))
}

func TestRunStopsAtMaxTokensWithoutEOS(t *testing.T) {
	model := &fakeModel{numLayers: 1, failLayer: -1, vocab: 4}
	dc := NewContext(model, testResolvedPath())
	sampler := &fixedSampler{tokens: []int32{5, 6, 7}}

	var buf bytes.Buffer
	err := dc.Run(context.Background(), []int32{1}, 3, sampler, eosAt(999), NewWriterSignals(&buf))
	require.NoError(t, err)
	assert.Equal(t, StateIdle, dc.State())
}

func TestRunSurfacesContextFullFromKVOverflow(t *testing.T) {
	model := &fakeModel{numLayers: 1, failLayer: 0, failErr: &kvcache.KVOverflow{Position: 99, MaxSeqLen: 8}, vocab: 4}
	dc := NewContext(model, testResolvedPath())
	sampler := &fixedSampler{tokens: []int32{5}}

	var buf bytes.Buffer
	err := dc.Run(context.Background(), []int32{1}, 1, sampler, nil, NewWriterSignals(&buf))
	require.Error(t, err)
	var full *ContextFull
	assert.ErrorAs(t, err, &full)
	assert.Equal(t, StateFailed, dc.State())
	assert.Contains(t, buf.String(), "[DOPPLER:ERROR]")
	assert.Contains(t, buf.String(), "[DOPPLER:DONE]")
}

func TestRunRespectsCancellation(t *testing.T) {
	model := &fakeModel{numLayers: 1, failLayer: -1, vocab: 4}
	dc := NewContext(model, testResolvedPath())
	sampler := &fixedSampler{tokens: []int32{5, 5, 5, 5, 5}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already cancelled before Run starts

	var buf bytes.Buffer
	err := dc.Run(ctx, []int32{1}, 5, sampler, nil, NewWriterSignals(&buf))
	require.Error(t, err)
	var cancelled *Cancelled
	assert.ErrorAs(t, err, &cancelled)
}
