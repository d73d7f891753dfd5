package gpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	next BufferID
	caps Capabilities
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		caps: Capabilities{
			HasF16:               true,
			HasSubgroups:         true,
			SubgroupSize:         32,
			MaxWorkgroupSize:     256,
			BufferAlignmentBytes: 256,
		},
	}
}

func (a *fakeAdapter) Probe() (Capabilities, error) { return a.caps, nil }

func (a *fakeAdapter) CreateBuffer(size uint64, usage BufferUsage) (BufferID, error) {
	a.next++
	return a.next, nil
}
func (a *fakeAdapter) ReleaseBuffer(BufferID) error { return nil }
func (a *fakeAdapter) WriteBuffer(BufferID, uint64, []byte) error { return nil }
func (a *fakeAdapter) CreateShaderModule(label, wgsl string) (ShaderModuleID, error) {
	return 1, nil
}
func (a *fakeAdapter) CreateComputePipeline(desc ComputePipelineDesc) (ComputePipelineID, error) {
	return 1, nil
}
func (a *fakeAdapter) CreateBindGroupLayout(desc BindGroupLayoutDesc) (BindGroupLayoutID, error) {
	return 1, nil
}

func TestPoolReusesReleasedBuffer(t *testing.T) {
	adapter := newFakeAdapter()
	pool := NewPool(adapter, 0)

	id1, err := pool.Acquire(1000, BufferUsageStorage)
	require.NoError(t, err)

	pool.Release(id1, BufferUsageStorage)

	id2, err := pool.Acquire(1000, BufferUsageStorage)
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "releasing then re-acquiring the same bucket should reuse the buffer")

	committed, live, free := pool.Stats()
	assert.Equal(t, uint64(4<<10), committed) // bucketed to 4 KiB
	assert.Equal(t, 1, live)
	assert.Equal(t, 0, free)
}

func TestPoolRejectsOverHeapBudget(t *testing.T) {
	adapter := newFakeAdapter()
	pool := NewPool(adapter, 1<<10)

	_, err := pool.Acquire(1<<20, BufferUsageStorage)
	require.Error(t, err)
}

func TestRecorderReleasesAllOnClose(t *testing.T) {
	adapter := newFakeAdapter()
	pool := NewPool(adapter, 0)
	rec := NewRecorder(pool)

	_, err := rec.Temp(4096, BufferUsageStorage)
	require.NoError(t, err)
	_, err = rec.Temp(8192, BufferUsageStorage)
	require.NoError(t, err)

	_, live, _ := pool.Stats()
	assert.Equal(t, 2, live)

	rec.Close()
	_, live, free := pool.Stats()
	assert.Equal(t, 0, live)
	assert.Equal(t, 2, free)

	// Close is idempotent.
	rec.Close()
	_, live, free = pool.Stats()
	assert.Equal(t, 0, live)
	assert.Equal(t, 2, free)
}

func TestProbeCapabilitiesRejectsZeroWorkgroup(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.caps.MaxWorkgroupSize = 0

	_, err := ProbeCapabilities(adapter)
	require.Error(t, err)
	var missing *CapabilityMissing
	assert.ErrorAs(t, err, &missing)
}
