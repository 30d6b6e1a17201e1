package renderer

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
	"github.com/spaghettifunk/prism/engine/renderer/soft"
)

func newTestDevice(t *testing.T, opts ...func(*DeviceOptions)) (*Device, *soft.Device) {
	t.Helper()
	o := DeviceOptions{Warp: true, Debug: true, FenceTimeout: 5 * time.Second}
	for _, fn := range opts {
		fn(&o)
	}
	d, err := NewDevice(&soft.Driver{}, o)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d, d.Native().(*soft.Device)
}

func floatBytes(values ...float32) []byte {
	out := make([]byte, 0, 4*len(values))
	for _, v := range values {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
	}
	return out
}

func TestSelectDeviceWarp(t *testing.T) {
	d, err := SelectDevice(DeviceOptions{Warp: true})
	require.NoError(t, err)
	assert.True(t, d.AdapterDescription().Software)
	assert.Equal(t, uint32(3), d.Options().FramesInFlight)
	for _, typ := range []driver.CommandListType{driver.CommandListDirect, driver.CommandListCompute, driver.CommandListCopy} {
		require.NotNil(t, d.CommandQueue(typ))
		assert.Equal(t, typ, d.CommandQueue(typ).Type())
	}
	require.NoError(t, d.Close())
}

func TestSelectDeviceWithoutHardwareDriver(t *testing.T) {
	_, err := SelectDevice(DeviceOptions{})
	assert.ErrorIs(t, err, driver.ErrNotInstalled)
}

func TestQueryRaytracingSupport(t *testing.T) {
	d, sd := newTestDevice(t)
	require.NoError(t, d.QueryRaytracingSupport(driver.RaytracingTier1_0))
	assert.ErrorIs(t, d.QueryRaytracingSupport(driver.RaytracingTier1_1), core.ErrFeatureNotSupported)

	sd.SetRaytracingTier(driver.RaytracingTierNotSupported)
	err := d.QueryRaytracingSupport(driver.RaytracingTier1_0)
	assert.ErrorIs(t, err, core.ErrFeatureNotSupported)

	_, err = d.CreatePipelineState(driver.PipelineStateDesc{
		Name:    "rt",
		Type:    driver.PipelineRaytracing,
		Library: []byte{1},
	})
	assert.ErrorIs(t, err, core.ErrFeatureNotSupported)
}

func TestDeviceCloseReportsDescriptorLeak(t *testing.T) {
	d, _ := newTestDevice(t)
	tex, err := d.CreateTexture(driver.Tex2DDesc(driver.FormatR8G8B8A8Unorm, 4, 4, 1, 1, driver.ResourceFlagNone), nil, "leaked")
	require.NoError(t, err)
	require.NotNil(t, tex)

	err = d.Close()
	assert.ErrorIs(t, err, core.ErrDescriptorLeak)
}

func TestDeviceCloseWithoutLeaks(t *testing.T) {
	d, sd := newTestDevice(t)
	tex, err := d.CreateTexture(driver.Tex2DDesc(driver.FormatR8G8B8A8Unorm, 4, 4, 1, 1, driver.ResourceFlagAllowRenderTarget), nil, "target")
	require.NoError(t, err)
	assert.Equal(t, 1, d.Registry().Len())
	tex.Release()
	assert.Equal(t, 0, d.Registry().Len())

	assert.NoError(t, d.Close())
	assert.Empty(t, sd.ValidationMessages())
}

func TestDeviceFlush(t *testing.T) {
	d, _ := newTestDevice(t)
	copyQueue := d.CommandQueue(driver.CommandListCopy)
	cl, err := copyQueue.AcquireCommandList()
	require.NoError(t, err)
	buf := NewBuffer("data")
	require.NoError(t, cl.CopyBuffer(buf, 4, 4, floatBytes(1, 2, 3, 4), driver.ResourceFlagNone))
	v, err := copyQueue.Submit(cl)
	require.NoError(t, err)

	require.NoError(t, d.Flush())
	assert.True(t, copyQueue.IsFenceComplete(v))
	buf.Release()
}

func TestDeviceOptionsFromConfig(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.Renderer.Warp = true
	cfg.Renderer.FenceTimeoutMS = 250
	opts := DeviceOptionsFromConfig(cfg.Renderer)
	assert.True(t, opts.Warp)
	assert.Equal(t, 250*time.Millisecond, opts.FenceTimeout)
	assert.Equal(t, cfg.Renderer.UploadPageSize, opts.UploadPageSize)
}

func TestCreateBufferInvalidHeapState(t *testing.T) {
	d, sd := newTestDevice(t)
	_, err := d.CreateBuffer(driver.HeapUpload, 64, driver.ResourceFlagNone, driver.StateCommon, "bad upload")
	require.Error(t, err)
	assert.True(t, errors.Is(err, soft.ErrInvalidCall))
	assert.NotEmpty(t, sd.ValidationMessages())
}
