package soft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

func newTestDevice(t *testing.T) *Device {
	t.Helper()
	dev := NewDevice(driver.Options{Software: true})
	t.Cleanup(dev.Close)
	return dev
}

func waitFence(t *testing.T, f driver.Fence, v uint64) {
	t.Helper()
	done, cancel := f.Done(v)
	defer cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("fence never reached %d", v)
	}
}

func TestSignalCompletesAfterPause(t *testing.T) {
	dev := newTestDevice(t)
	dq, err := dev.CreateCommandQueue(driver.CommandListDirect)
	require.NoError(t, err)
	q := dq.(*Queue)
	f, err := dev.CreateFence(0)
	require.NoError(t, err)

	q.Pause()
	require.NoError(t, q.Signal(f, 1))
	assert.Equal(t, uint64(0), f.CompletedValue())
	assert.False(t, q.Idle())

	q.Resume()
	waitFence(t, f, 1)
	assert.Equal(t, uint64(1), f.CompletedValue())
}

func TestAllocatorResetInFlight(t *testing.T) {
	dev := newTestDevice(t)
	dq, _ := dev.CreateCommandQueue(driver.CommandListDirect)
	q := dq.(*Queue)
	f, _ := dev.CreateFence(0)

	alloc, err := dev.CreateCommandAllocator(driver.CommandListDirect)
	require.NoError(t, err)
	cl, err := dev.CreateCommandList(driver.CommandListDirect, alloc)
	require.NoError(t, err)
	require.NoError(t, cl.Close())

	q.Pause()
	require.NoError(t, q.ExecuteCommandLists(cl))
	require.NoError(t, q.Signal(f, 1))

	assert.ErrorIs(t, alloc.Reset(), ErrAllocatorInFlight)

	q.Resume()
	waitFence(t, f, 1)
	assert.NoError(t, alloc.Reset())
	assert.Equal(t, 1, alloc.(*CommandAllocator).Resets())
}

func TestListMustBeClosedBeforeExecute(t *testing.T) {
	dev := newTestDevice(t)
	q, _ := dev.CreateCommandQueue(driver.CommandListCopy)
	alloc, _ := dev.CreateCommandAllocator(driver.CommandListCopy)
	cl, _ := dev.CreateCommandList(driver.CommandListCopy, alloc)

	assert.ErrorIs(t, q.ExecuteCommandLists(cl), ErrInvalidCall)
	require.NoError(t, cl.Close())
	require.NoError(t, q.ExecuteCommandLists(cl))
	assert.ErrorIs(t, q.ExecuteCommandLists(cl), ErrInvalidCall)
}

func TestRejectedExecuteTakesNothing(t *testing.T) {
	dev := newTestDevice(t)
	q, _ := dev.CreateCommandQueue(driver.CommandListCopy)
	first, _ := dev.CreateCommandAllocator(driver.CommandListCopy)
	second, _ := dev.CreateCommandAllocator(driver.CommandListCopy)
	closed, _ := dev.CreateCommandList(driver.CommandListCopy, first)
	stillOpen, _ := dev.CreateCommandList(driver.CommandListCopy, second)
	require.NoError(t, closed.Close())

	assert.ErrorIs(t, q.ExecuteCommandLists(closed, stillOpen), ErrInvalidCall)
	assert.ErrorIs(t, q.ExecuteCommandLists(closed, closed), ErrInvalidCall)
	assert.False(t, first.(*CommandAllocator).InFlight())
	require.NoError(t, q.ExecuteCommandLists(closed))
}

func TestCopyBufferAndBarrierValidation(t *testing.T) {
	dev := newTestDevice(t)
	q, _ := dev.CreateCommandQueue(driver.CommandListCopy)
	f, _ := dev.CreateFence(0)
	alloc, _ := dev.CreateCommandAllocator(driver.CommandListCopy)
	cl, _ := dev.CreateCommandList(driver.CommandListCopy, alloc)

	dst, err := dev.CreateCommittedResource(driver.HeapDefault, driver.BufferDesc(8, driver.ResourceFlagNone), driver.StateCommon, nil)
	require.NoError(t, err)
	src, err := dev.CreateCommittedResource(driver.HeapUpload, driver.BufferDesc(8, driver.ResourceFlagNone), driver.StateGenericRead, nil)
	require.NoError(t, err)
	mapped, err := src.Map()
	require.NoError(t, err)
	copy(mapped, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	src.Unmap()

	cl.ResourceBarrier([]driver.ResourceBarrier{driver.TransitionBarrier(dst, driver.StateCommon, driver.StateCopyDest, driver.AllSubresources)})
	cl.CopyBufferRegion(dst, 0, src, 0, 8)
	// wrong before state on purpose
	cl.ResourceBarrier([]driver.ResourceBarrier{driver.TransitionBarrier(dst, driver.StateCommon, driver.StateGenericRead, driver.AllSubresources)})
	require.NoError(t, cl.Close())
	require.NoError(t, q.ExecuteCommandLists(cl))
	require.NoError(t, q.Signal(f, 1))
	waitFence(t, f, 1)

	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, dst.(*Resource).Bytes())
	assert.Equal(t, driver.StateGenericRead, dst.(*Resource).State(0))

	msgs := dev.ValidationMessages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "does not match current state CopyDest")

	stats := dev.Stats()
	assert.Equal(t, uint64(2), stats.BarrierCalls)
	assert.Equal(t, uint64(1), stats.Copies)
}

func TestUseAfterReleaseIsReported(t *testing.T) {
	dev := newTestDevice(t)
	dq, _ := dev.CreateCommandQueue(driver.CommandListCopy)
	q := dq.(*Queue)
	f, _ := dev.CreateFence(0)
	alloc, _ := dev.CreateCommandAllocator(driver.CommandListCopy)
	cl, _ := dev.CreateCommandList(driver.CommandListCopy, alloc)

	dst, _ := dev.CreateCommittedResource(driver.HeapDefault, driver.BufferDesc(4, driver.ResourceFlagNone), driver.StateCopyDest, nil)
	src, _ := dev.CreateCommittedResource(driver.HeapUpload, driver.BufferDesc(4, driver.ResourceFlagNone), driver.StateGenericRead, nil)
	cl.CopyBufferRegion(dst, 0, src, 0, 4)
	require.NoError(t, cl.Close())

	q.Pause()
	require.NoError(t, q.ExecuteCommandLists(cl))
	require.NoError(t, q.Signal(f, 1))
	src.Release()
	q.Resume()
	waitFence(t, f, 1)

	msgs := dev.ValidationMessages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "released while the GPU still uses it")
}

func TestClearAndReadbackTexture(t *testing.T) {
	dev := newTestDevice(t)
	q, _ := dev.CreateCommandQueue(driver.CommandListDirect)
	f, _ := dev.CreateFence(0)
	alloc, _ := dev.CreateCommandAllocator(driver.CommandListDirect)
	cl, _ := dev.CreateCommandList(driver.CommandListDirect, alloc)

	desc := driver.Tex2DDesc(driver.FormatR8G8B8A8Unorm, 2, 2, 1, 1, driver.ResourceFlagAllowRenderTarget)
	tex, err := dev.CreateCommittedResource(driver.HeapDefault, desc, driver.StateRenderTarget, nil)
	require.NoError(t, err)
	rtvHeap, err := dev.CreateDescriptorHeap(driver.DescriptorHeapDesc{Type: driver.DescriptorHeapRtv, NumDescriptors: 1})
	require.NoError(t, err)
	require.NoError(t, dev.CreateRenderTargetView(tex, rtvHeap.CPUStart()))

	rb, err := dev.CreateCommittedResource(driver.HeapReadback, driver.BufferDesc(512, driver.ResourceFlagNone), driver.StateCopyDest, nil)
	require.NoError(t, err)

	cl.ClearRenderTargetView(rtvHeap.CPUStart(), [4]float32{1, 0, 0, 1})
	cl.ResourceBarrier([]driver.ResourceBarrier{driver.TransitionBarrier(tex, driver.StateRenderTarget, driver.StateCopySource, driver.AllSubresources)})
	cl.CopyTextureToBuffer(rb, driver.PlacedFootprint{Format: desc.Format, Width: 2, Height: 2, RowPitch: 256}, tex, 0)
	require.NoError(t, cl.Close())
	require.NoError(t, q.ExecuteCommandLists(cl))
	require.NoError(t, q.Signal(f, 1))
	waitFence(t, f, 1)

	data, err := rb.Map()
	require.NoError(t, err)
	assert.Equal(t, []byte{255, 0, 0, 255, 255, 0, 0, 255}, data[0:8])
	assert.Equal(t, []byte{255, 0, 0, 255}, data[256:260])
	assert.Empty(t, dev.ValidationMessages())
}

func TestSwapchainResizeRules(t *testing.T) {
	dev := newTestDevice(t)
	dq, _ := dev.CreateCommandQueue(driver.CommandListDirect)
	q := dq.(*Queue)
	f, _ := dev.CreateFence(0)

	sc, err := dev.CreateSwapchain(q, driver.SwapchainDesc{Width: 4, Height: 4, BufferCount: 3, Format: driver.FormatR8G8B8A8Unorm})
	require.NoError(t, err)

	buf, err := sc.Buffer(0)
	require.NoError(t, err)
	assert.ErrorIs(t, sc.ResizeBuffers(8, 8), ErrInvalidCall)
	buf.Release()

	q.Pause()
	require.NoError(t, q.Signal(f, 1))
	assert.ErrorIs(t, sc.ResizeBuffers(8, 8), ErrInvalidCall)
	q.Resume()
	waitFence(t, f, 1)

	require.NoError(t, sc.ResizeBuffers(8, 8))
	assert.True(t, buf.(*Resource).Released())

	nb, err := sc.Buffer(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), nb.Desc().Width)
	nb.Release()

	require.NoError(t, sc.Present(1, driver.PresentNone))
	assert.Equal(t, uint32(1), sc.CurrentBackBufferIndex())
	assert.ErrorIs(t, sc.Present(1, driver.PresentAllowTearing), ErrInvalidCall)
}

func TestDriverRegistered(t *testing.T) {
	d, ok := driver.Lookup(DriverName)
	require.True(t, ok)
	dev, err := d.Open(driver.Options{Software: true})
	require.NoError(t, err)
	assert.True(t, dev.AdapterDescription().Software)
	assert.Equal(t, driver.RaytracingTier1_0, dev.RaytracingTier())
	d.Close()
}

func TestFenceDoneCancel(t *testing.T) {
	f := newFence(0)
	done, cancel := f.Done(2)
	_, keep := f.Done(3)
	defer keep()
	require.Equal(t, 2, f.Waiters())

	cancel()
	assert.Equal(t, 1, f.Waiters())
	f.set(3)
	assert.Zero(t, f.Waiters())
	select {
	case <-done:
		t.Fatal("cancelled channel must not be closed")
	default:
	}

	ready, noop := f.Done(1)
	noop()
	<-ready
}
