package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDriver struct{ name string }

func (d stubDriver) Open(Options) (Device, error) { return nil, ErrNoDevice }
func (d stubDriver) Name() string                 { return d.name }
func (d stubDriver) Close()                       {}

func TestRegisterReplacesByName(t *testing.T) {
	before := len(Drivers())
	Register(stubDriver{name: "stub-a"})
	Register(stubDriver{name: "stub-a"})
	assert.Len(t, Drivers(), before+1)

	d, ok := Lookup("stub-a")
	require.True(t, ok)
	assert.Equal(t, "stub-a", d.Name())

	_, ok = Lookup("missing")
	assert.False(t, ok)
}

func TestResourceStateString(t *testing.T) {
	assert.Equal(t, "Common", StatePresent.String())
	assert.Equal(t, "GenericRead", StateGenericRead.String())
	assert.Equal(t, "RenderTarget|CopyDest", (StateRenderTarget | StateCopyDest).String())
	assert.True(t, StateGenericRead.Has(StateCopySource))
	assert.False(t, StateGenericRead.Has(StateCopyDest))
}

func TestTextureSubresources(t *testing.T) {
	desc := Tex2DDesc(FormatR8G8B8A8Unorm, 4, 4, 2, 3, ResourceFlagNone)
	assert.Equal(t, uint32(6), desc.SubresourceCount())
	// (16 + 4 + 1) texels * 4 bytes * 2 slices
	assert.Equal(t, uint64(168), desc.ByteSize())
	assert.Equal(t, uint32(1), BufferDesc(12, ResourceFlagNone).SubresourceCount())
}

func TestHostHeapTableCopy(t *testing.T) {
	table := NewHostHeapTable()
	const inc = 32

	staging, err := table.Create(DescriptorHeapDesc{Type: DescriptorHeapCbvSrvUav, NumDescriptors: 4}, inc)
	require.NoError(t, err)
	visible, err := table.Create(DescriptorHeapDesc{Type: DescriptorHeapCbvSrvUav, NumDescriptors: 4, ShaderVisible: true}, inc)
	require.NoError(t, err)

	assert.Equal(t, GPUDescriptorHandle{}, staging.GPUStart())

	require.NoError(t, table.Write(staging.CPUStart().Offset(1, inc), Descriptor{Kind: ViewShaderResource}))
	require.NoError(t, table.Copy(2, visible.CPUStart().Offset(2, inc), staging.CPUStart(), DescriptorHeapCbvSrvUav))

	got, err := table.ReadRange(visible.GPUStart().Offset(2, inc), 2)
	require.NoError(t, err)
	assert.Equal(t, ViewNone, got[0].Kind)
	assert.Equal(t, ViewShaderResource, got[1].Kind)

	_, err = table.ReadRange(visible.GPUStart().Offset(3, inc), 2)
	assert.Error(t, err)

	_, err = table.Create(DescriptorHeapDesc{Type: DescriptorHeapRtv, NumDescriptors: 1, ShaderVisible: true}, inc)
	assert.Error(t, err)

	staging.Release()
	_, err = table.Read(staging.CPUStart())
	assert.Error(t, err)
}
