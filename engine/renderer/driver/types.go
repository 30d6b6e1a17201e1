package driver

import (
	"fmt"
	"strings"
)

type CommandListType int

const (
	CommandListDirect CommandListType = iota
	CommandListCompute
	CommandListCopy
)

func (t CommandListType) String() string {
	switch t {
	case CommandListDirect:
		return "direct"
	case CommandListCompute:
		return "compute"
	case CommandListCopy:
		return "copy"
	}
	return fmt.Sprintf("CommandListType(%d)", int(t))
}

type DescriptorHeapType int

const (
	DescriptorHeapCbvSrvUav DescriptorHeapType = iota
	DescriptorHeapSampler
	DescriptorHeapRtv
	DescriptorHeapDsv

	NumDescriptorHeapTypes
)

func (t DescriptorHeapType) String() string {
	switch t {
	case DescriptorHeapCbvSrvUav:
		return "cbv_srv_uav"
	case DescriptorHeapSampler:
		return "sampler"
	case DescriptorHeapRtv:
		return "rtv"
	case DescriptorHeapDsv:
		return "dsv"
	}
	return fmt.Sprintf("DescriptorHeapType(%d)", int(t))
}

type HeapType int

const (
	HeapDefault HeapType = iota
	HeapUpload
	HeapReadback
)

// ResourceState is a bit set of the pipeline usages a resource is prepared for.
type ResourceState uint32

const (
	StateCommon                          ResourceState = 0
	StatePresent                         ResourceState = 0
	StateVertexAndConstantBuffer         ResourceState = 0x1
	StateIndexBuffer                     ResourceState = 0x2
	StateRenderTarget                    ResourceState = 0x4
	StateUnorderedAccess                 ResourceState = 0x8
	StateDepthWrite                      ResourceState = 0x10
	StateDepthRead                       ResourceState = 0x20
	StateNonPixelShaderResource          ResourceState = 0x40
	StatePixelShaderResource             ResourceState = 0x80
	StateIndirectArgument                ResourceState = 0x200
	StateCopyDest                        ResourceState = 0x400
	StateCopySource                      ResourceState = 0x800
	StateRaytracingAccelerationStructure ResourceState = 0x400000

	StateGenericRead = StateVertexAndConstantBuffer | StateIndexBuffer | StateNonPixelShaderResource |
		StatePixelShaderResource | StateIndirectArgument | StateCopySource
)

var stateNames = []struct {
	state ResourceState
	name  string
}{
	{StateVertexAndConstantBuffer, "VertexAndConstantBuffer"},
	{StateIndexBuffer, "IndexBuffer"},
	{StateRenderTarget, "RenderTarget"},
	{StateUnorderedAccess, "UnorderedAccess"},
	{StateDepthWrite, "DepthWrite"},
	{StateDepthRead, "DepthRead"},
	{StateNonPixelShaderResource, "NonPixelShaderResource"},
	{StatePixelShaderResource, "PixelShaderResource"},
	{StateIndirectArgument, "IndirectArgument"},
	{StateCopyDest, "CopyDest"},
	{StateCopySource, "CopySource"},
	{StateRaytracingAccelerationStructure, "RaytracingAccelerationStructure"},
}

func (s ResourceState) String() string {
	if s == StateCommon {
		return "Common"
	}
	if s == StateGenericRead {
		return "GenericRead"
	}
	var parts []string
	for _, n := range stateNames {
		if s&n.state != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Has reports whether every bit of other is set in s.
func (s ResourceState) Has(other ResourceState) bool {
	return s&other == other
}

// AllSubresources addresses every subresource of a resource in a barrier.
const AllSubresources uint32 = 0xffffffff

type ResourceDimension int

const (
	DimensionBuffer ResourceDimension = iota
	DimensionTexture2D
)

type Format int

const (
	FormatUnknown Format = iota
	FormatR8G8B8A8Unorm
	FormatB8G8R8A8Unorm
	FormatR32G32B32Float
	FormatR32Float
	FormatR32Uint
	FormatR16Uint
	FormatD32Float
)

// BytesPerPixel returns the element size of the format, 0 for FormatUnknown.
func (f Format) BytesPerPixel() uint32 {
	switch f {
	case FormatR8G8B8A8Unorm, FormatB8G8R8A8Unorm, FormatR32Float, FormatR32Uint, FormatD32Float:
		return 4
	case FormatR32G32B32Float:
		return 12
	case FormatR16Uint:
		return 2
	}
	return 0
}

func (f Format) IsDepth() bool {
	return f == FormatD32Float
}

type ResourceFlags uint32

const (
	ResourceFlagNone                 ResourceFlags = 0
	ResourceFlagAllowRenderTarget    ResourceFlags = 0x1
	ResourceFlagAllowDepthStencil    ResourceFlags = 0x2
	ResourceFlagAllowUnorderedAccess ResourceFlags = 0x4
	ResourceFlagAccelerationStruct   ResourceFlags = 0x8
)

type ResourceDesc struct {
	Dimension        ResourceDimension
	Width            uint64
	Height           uint32
	DepthOrArraySize uint16
	MipLevels        uint16
	Format           Format
	Flags            ResourceFlags
}

func BufferDesc(size uint64, flags ResourceFlags) ResourceDesc {
	return ResourceDesc{
		Dimension:        DimensionBuffer,
		Width:            size,
		Height:           1,
		DepthOrArraySize: 1,
		MipLevels:        1,
		Flags:            flags,
	}
}

func Tex2DDesc(format Format, width uint64, height uint32, arraySize, mipLevels uint16, flags ResourceFlags) ResourceDesc {
	if arraySize == 0 {
		arraySize = 1
	}
	if mipLevels == 0 {
		mipLevels = 1
	}
	return ResourceDesc{
		Dimension:        DimensionTexture2D,
		Width:            width,
		Height:           height,
		DepthOrArraySize: arraySize,
		MipLevels:        mipLevels,
		Format:           format,
		Flags:            flags,
	}
}

func (d ResourceDesc) SubresourceCount() uint32 {
	if d.Dimension == DimensionBuffer {
		return 1
	}
	return uint32(d.MipLevels) * uint32(d.DepthOrArraySize)
}

// ByteSize returns the size of the resource's backing memory.
func (d ResourceDesc) ByteSize() uint64 {
	if d.Dimension == DimensionBuffer {
		return d.Width
	}
	var total uint64
	w, h := d.Width, uint64(d.Height)
	for mip := uint16(0); mip < d.MipLevels; mip++ {
		total += w * h * uint64(d.Format.BytesPerPixel())
		w = max(w/2, 1)
		h = max(h/2, 1)
	}
	return total * uint64(d.DepthOrArraySize)
}

type ClearValue struct {
	Format  Format
	Color   [4]float32
	Depth   float32
	Stencil uint8
}

type CPUDescriptorHandle struct {
	Ptr uintptr
}

// Offset returns the handle n descriptors after h.
func (h CPUDescriptorHandle) Offset(n uint32, increment uint32) CPUDescriptorHandle {
	return CPUDescriptorHandle{Ptr: h.Ptr + uintptr(n)*uintptr(increment)}
}

func (h CPUDescriptorHandle) IsNull() bool {
	return h.Ptr == 0
}

type GPUDescriptorHandle struct {
	Ptr uint64
}

func (h GPUDescriptorHandle) Offset(n uint32, increment uint32) GPUDescriptorHandle {
	return GPUDescriptorHandle{Ptr: h.Ptr + uint64(n)*uint64(increment)}
}

type BarrierType int

const (
	BarrierTransition BarrierType = iota
	BarrierUAV
	BarrierAliasing
)

type ResourceBarrier struct {
	Type        BarrierType
	Resource    Resource
	Subresource uint32
	Before      ResourceState
	After       ResourceState
}

func TransitionBarrier(res Resource, before, after ResourceState, subresource uint32) ResourceBarrier {
	return ResourceBarrier{
		Type:        BarrierTransition,
		Resource:    res,
		Subresource: subresource,
		Before:      before,
		After:       after,
	}
}

// UAVBarrier orders unordered access on res. A nil resource orders all UAV access.
func UAVBarrier(res Resource) ResourceBarrier {
	return ResourceBarrier{Type: BarrierUAV, Resource: res}
}

// PlacedFootprint describes a texture subresource laid out linearly in a buffer.
type PlacedFootprint struct {
	Offset   uint64
	Format   Format
	Width    uint32
	Height   uint32
	RowPitch uint32
}

type VertexBufferView struct {
	BufferLocation uint64
	SizeInBytes    uint32
	StrideInBytes  uint32
}

type IndexBufferView struct {
	BufferLocation uint64
	SizeInBytes    uint32
	Format         Format
}

type Viewport struct {
	TopLeftX, TopLeftY float32
	Width, Height      float32
	MinDepth, MaxDepth float32
}

type Rect struct {
	Left, Top, Right, Bottom int32
}

type DescriptorHeapDesc struct {
	Type           DescriptorHeapType
	NumDescriptors uint32
	ShaderVisible  bool
}

type SwapchainDesc struct {
	Width        uint32
	Height       uint32
	BufferCount  uint32
	Format       Format
	AllowTearing bool
}

type PresentFlags uint32

const (
	PresentNone         PresentFlags = 0
	PresentAllowTearing PresentFlags = 0x200
)

type RootParameterType int

const (
	RootParameterDescriptorTable RootParameterType = iota
	RootParameter32BitConstants
	RootParameterConstantBufferView
)

// RootParameter is one slot of a root signature. Descriptor tables name the
// heap type and how many contiguous descriptors they read.
type RootParameter struct {
	Type           RootParameterType
	HeapType       DescriptorHeapType
	NumDescriptors uint32
	Num32BitValues uint32
}

type RootSignatureDesc struct {
	Parameters []RootParameter
}

type PipelineType int

const (
	PipelineGraphics PipelineType = iota
	PipelineCompute
	PipelineRaytracing
)

type InputElement struct {
	SemanticName string
	Format       Format
	Offset       uint32
}

type PipelineStateDesc struct {
	Name          string
	Type          PipelineType
	RootSignature RootSignatureDesc
	VS, PS, CS    []byte
	// Library holds the ray tracing shader library for PipelineRaytracing.
	Library     []byte
	InputLayout []InputElement
	RTVFormats  []Format
	DSVFormat   Format
}

type RaytracingTier int

const (
	RaytracingTierNotSupported RaytracingTier = 0
	RaytracingTier1_0          RaytracingTier = 10
	RaytracingTier1_1          RaytracingTier = 11
)

type AccelerationStructureType int

const (
	AccelerationStructureTopLevel AccelerationStructureType = iota
	AccelerationStructureBottomLevel
)

type RaytracingGeometry struct {
	VertexBuffer Resource
	VertexCount  uint32
	VertexStride uint64
	VertexFormat Format
	IndexBuffer  Resource
	IndexCount   uint32
	IndexFormat  Format
}

type AccelerationStructureInputs struct {
	Type AccelerationStructureType
	// Geometry describes a bottom-level structure.
	Geometry []RaytracingGeometry
	// Instances is a buffer of instance descriptions for a top-level structure.
	Instances    Resource
	NumInstances uint32
}

type AccelerationStructurePrebuildInfo struct {
	ResultDataMaxSizeInBytes uint64
	ScratchDataSizeInBytes   uint64
}

type AccelerationStructureBuildDesc struct {
	Inputs  AccelerationStructureInputs
	Dest    Resource
	Scratch Resource
}

type DispatchRaysDesc struct {
	ShaderTable Resource
	Width       uint32
	Height      uint32
	Depth       uint32
}

type AdapterDesc struct {
	Description          string
	VendorID             uint32
	DedicatedVideoMemory uint64
	Software             bool
}
