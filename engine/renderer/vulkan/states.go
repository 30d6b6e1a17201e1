package vulkan

import (
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

type stateInfo struct {
	access vk.AccessFlags
	stage  vk.PipelineStageFlags
	layout vk.ImageLayout
}

// Render targets and depth buffers stay in the general layout so clears can be
// recorded outside of a render pass.
var stateTable = []struct {
	state driver.ResourceState
	info  stateInfo
}{
	{driver.StateVertexAndConstantBuffer, stateInfo{
		access: vk.AccessFlags(vk.AccessVertexAttributeReadBit | vk.AccessUniformReadBit),
		stage:  vk.PipelineStageFlags(vk.PipelineStageVertexInputBit | vk.PipelineStageVertexShaderBit | vk.PipelineStageFragmentShaderBit | vk.PipelineStageComputeShaderBit),
		layout: vk.ImageLayoutShaderReadOnlyOptimal,
	}},
	{driver.StateIndexBuffer, stateInfo{
		access: vk.AccessFlags(vk.AccessIndexReadBit),
		stage:  vk.PipelineStageFlags(vk.PipelineStageVertexInputBit),
		layout: vk.ImageLayoutGeneral,
	}},
	{driver.StateRenderTarget, stateInfo{
		access: vk.AccessFlags(vk.AccessColorAttachmentReadBit | vk.AccessColorAttachmentWriteBit | vk.AccessTransferWriteBit),
		stage:  vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit | vk.PipelineStageTransferBit),
		layout: vk.ImageLayoutGeneral,
	}},
	{driver.StateUnorderedAccess, stateInfo{
		access: vk.AccessFlags(vk.AccessShaderReadBit | vk.AccessShaderWriteBit),
		stage:  vk.PipelineStageFlags(vk.PipelineStageVertexShaderBit | vk.PipelineStageFragmentShaderBit | vk.PipelineStageComputeShaderBit),
		layout: vk.ImageLayoutGeneral,
	}},
	{driver.StateDepthWrite, stateInfo{
		access: vk.AccessFlags(vk.AccessDepthStencilAttachmentReadBit | vk.AccessDepthStencilAttachmentWriteBit | vk.AccessTransferWriteBit),
		stage:  vk.PipelineStageFlags(vk.PipelineStageEarlyFragmentTestsBit | vk.PipelineStageLateFragmentTestsBit | vk.PipelineStageTransferBit),
		layout: vk.ImageLayoutGeneral,
	}},
	{driver.StateDepthRead, stateInfo{
		access: vk.AccessFlags(vk.AccessDepthStencilAttachmentReadBit | vk.AccessShaderReadBit),
		stage:  vk.PipelineStageFlags(vk.PipelineStageEarlyFragmentTestsBit | vk.PipelineStageLateFragmentTestsBit | vk.PipelineStageFragmentShaderBit),
		layout: vk.ImageLayoutDepthStencilReadOnlyOptimal,
	}},
	{driver.StateNonPixelShaderResource, stateInfo{
		access: vk.AccessFlags(vk.AccessShaderReadBit),
		stage:  vk.PipelineStageFlags(vk.PipelineStageVertexShaderBit | vk.PipelineStageComputeShaderBit),
		layout: vk.ImageLayoutShaderReadOnlyOptimal,
	}},
	{driver.StatePixelShaderResource, stateInfo{
		access: vk.AccessFlags(vk.AccessShaderReadBit),
		stage:  vk.PipelineStageFlags(vk.PipelineStageFragmentShaderBit),
		layout: vk.ImageLayoutShaderReadOnlyOptimal,
	}},
	{driver.StateIndirectArgument, stateInfo{
		access: vk.AccessFlags(vk.AccessIndirectCommandReadBit),
		stage:  vk.PipelineStageFlags(vk.PipelineStageDrawIndirectBit),
		layout: vk.ImageLayoutGeneral,
	}},
	{driver.StateCopyDest, stateInfo{
		access: vk.AccessFlags(vk.AccessTransferWriteBit),
		stage:  vk.PipelineStageFlags(vk.PipelineStageTransferBit),
		layout: vk.ImageLayoutTransferDstOptimal,
	}},
	{driver.StateCopySource, stateInfo{
		access: vk.AccessFlags(vk.AccessTransferReadBit),
		stage:  vk.PipelineStageFlags(vk.PipelineStageTransferBit),
		layout: vk.ImageLayoutTransferSrcOptimal,
	}},
	{driver.StateRaytracingAccelerationStructure, stateInfo{
		access: vk.AccessFlags(vk.AccessShaderReadBit | vk.AccessShaderWriteBit),
		stage:  vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit),
		layout: vk.ImageLayoutGeneral,
	}},
}

// Stages and accesses each queue family kind can synchronize on.
var (
	copyStages = vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit | vk.PipelineStageTransferBit |
		vk.PipelineStageBottomOfPipeBit | vk.PipelineStageHostBit | vk.PipelineStageAllCommandsBit)
	computeStages = copyStages | vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit|vk.PipelineStageDrawIndirectBit)

	copyAccess = vk.AccessFlags(vk.AccessTransferReadBit | vk.AccessTransferWriteBit |
		vk.AccessHostReadBit | vk.AccessHostWriteBit | vk.AccessMemoryReadBit | vk.AccessMemoryWriteBit)
	computeAccess = copyAccess | vk.AccessFlags(vk.AccessShaderReadBit|vk.AccessShaderWriteBit|
		vk.AccessUniformReadBit|vk.AccessIndirectCommandReadBit)
)

// resolveState maps a state bit set onto Vulkan synchronization scopes for a
// list of type t.
func resolveState(s driver.ResourceState, r *Resource, t driver.CommandListType) stateInfo {
	var info stateInfo
	if s == driver.StateCommon {
		info = stateInfo{
			access: vk.AccessFlags(vk.AccessMemoryReadBit | vk.AccessMemoryWriteBit),
			stage:  vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit),
			layout: vk.ImageLayoutGeneral,
		}
		if r.owner != nil {
			info.access = 0
			info.layout = vk.ImageLayoutPresentSrc
		}
	} else {
		layoutSet := false
		for _, e := range stateTable {
			if s&e.state == 0 {
				continue
			}
			info.access |= e.info.access
			info.stage |= e.info.stage
			switch {
			case !layoutSet:
				info.layout = e.info.layout
				layoutSet = true
			case info.layout != e.info.layout:
				info.layout = vk.ImageLayoutGeneral
			}
		}
	}

	switch t {
	case driver.CommandListCopy:
		info.stage &= copyStages
		info.access &= copyAccess
	case driver.CommandListCompute:
		info.stage &= computeStages
		info.access &= computeAccess
	}
	if info.stage == 0 {
		info.stage = vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit)
	}
	return info
}
