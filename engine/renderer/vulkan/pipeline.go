package vulkan

import (
	"encoding/binary"
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

const spirvMagic = 0x07230203

// PipelineState implements driver.PipelineState. Stages given as SPIR-V are
// compiled into shader modules so the driver validates them; other blobs are
// kept opaque.
type PipelineState struct {
	dev     *Device
	desc    driver.PipelineStateDesc
	modules []vk.ShaderModule
}

func newPipelineState(d *Device, desc driver.PipelineStateDesc) (*PipelineState, error) {
	switch desc.Type {
	case driver.PipelineGraphics:
		if len(desc.VS) == 0 || len(desc.PS) == 0 {
			return nil, fmt.Errorf("vulkan: graphics pipeline `%s` needs vertex and pixel shaders", desc.Name)
		}
	case driver.PipelineCompute:
		if len(desc.CS) == 0 {
			return nil, fmt.Errorf("vulkan: compute pipeline `%s` needs a compute shader", desc.Name)
		}
	case driver.PipelineRaytracing:
		return nil, fmt.Errorf("vulkan: ray tracing pipeline `%s`: %w", desc.Name, driver.ErrNotSupported)
	}

	p := &PipelineState{dev: d, desc: desc}
	for _, code := range [][]byte{desc.VS, desc.PS, desc.CS} {
		if !isSPIRV(code) {
			continue
		}
		module, err := p.createShaderModule(code)
		if err != nil {
			p.Release()
			return nil, err
		}
		p.modules = append(p.modules, module)
	}
	core.LogDebug("Pipeline `%s` created with %d shader modules", desc.Name, len(p.modules))
	return p, nil
}

func isSPIRV(code []byte) bool {
	return len(code) >= 4 && len(code)%4 == 0 && binary.LittleEndian.Uint32(code) == spirvMagic
}

func (p *PipelineState) createShaderModule(code []byte) (vk.ShaderModule, error) {
	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(code[i*4:])
	}
	createInfo := vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint(len(code)),
		PCode:    words,
	}
	var module vk.ShaderModule
	if res := vk.CreateShaderModule(p.dev.handle, &createInfo, nil, &module); res != vk.Success {
		err := resultError(res, "vkCreateShaderModule")
		core.LogError("pipeline `%s`: %s", p.desc.Name, err)
		return nil, err
	}
	return module, nil
}

func (p *PipelineState) Name() string {
	return p.desc.Name
}

func (p *PipelineState) Desc() driver.PipelineStateDesc {
	return p.desc
}

func (p *PipelineState) Release() {
	for _, m := range p.modules {
		vk.DestroyShaderModule(p.dev.handle, m, nil)
	}
	p.modules = nil
}
