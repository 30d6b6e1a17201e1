package soft

import "github.com/spaghettifunk/prism/engine/renderer/driver"

// PipelineState implements driver.PipelineState. Shader blobs are kept opaque.
type PipelineState struct {
	desc driver.PipelineStateDesc
}

func newPipelineState(d *Device, desc driver.PipelineStateDesc) (*PipelineState, error) {
	switch desc.Type {
	case driver.PipelineGraphics:
		if len(desc.VS) == 0 || len(desc.PS) == 0 {
			return nil, d.invalidCall("graphics pipeline `%s` needs vertex and pixel shaders", desc.Name)
		}
		if len(desc.RTVFormats) == 0 && desc.DSVFormat == driver.FormatUnknown {
			return nil, d.invalidCall("graphics pipeline `%s` has no output formats", desc.Name)
		}
	case driver.PipelineCompute:
		if len(desc.CS) == 0 {
			return nil, d.invalidCall("compute pipeline `%s` needs a compute shader", desc.Name)
		}
	case driver.PipelineRaytracing:
		if d.RaytracingTier() == driver.RaytracingTierNotSupported {
			return nil, d.invalidCall("ray tracing pipeline `%s` on a device without ray tracing", desc.Name)
		}
		if len(desc.Library) == 0 {
			return nil, d.invalidCall("ray tracing pipeline `%s` needs a shader library", desc.Name)
		}
	}
	for i, p := range desc.RootSignature.Parameters {
		if p.Type == driver.RootParameterDescriptorTable && p.NumDescriptors == 0 {
			return nil, d.invalidCall("pipeline `%s`: root parameter %d is an empty descriptor table", desc.Name, i)
		}
	}
	return &PipelineState{desc: desc}, nil
}

func (p *PipelineState) Name() string {
	return p.desc.Name
}

func (p *PipelineState) Desc() driver.PipelineStateDesc {
	return p.desc
}

func (p *PipelineState) Release() {}
