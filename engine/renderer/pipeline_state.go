package renderer

import (
	"sync/atomic"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

// PipelineState is a reference counted pipeline state object. Command lists
// that bind it hold a reference until their submission completed, so a
// pipeline can be replaced (e.g. after a shader reload) while frames using
// the old one are in flight.
type PipelineState struct {
	native driver.PipelineState
	refs   atomic.Int32
}

func newPipelineState(native driver.PipelineState) *PipelineState {
	p := &PipelineState{native: native}
	p.refs.Store(1)
	return p
}

func (p *PipelineState) Native() driver.PipelineState {
	return p.native
}

func (p *PipelineState) Name() string {
	return p.native.Name()
}

func (p *PipelineState) Desc() driver.PipelineStateDesc {
	return p.native.Desc()
}

func (p *PipelineState) AddRef() *PipelineState {
	p.refs.Add(1)
	return p
}

func (p *PipelineState) Release() {
	switch n := p.refs.Add(-1); {
	case n == 0:
		p.native.Release()
	case n < 0:
		core.LogError("pipeline state `%s` released more times than referenced", p.Name())
	}
}
