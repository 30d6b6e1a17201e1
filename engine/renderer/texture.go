package renderer

import (
	"fmt"

	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

// Texture is a resource plus the views its flags allow. Views come from the
// device's descriptor allocators.
type Texture struct {
	*Resource
	rtv *DescriptorAllocation
	dsv *DescriptorAllocation
	srv *DescriptorAllocation
	uav *DescriptorAllocation
}

// CreateTexture creates a default heap texture in the common state.
func (d *Device) CreateTexture(desc driver.ResourceDesc, clear *driver.ClearValue, name string) (*Texture, error) {
	native, err := d.native.CreateCommittedResource(driver.HeapDefault, desc, driver.StateCommon, clear)
	if err != nil {
		return nil, fmt.Errorf("create texture `%s`: %w", name, err)
	}
	native.SetName(name)
	return d.wrapTexture(newResource(d.registry, native, driver.StateCommon, clear))
}

// wrapTexture creates the views of an existing resource. On failure the
// resource reference is released.
func (d *Device) wrapTexture(res *Resource) (*Texture, error) {
	t := &Texture{Resource: res}
	desc := res.Desc()
	var err error
	if desc.Flags&driver.ResourceFlagAllowRenderTarget != 0 {
		if t.rtv, err = d.createView(driver.DescriptorHeapRtv, res, d.native.CreateRenderTargetView); err != nil {
			t.Release()
			return nil, err
		}
	}
	if desc.Flags&driver.ResourceFlagAllowDepthStencil != 0 {
		if t.dsv, err = d.createView(driver.DescriptorHeapDsv, res, d.native.CreateDepthStencilView); err != nil {
			t.Release()
			return nil, err
		}
	} else {
		if t.srv, err = d.createView(driver.DescriptorHeapCbvSrvUav, res, d.native.CreateShaderResourceView); err != nil {
			t.Release()
			return nil, err
		}
	}
	if desc.Flags&driver.ResourceFlagAllowUnorderedAccess != 0 {
		if t.uav, err = d.createView(driver.DescriptorHeapCbvSrvUav, res, d.native.CreateUnorderedAccessView); err != nil {
			t.Release()
			return nil, err
		}
	}
	return t, nil
}

func (d *Device) createView(t driver.DescriptorHeapType, res *Resource, create func(driver.Resource, driver.CPUDescriptorHandle) error) (*DescriptorAllocation, error) {
	alloc, err := d.AllocateDescriptors(t, 1)
	if err != nil {
		return nil, err
	}
	if err := create(res.Native(), alloc.Handle(0)); err != nil {
		alloc.Free()
		return nil, fmt.Errorf("create %s view of `%s`: %w", t, res.Name(), err)
	}
	return alloc, nil
}

func (t *Texture) RenderTargetView() driver.CPUDescriptorHandle {
	return t.rtv.Handle(0)
}

func (t *Texture) DepthStencilView() driver.CPUDescriptorHandle {
	return t.dsv.Handle(0)
}

func (t *Texture) ShaderResourceView() driver.CPUDescriptorHandle {
	return t.srv.Handle(0)
}

func (t *Texture) UnorderedAccessView() driver.CPUDescriptorHandle {
	return t.uav.Handle(0)
}

func (t *Texture) Width() uint32 {
	return uint32(t.Desc().Width)
}

func (t *Texture) Height() uint32 {
	return t.Desc().Height
}

// Release frees the views and drops the texture's resource reference.
func (t *Texture) Release() {
	for _, a := range []*DescriptorAllocation{t.rtv, t.dsv, t.srv, t.uav} {
		a.Free()
	}
	t.rtv, t.dsv, t.srv, t.uav = nil, nil, nil, nil
	t.Resource.Release()
}
