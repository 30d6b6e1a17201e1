package renderer

import (
	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

// Buffer is a default heap buffer whose contents come from CommandList.CopyBuffer.
type Buffer struct {
	name        string
	resource    *Resource
	numElements uint32
	elementSize uint32
}

func NewBuffer(name string) *Buffer {
	return &Buffer{name: name}
}

func (b *Buffer) Name() string {
	return b.name
}

// Resource returns nil until the buffer has been filled.
func (b *Buffer) Resource() *Resource {
	return b.resource
}

func (b *Buffer) NumElements() uint32 {
	return b.numElements
}

func (b *Buffer) ElementSize() uint32 {
	return b.elementSize
}

func (b *Buffer) SizeInBytes() uint64 {
	return uint64(b.numElements) * uint64(b.elementSize)
}

func (b *Buffer) setResource(res *Resource, numElements, elementSize uint32) {
	if b.resource != nil {
		b.resource.Release()
	}
	b.resource = res
	b.numElements = numElements
	b.elementSize = elementSize
	if res != nil && b.name != "" {
		res.SetName(b.name)
	}
}

func (b *Buffer) Release() {
	if b.resource != nil {
		b.resource.Release()
		b.resource = nil
	}
}

type VertexBuffer struct {
	Buffer
}

func NewVertexBuffer(name string) *VertexBuffer {
	return &VertexBuffer{Buffer: Buffer{name: name}}
}

func (vb *VertexBuffer) View() driver.VertexBufferView {
	if vb.resource == nil {
		return driver.VertexBufferView{}
	}
	return driver.VertexBufferView{
		BufferLocation: vb.resource.GPUVirtualAddress(),
		SizeInBytes:    uint32(vb.SizeInBytes()),
		StrideInBytes:  vb.elementSize,
	}
}

type IndexBuffer struct {
	Buffer
	format driver.Format
}

func NewIndexBuffer(name string) *IndexBuffer {
	return &IndexBuffer{Buffer: Buffer{name: name}}
}

func (ib *IndexBuffer) View() driver.IndexBufferView {
	if ib.resource == nil {
		return driver.IndexBufferView{}
	}
	return driver.IndexBufferView{
		BufferLocation: ib.resource.GPUVirtualAddress(),
		SizeInBytes:    uint32(ib.SizeInBytes()),
		Format:         ib.format,
	}
}
