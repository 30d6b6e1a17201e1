package renderer

import "sync/atomic"

// FrameCounter is the frame number shared by the engine loop and the
// descriptor allocators, which tag deferred releases with it.
type FrameCounter struct {
	frame atomic.Uint64
}

func (f *FrameCounter) Current() uint64 {
	return f.frame.Load()
}

// Advance moves to the next frame and returns its number.
func (f *FrameCounter) Advance() uint64 {
	return f.frame.Add(1)
}
