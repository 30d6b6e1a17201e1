package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prism/engine/renderer/driver"
)

// Queue implements driver.Queue. Queues of the same family share one VkQueue,
// submissions go through the family lock.
type Queue struct {
	dev    *Device
	typ    driver.CommandListType
	family uint32
	handle vk.Queue
}

func (q *Queue) Type() driver.CommandListType {
	return q.typ
}

func (q *Queue) ExecuteCommandLists(lists ...driver.CommandList) error {
	buffers := make([]vk.CommandBuffer, 0, len(lists))
	for _, l := range lists {
		cl, ok := l.(*CommandList)
		if !ok || cl.dev != q.dev {
			return errForeignObject
		}
		if cl.typ != q.typ {
			return fmt.Errorf("vulkan: %s command list executed on a %s queue", cl.typ, q.typ)
		}
		if !cl.closed {
			return fmt.Errorf("vulkan: executing a command list that is still recording")
		}
		buffers = append(buffers, cl.buffer)
	}
	if len(buffers) == 0 {
		return nil
	}
	return q.submit([]vk.SubmitInfo{{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: uint32(len(buffers)),
		PCommandBuffers:    buffers,
	}}, vk.NullFence)
}

// Signal submits an empty batch that signals a fresh binary fence. The
// batch completes after everything submitted before it.
func (q *Queue) Signal(fence driver.Fence, value uint64) error {
	f, ok := fence.(*Fence)
	if !ok || f.dev != q.dev {
		return errForeignObject
	}
	handle, err := f.acquire()
	if err != nil {
		return err
	}
	if err := q.submit([]vk.SubmitInfo{{SType: vk.StructureTypeSubmitInfo}}, handle); err != nil {
		f.recycle(handle)
		return err
	}
	f.watch(handle, value)
	return nil
}

func (q *Queue) submit(batches []vk.SubmitInfo, fence vk.Fence) error {
	return q.dev.locks.SafeQueueCall(q.family, func() error {
		return resultError(vk.QueueSubmit(q.handle, uint32(len(batches)), batches, fence), "vkQueueSubmit")
	})
}

// waitIdle blocks until the family's queue drained.
func (q *Queue) waitIdle() error {
	return q.dev.locks.SafeQueueCall(q.family, func() error {
		return resultError(vk.QueueWaitIdle(q.handle), "vkQueueWaitIdle")
	})
}

// Release is a no-op, queues are owned by the device.
func (q *Queue) Release() {}
