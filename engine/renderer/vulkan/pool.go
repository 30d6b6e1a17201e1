package vulkan

import "sync"

type LockGroup string

const (
	ResourceManagement  LockGroup = "resource_management"
	SwapchainManagement LockGroup = "swapchain_management"
	FenceManagement     LockGroup = "fence_management"
)

// lockPool serializes access to objects Vulkan requires to be externally
// synchronized. Queues are keyed by family index since every command queue of
// a family shares the same VkQueue.
type lockPool struct {
	mu           sync.Mutex
	locks        map[LockGroup]*sync.Mutex
	queueMutexes map[uint32]*sync.Mutex
}

func newLockPool() *lockPool {
	return &lockPool{
		locks:        make(map[LockGroup]*sync.Mutex),
		queueMutexes: make(map[uint32]*sync.Mutex),
	}
}

func (p *lockPool) group(g LockGroup) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[g]
	if !ok {
		l = &sync.Mutex{}
		p.locks[g] = l
	}
	return l
}

func (p *lockPool) SafeCall(g LockGroup, fn func() error) error {
	l := p.group(g)
	l.Lock()
	defer l.Unlock()
	return fn()
}

func (p *lockPool) SetQueueFamily(index uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.queueMutexes[index]; !ok {
		p.queueMutexes[index] = &sync.Mutex{}
	}
}

func (p *lockPool) SafeQueueCall(family uint32, fn func() error) error {
	p.mu.Lock()
	l, ok := p.queueMutexes[family]
	if !ok {
		l = &sync.Mutex{}
		p.queueMutexes[family] = l
	}
	p.mu.Unlock()

	l.Lock()
	defer l.Unlock()
	return fn()
}
