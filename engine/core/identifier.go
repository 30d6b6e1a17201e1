package core

import (
	"fmt"
	"sync"
)

// IdentifierPool hands out small integer ids backed by a slot arena. Released
// slots are reused by the next acquisition, so ids stay dense.
type IdentifierPool struct {
	mu     sync.Mutex
	owners []interface{}
}

func NewIdentifierPool(capacity int) *IdentifierPool {
	return &IdentifierPool{
		owners: make([]interface{}, 0, capacity),
	}
}

func (p *IdentifierPool) Acquire(owner interface{}) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	length := uint32(len(p.owners))
	for i := uint32(0); i < length; i++ {
		// Existing free spot. Take it.
		if p.owners[i] == nil {
			p.owners[i] = owner
			return i
		}
	}

	// If here, no existing free slots. Need a new id, so push one.
	p.owners = append(p.owners, owner)
	return length
}

func (p *IdentifierPool) Release(id uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	length := uint32(len(p.owners))
	if id >= length {
		return fmt.Errorf("identifier release: id '%d' out of range (max=%d): %w", id, length, ErrInvalidArgument)
	}
	if p.owners[id] == nil {
		return fmt.Errorf("identifier release: id '%d' is not in use: %w", id, ErrInvalidArgument)
	}

	// Just zero out the entry, making it available for use.
	p.owners[id] = nil
	return nil
}

func (p *IdentifierPool) Owner(id uint32) (interface{}, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id >= uint32(len(p.owners)) || p.owners[id] == nil {
		return nil, false
	}
	return p.owners[id], true
}

// Len returns the number of ids currently in use.
func (p *IdentifierPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, o := range p.owners {
		if o != nil {
			n++
		}
	}
	return n
}
