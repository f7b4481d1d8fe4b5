package task

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
)

const DefaultPoolSize = 10

var (
	// ErrNoTaskID is returned when every identifier is held.
	ErrNoTaskID = fmt.Errorf("no task identifier available: %w", protocol.ErrNoTaskID)
	ErrNotHeld  = errors.New("task identifier not held")
)

// IDPool hands out the small integer identifiers of in-flight tasks. The
// capacity is fixed at construction; allocation takes the lowest free slot.
type IDPool struct {
	mu    sync.Mutex
	slots []bool
}

func NewIDPool(capacity int) *IDPool {
	if capacity <= 0 {
		capacity = DefaultPoolSize
	}
	return &IDPool{slots: make([]bool, capacity)}
}

func (p *IDPool) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, held := range p.slots {
		if !held {
			p.slots[id] = true
			return id, nil
		}
	}
	return -1, ErrNoTaskID
}

func (p *IDPool) Release(id int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id < 0 || id >= len(p.slots) || !p.slots[id] {
		return fmt.Errorf("release %d: %w", id, ErrNotHeld)
	}
	p.slots[id] = false
	return nil
}

func (p *IDPool) Capacity() int {
	return len(p.slots)
}

func (p *IDPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, held := range p.slots {
		if held {
			n++
		}
	}
	return n
}
