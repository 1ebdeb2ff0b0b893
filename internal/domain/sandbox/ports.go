package sandbox

import (
	"fmt"
	"net"
	"sync"
)

// PortAllocator hands out loopback ports from a bounded range. A port stays
// owned by its instance until Release; it is never handed out twice
// concurrently, even if the OS would allow rebinding.
type PortAllocator struct {
	min, max int

	mu    sync.Mutex
	inUse map[int]bool
	next  int
}

// NewPortAllocator creates an allocator over the inclusive range [min, max].
func NewPortAllocator(min, max int) *PortAllocator {
	return &PortAllocator{
		min:   min,
		max:   max,
		inUse: make(map[int]bool),
		next:  min,
	}
}

// Acquire finds a free port: not held by a live instance, and currently
// bindable on loopback. Returns an error when the range is exhausted instead
// of blocking.
func (a *PortAllocator) Acquire() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	span := a.max - a.min + 1
	for i := 0; i < span; i++ {
		port := a.min + (a.next-a.min+i)%span
		if a.inUse[port] {
			continue
		}
		if !bindable(port) {
			continue
		}
		a.inUse[port] = true
		a.next = port + 1
		return port, nil
	}

	return 0, fmt.Errorf("no free port in range %d-%d", a.min, a.max)
}

// Release returns a port to the pool. Releasing an unowned port is a no-op.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.inUse, port)
}

func bindable(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
