package engine

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrNoFreePorts      = errors.New("no free ports in metrics range")
	ErrPortNotAllocated = errors.New("port not allocated")
)

// allocation tracks one host metrics port.
type allocation struct {
	engine      string
	allocatedAt time.Time
	releasedAt  *time.Time
}

// PortAllocator hands out host ports for engine metrics endpoints from a
// fixed range. Released ports stay reserved for a grace period so a
// restarting engine does not collide with lingering sockets from its
// predecessor.
type PortAllocator struct {
	mu          sync.Mutex
	minPort     int
	maxPort     int
	gracePeriod time.Duration
	allocations map[int]*allocation
}

func NewPortAllocator(minPort, maxPort int, gracePeriod time.Duration) *PortAllocator {
	return &PortAllocator{
		minPort:     minPort,
		maxPort:     maxPort,
		gracePeriod: gracePeriod,
		allocations: make(map[int]*allocation),
	}
}

// Allocate reserves the lowest free port in the range for the named engine.
func (pa *PortAllocator) Allocate(engine string) (int, error) {
	pa.mu.Lock()
	defer pa.mu.Unlock()

	now := time.Now()
	for port := pa.minPort; port <= pa.maxPort; port++ {
		alloc, exists := pa.allocations[port]
		if !exists || (alloc.releasedAt != nil && now.Sub(*alloc.releasedAt) >= pa.gracePeriod) {
			pa.allocations[port] = &allocation{engine: engine, allocatedAt: now}
			return port, nil
		}
	}
	return 0, ErrNoFreePorts
}

// Release starts the grace period countdown for a port.
func (pa *PortAllocator) Release(port int) error {
	pa.mu.Lock()
	defer pa.mu.Unlock()

	alloc, exists := pa.allocations[port]
	if !exists || alloc.releasedAt != nil {
		return ErrPortNotAllocated
	}
	now := time.Now()
	alloc.releasedAt = &now
	return nil
}

// AvailableCount returns how many ports could be allocated right now.
func (pa *PortAllocator) AvailableCount() int {
	pa.mu.Lock()
	defer pa.mu.Unlock()

	now := time.Now()
	count := 0
	for port := pa.minPort; port <= pa.maxPort; port++ {
		alloc, exists := pa.allocations[port]
		if !exists || (alloc.releasedAt != nil && now.Sub(*alloc.releasedAt) >= pa.gracePeriod) {
			count++
		}
	}
	return count
}
