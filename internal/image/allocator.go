package image

import (
	"context"
	"sync"

	"github.com/aosedge/aos_servicemanager/internal/core"
)

// Space is a reservation held against a SpaceAllocator's capacity. Resize
// grows or shrinks the reservation in place (install pipelines adjust it
// as they discover the true unpacked size of a nested payload); Release
// gives the whole reservation back.
type Space interface {
	Size() uint64
	Resize(ctx context.Context, size uint64) error
	Release(ctx context.Context) error
}

// SpaceAllocator reserves capacity against a fixed-size budget (a
// partition size limit from configuration, e.g. ServicesPartLimit/
// LayersPartLimit) before an install pipeline starts writing bytes,
// failing fast with ErrNoMemory instead of letting a partition fill up
// mid-extract.
type SpaceAllocator interface {
	AllocateSpace(ctx context.Context, size uint64) (Space, error)
}

// fixedAllocator is a capacity-budget tracker with no actual filesystem
// quota enforcement beyond the in-memory counter; the real limit comes
// from the partition size configured for the services/layers directory.
type fixedAllocator struct {
	mu        sync.Mutex
	capacity  uint64
	allocated uint64
	resource  string
}

// NewFixedAllocator returns a SpaceAllocator that rejects allocations once
// the running total would exceed capacity bytes. resource names the
// budget in ErrNoMemory (e.g. "layers_partition").
func NewFixedAllocator(resource string, capacity uint64) SpaceAllocator {
	return &fixedAllocator{resource: resource, capacity: capacity}
}

func (a *fixedAllocator) AllocateSpace(ctx context.Context, size uint64) (Space, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.capacity > 0 && a.allocated+size > a.capacity {
		return nil, &core.ErrNoMemory{Resource: a.resource, Capacity: int(a.capacity)}
	}

	a.allocated += size
	return &fixedSpace{allocator: a, size: size}, nil
}

type fixedSpace struct {
	allocator *fixedAllocator
	size      uint64
}

func (s *fixedSpace) Size() uint64 { return s.size }

func (s *fixedSpace) Resize(ctx context.Context, size uint64) error {
	a := s.allocator
	a.mu.Lock()
	defer a.mu.Unlock()

	if size > s.size {
		delta := size - s.size
		if a.capacity > 0 && a.allocated+delta > a.capacity {
			return &core.ErrNoMemory{Resource: a.resource, Capacity: int(a.capacity)}
		}
		a.allocated += delta
	} else {
		a.allocated -= s.size - size
	}

	s.size = size
	return nil
}

func (s *fixedSpace) Release(ctx context.Context) error {
	a := s.allocator
	a.mu.Lock()
	defer a.mu.Unlock()

	a.allocated -= s.size
	s.size = 0
	return nil
}
