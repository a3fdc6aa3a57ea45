package gc

import (
	"context"
	"sync/atomic"

	"github.com/andypeng2015/heapcore/gc/mirror"
	"github.com/andypeng2015/heapcore/gc/reference"
)

// NativeAllocationRegistry ties native allocations of a fixed size to the
// heap objects that own them. Once an owner becomes phantom reachable the
// reference queue daemon frees its native allocation and unregisters the
// bytes from the heap.
type NativeAllocationRegistry struct {
	h    *Heap
	size uint64
	free func(ptr uintptr)
}

// NewNativeAllocationRegistry returns a registry for native allocations of
// size bytes, released by free.
func (h *Heap) NewNativeAllocationRegistry(size uint64, free func(ptr uintptr)) *NativeAllocationRegistry {
	return &NativeAllocationRegistry{h: h, size: size, free: free}
}

// Size returns the size of every allocation of the registry.
func (r *NativeAllocationRegistry) Size() uint64 {
	return r.size
}

// RegisterNativeAllocation makes owner responsible for the native allocation
// at ptr and accounts its size with the heap, which may run a collection. It
// must not be called from inside Thread.Run.
func (r *NativeAllocationRegistry) RegisterNativeAllocation(owner *mirror.Object, ptr uintptr) *Cleaner {
	c := &Cleaner{registry: r, ptr: ptr}
	c.ref = r.h.NewReference(reference.Phantom, owner, r.h.cleanerQueue)
	c.ref.Value = c
	r.h.RegisterNativeAllocation(r.size)
	return c
}

// Cleaner frees one native allocation, either when its owner dies or when
// Clean is called by hand.
type Cleaner struct {
	registry *NativeAllocationRegistry
	ptr      uintptr
	ref      *reference.Reference
	done     atomic.Bool
}

// Clean frees the native allocation now, unless it was freed before.
func (c *Cleaner) Clean() {
	if !c.done.CompareAndSwap(false, true) {
		return
	}
	h := c.registry.h
	h.refs.Unregister(c.ref)
	c.ref.Clear()
	c.registry.free(c.ptr)
	h.RegisterNativeFree(c.registry.size)
}

// runCleaners runs the cleaners of dead owners until ctx is canceled.
func (h *Heap) runCleaners(ctx context.Context) {
	for {
		r, err := h.cleanerQueue.RemoveContext(ctx)
		if err != nil {
			return
		}
		if c, ok := r.Value.(*Cleaner); ok {
			c.Clean()
		}
	}
}
