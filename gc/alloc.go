package gc

import (
	"fmt"
	"time"

	"github.com/andypeng2015/heapcore/gc/collector"
	"github.com/andypeng2015/heapcore/gc/mirror"
	"github.com/andypeng2015/heapcore/gc/reference"
	"github.com/andypeng2015/heapcore/gc/space"
	"github.com/andypeng2015/heapcore/gc/task"
)

// AllocObject allocates a zeroed instance of c. For array classes length is
// the number of elements. The new object is pushed onto self's local roots,
// so it stays alive until the caller pops the local frame it was allocated
// in (see task.Thread.LocalFrame).
//
// When the heap is full, AllocObject runs collections of increasing cost
// before it gives up with an *OutOfMemoryError. Objects the caller holds must
// be rooted across the call.
func (h *Heap) AllocObject(self *task.Thread, c *mirror.Class, length int) (*mirror.Object, error) {
	if length < 0 {
		return nil, fmt.Errorf("gc: negative array length %d for %s", length, c)
	}
	if !c.IsArray() {
		length = 0
	}
	// Larger arrays can never fit, and their size may not even be
	// representable.
	limit := uintptr(h.growthLimit.Load())
	if n := uintptr(c.ElementSize()); n > 0 && uint64(length) > uint64((limit-mirror.HeaderSize)/n) {
		return nil, h.outOfMemory(^uintptr(0))
	}
	size := c.ObjectSize(length)
	var o *mirror.Object
	var err error
	self.Run(func() {
		o, err = h.allocObject(self, c, length, size)
		if err == nil {
			self.PushRoot(o)
		}
	})
	return o, err
}

func (h *Heap) allocObject(self *task.Thread, c *mirror.Class, length int, size uintptr) (*mirror.Object, error) {
	o := h.tryToAllocate(c, length, size, false)
	if o == nil {
		var err error
		if o, err = h.allocateWithGC(self, c, length, size); err != nil {
			return nil, err
		}
	}
	h.totalObjectsAllocated.Add(1)
	h.totalBytesAllocated.Add(uint64(o.Size()))
	if c.Finalize != nil {
		h.refs.Register(reference.New(reference.Finalizer, o, h.finalizers.Queue()))
	}
	if h.bytesAllocated.Load() >= h.concurrentStartBytes.Load() && h.collectorType().IsConcurrent() {
		h.RequestConcurrentGC(collector.CauseBackground, false)
	}
	return o, nil
}

// isOutOfMemoryOnAllocation reports whether allocating size more bytes would
// go over the footprint. With grow set the footprint may grow up to the
// growth limit. A concurrent collector always lets the footprint grow, since
// crossing it starts a collection anyway.
func (h *Heap) isOutOfMemoryOnAllocation(size uintptr, grow bool) bool {
	newFootprint := h.bytesAllocated.Load() + uint64(size)
	target := h.targetFootprint.Load()
	if newFootprint <= target {
		return false
	}
	if newFootprint > h.growthLimit.Load() {
		return true
	}
	if !h.collectorType().IsConcurrent() {
		if !grow {
			return true
		}
		h.targetFootprint.CompareAndSwap(target, newFootprint)
	}
	return false
}

// tryToAllocate allocates without running a collection and returns nil on
// failure.
func (h *Heap) tryToAllocate(c *mirror.Class, length int, size uintptr, grow bool) *mirror.Object {
	if h.isOutOfMemoryOnAllocation(size, grow) {
		return nil
	}
	large := size >= h.opts.LargeObjectThreshold
	var sp space.Space = h.los
	if !large {
		sp = h.mainSpace()
	}

	h.objMu.Lock()
	defer h.objMu.Unlock()
	addr, ok := sp.Alloc(size)
	if !ok {
		return nil
	}
	var blockSize uintptr
	if f, ok := sp.(*space.FreeListSpace); ok {
		blockSize = f.AllocationSize(addr)
	} else {
		blockSize = mirror.AlignUp(size, mirror.ObjectAlignment)
	}
	o := mirror.New(c, length, addr, sp.Bytes(addr, blockSize))
	if large {
		o.SetFlag(mirror.FlagLarge)
	}
	h.bytesAllocated.Add(uint64(blockSize))
	h.objects[addr] = o
	h.allocStack = append(h.allocStack, o)
	if h.marking {
		h.markBitmap.Set(addr)
	}
	return o
}

// gcPlan returns the collection types to try, cheapest first.
func (h *Heap) gcPlan() []collector.GcType {
	if h.collectorType() == collector.TypeSS {
		return []collector.GcType{collector.GcTypeFull}
	}
	return []collector.GcType{collector.GcTypeSticky, collector.GcTypeFull}
}

// allocateWithGC is the slow path: it tries ever more expensive ways to
// make room, retrying the allocation after each.
func (h *Heap) allocateWithGC(self *task.Thread, c *mirror.Class, length int, size uintptr) (*mirror.Object, error) {
	var o *mirror.Object
	collect := func(t collector.GcType, clearSoft bool) collector.GcType {
		var ran collector.GcType
		self.Blocking(task.StateWaiting, func() {
			ran = h.collectGarbageInternal(t, collector.CauseForAlloc, clearSoft)
		})
		return ran
	}

	// A collection may already be running, in which case it may free
	// enough.
	var last collector.GcType
	self.Blocking(task.StateWaiting, func() {
		h.gcMu.Lock()
		last = h.waitForGcToCompleteLocked()
		h.gcMu.Unlock()
	})
	if last != collector.GcTypeNone {
		if o = h.tryToAllocate(c, length, size, false); o != nil {
			return o, nil
		}
	}

	for _, t := range h.gcPlan() {
		if collect(t, false) != collector.GcTypeNone {
			if o = h.tryToAllocate(c, length, size, false); o != nil {
				return o, nil
			}
		}
	}

	// Let the footprint grow.
	if o = h.tryToAllocate(c, length, size, true); o != nil {
		return o, nil
	}

	// Last chance: clear soft references too.
	h.logger.Debug("forcing collection of soft references", "size", size)
	collect(collector.GcTypeFull, true)
	if o = h.tryToAllocate(c, length, size, true); o != nil {
		return o, nil
	}

	// The heap may just be fragmented.
	if h.opts.UseHomogeneousSpaceCompactionForOOM && !h.collectorType().IsMoving() {
		now := time.Now()
		h.gcMu.Lock()
		due := now.Sub(h.lastHSCByOOM) > h.opts.MinHSCInterval
		if due {
			h.lastHSCByOOM = now
		}
		h.gcMu.Unlock()
		if due {
			var res HomogeneousSpaceCompactResult
			self.Blocking(task.StateWaiting, func() {
				res = h.PerformHomogeneousSpaceCompact()
			})
			if res == HomogeneousSpaceCompactSuccess {
				if o = h.tryToAllocate(c, length, size, true); o != nil {
					return o, nil
				}
			}
		}
	}
	return nil, h.outOfMemory(size)
}

func (h *Heap) outOfMemory(size uintptr) *OutOfMemoryError {
	allocated := h.bytesAllocated.Load()
	target := h.targetFootprint.Load()
	limit := h.growthLimit.Load()
	err := &OutOfMemoryError{
		Requested:       size,
		TargetFootprint: target,
		GrowthLimit:     limit,
	}
	if target > allocated {
		err.FreeBytes = target - allocated
	}
	if limit > allocated {
		err.UntilOOM = limit - allocated
	}
	if size >= h.opts.LargeObjectThreshold {
		err.LargestFree = h.los.LargestFreeRange()
	} else if f, ok := h.mainSpace().(*space.FreeListSpace); ok {
		err.LargestFree = f.LargestFreeRange()
	} else if b, ok := h.mainSpace().(*space.BumpPointerSpace); ok {
		err.LargestFree = b.Remaining()
	}
	h.logger.Debug("out of memory", "err", err)
	return err
}
