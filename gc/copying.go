package gc

import (
	"time"

	"github.com/andypeng2015/heapcore/gc/collector"
	"github.com/andypeng2015/heapcore/gc/mirror"
	"github.com/andypeng2015/heapcore/gc/reference"
	"github.com/andypeng2015/heapcore/gc/space"
)

// HomogeneousSpaceCompactResult is the outcome of
// PerformHomogeneousSpaceCompact.
type HomogeneousSpaceCompactResult uint8

const (
	HomogeneousSpaceCompactSuccess HomogeneousSpaceCompactResult = iota
	// HomogeneousSpaceCompactErrorReject: moving collections are disabled,
	// or the current collector already moves objects.
	HomogeneousSpaceCompactErrorReject
	// HomogeneousSpaceCompactErrorUnsupported: the heap was configured
	// without homogeneous space compaction.
	HomogeneousSpaceCompactErrorUnsupported
	// HomogeneousSpaceCompactErrorShuttingDown: the heap is being closed.
	HomogeneousSpaceCompactErrorShuttingDown
)

func (r HomogeneousSpaceCompactResult) String() string {
	switch r {
	case HomogeneousSpaceCompactSuccess:
		return "Success"
	case HomogeneousSpaceCompactErrorReject:
		return "ErrorReject"
	case HomogeneousSpaceCompactErrorUnsupported:
		return "ErrorUnsupported"
	case HomogeneousSpaceCompactErrorShuttingDown:
		return "ErrorVMShuttingDown"
	default:
		return "!err"
	}
}

// evacuate copies every object reachable from the roots out of from into
// to, frees the rest, and clears from. It is a full collection of the heap:
// references are processed and the large object space is swept as well.
// Mutators must be suspended and the collector claimed.
func (h *Heap) evacuate(from, to space.Space, it *collector.Iteration) reference.Result {
	if err := to.MemMap().Protect(space.ProtReadWrite); err != nil {
		panic("gc: unprotect " + to.Name() + ": " + err.Error())
	}
	h.objMu.Lock()
	h.markBitmap.ClearAll()
	h.allocStack = nil
	h.marking = true
	h.objMu.Unlock()

	m := h.newMarker(from, to)
	h.visitRoots(m.markObject)
	m.drain()
	res := h.refs.Process(m, it.ClearSoft)
	h.monitors.Sweep(m.IsMarked)

	h.objMu.Lock()
	largeObjects, largeBytes := h.los.Sweep(h.markBitmap.Test)
	it.RecordFreeLOS(largeObjects, largeBytes)
	it.RecordFree(from.ObjectsAllocated()-m.movedObjects, from.BytesAllocated()-m.movedBytes)
	it.MovedObjects += m.movedObjects
	it.MovedBytes += m.movedBytes

	objects := make(map[uintptr]*mirror.Object, len(h.objects))
	for _, o := range h.objects {
		if m.IsMarked(o) {
			objects[o.Addr()] = o
		}
	}
	h.objects = objects
	from.Clear()
	h.finishMarkingLocked()
	h.bytesAllocated.Store(to.BytesAllocated() + h.los.BytesAllocated())
	h.objMu.Unlock()

	// Every card describes addresses that may now hold other objects.
	h.cards.ClearAll()
	return res
}

// SupportsHomogeneousSpaceCompaction reports whether the main space can be
// compacted into its backup.
func (h *Heap) SupportsHomogeneousSpaceCompaction() bool {
	return !h.opts.DisableHomogeneousSpaceCompaction
}

// PerformHomogeneousSpaceCompact compacts the main space by copying every
// live object into the backup space, which then becomes the main space. The
// collector plan is unchanged. It must not be called from inside
// Thread.Run.
func (h *Heap) PerformHomogeneousSpaceCompact() HomogeneousSpaceCompactResult {
	h.gcMu.Lock()
	h.waitForGcToCompleteLocked()
	if h.disableMovingGc != 0 || h.collectorType().IsMoving() || !h.mainSpace().CanMoveObjects() {
		h.hscRejected++
		h.gcMu.Unlock()
		return HomogeneousSpaceCompactErrorReject
	}
	if !h.SupportsHomogeneousSpaceCompaction() {
		h.gcMu.Unlock()
		return HomogeneousSpaceCompactErrorUnsupported
	}
	if h.shuttingDown {
		h.gcMu.Unlock()
		return HomogeneousSpaceCompactErrorShuttingDown
	}
	h.running = collector.TypeHomogeneousSpaceCompact
	h.runningMoves = true
	h.gcMu.Unlock()

	start := time.Now()
	var it collector.Iteration
	it.Reset(collector.GcTypeFull, collector.TypeHomogeneousSpaceCompact, collector.CauseHomogeneousSpaceCompact, false)
	before := h.bytesAllocated.Load()
	h.native.Fold()

	h.threads.SuspendAll()
	h.verifyPreGC()
	main, backup := h.spaces()
	sizeBefore := main.BytesAllocated()
	res := h.evacuate(main, backup, &it)
	h.setSpaces(backup, main)
	it.AddPause(h.threads.ResumeAll())
	it.Finish()

	h.growForUtilization(&it, before)
	h.gcMu.Lock()
	h.hscCount++
	h.gcMu.Unlock()
	h.finishGC(&it, res)
	h.logger.Info("heap homogeneous space compaction",
		"took", time.Since(start),
		"size", byteSize(sizeBefore)+" -> "+byteSize(backup.BytesAllocated()),
		"objects", it.MovedObjects)
	return HomogeneousSpaceCompactSuccess
}

// IncrementDisableMovingGC disables moving collections until the matching
// DecrementDisableMovingGC. It waits for a moving collection that is already
// running, so objects stay put once it returns.
func (h *Heap) IncrementDisableMovingGC() {
	h.gcMu.Lock()
	defer h.gcMu.Unlock()
	h.disableMovingGc++
	for h.runningMoves {
		done := h.gcDone
		h.gcMu.Unlock()
		<-done
		h.gcMu.Lock()
	}
}

// DecrementDisableMovingGC undoes one IncrementDisableMovingGC.
func (h *Heap) DecrementDisableMovingGC() {
	h.gcMu.Lock()
	defer h.gcMu.Unlock()
	if h.disableMovingGc == 0 {
		panic("gc: unbalanced DecrementDisableMovingGC")
	}
	h.disableMovingGc--
}

// TransitionCollector switches the heap to the collector plan target and
// reports whether the heap now uses it. Switching to the current plan does
// nothing. A switch between a mark-sweep plan and the copying plan moves
// every object to the other region, so it fails while moving collections
// are disabled. It must not be called from inside Thread.Run.
func (h *Heap) TransitionCollector(target collector.Type) bool {
	switch target {
	case collector.TypeCMS, collector.TypeMS, collector.TypeSS:
	default:
		return false
	}
	h.gcMu.Lock()
	h.waitForGcToCompleteLocked()
	current := h.collectorType()
	if target == current {
		h.gcMu.Unlock()
		return true
	}
	copying := target.IsMoving() != current.IsMoving()
	if h.shuttingDown || copying && h.disableMovingGc > 0 {
		h.gcMu.Unlock()
		return false
	}
	h.running = target
	h.runningMoves = copying
	h.gcMu.Unlock()

	start := time.Now()
	if !copying {
		// Both plans use the same spaces.
		h.current.Store(uint32(target))
		h.gcMu.Lock()
		h.nextGcType = collector.GcTypeFull
		h.finishBusyLocked()
		h.gcMu.Unlock()
		if !target.IsConcurrent() {
			h.concurrentStartBytes.Store(^uint64(0))
		} else {
			h.concurrentStartBytes.Store(concurrentStart(h.targetFootprint.Load(), minConcurrentRemainingBytes, h.bytesAllocated.Load()))
		}
		h.logger.Debug("collector transition", "from", current, "to", target)
		return true
	}

	var it collector.Iteration
	it.Reset(collector.GcTypeFull, target, collector.CauseCollectorTransition, false)
	before := h.bytesAllocated.Load()
	h.native.Fold()

	h.threads.SuspendAll()
	h.verifyPreGC()
	main, backup := h.spaces()
	to := newRegionSpace(backup.MemMap(), target)
	res := h.evacuate(main, to, &it)
	h.setSpaces(to, newRegionSpace(main.MemMap(), target))
	h.current.Store(uint32(target))
	it.AddPause(h.threads.ResumeAll())
	it.Finish()

	h.growForUtilization(&it, before)
	h.finishGC(&it, res)
	h.logger.Info("heap transition",
		"from", current,
		"to", target,
		"took", time.Since(start),
		"moved", it.MovedObjects,
		"freed", it.FreedObjects+it.FreedLargeObjects)
	return true
}
