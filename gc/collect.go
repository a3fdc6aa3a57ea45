package gc

import (
	"context"
	"log/slog"
	"time"

	"github.com/andypeng2015/heapcore/gc/accounting"
	"github.com/andypeng2015/heapcore/gc/collector"
	"github.com/andypeng2015/heapcore/gc/mirror"
	"github.com/andypeng2015/heapcore/gc/reference"
	"github.com/andypeng2015/heapcore/gc/space"
	"github.com/andypeng2015/heapcore/gc/task"
)

// longPause is the pause length above which every collection is logged.
const longPause = 5 * time.Millisecond

// CollectGarbage runs a full collection and returns the type of collection
// that ran, which is GcTypeNone when none could run (for example while
// moving collections are disabled under the copying collector). It must not
// be called from inside Thread.Run.
func (h *Heap) CollectGarbage(cause collector.Cause, clearSoft bool) collector.GcType {
	return h.collectGarbageInternal(collector.GcTypeFull, cause, clearSoft)
}

// waitForGcToCompleteLocked waits until no collection is running. It
// returns the type of the last collection if it had to wait. h.gcMu must be
// held; it is released while waiting.
func (h *Heap) waitForGcToCompleteLocked() collector.GcType {
	last := collector.GcTypeNone
	for h.running != collector.TypeNone {
		done := h.gcDone
		h.gcMu.Unlock()
		<-done
		h.gcMu.Lock()
		last = h.lastGcType
	}
	return last
}

// WaitForGcToComplete waits for a running collection, if any.
func (h *Heap) WaitForGcToComplete() collector.GcType {
	h.gcMu.Lock()
	defer h.gcMu.Unlock()
	return h.waitForGcToCompleteLocked()
}

// startGC claims the collector for a collection with the current plan. It
// returns false when no collection can run.
func (h *Heap) startGC() (collector.Type, bool) {
	h.gcMu.Lock()
	defer h.gcMu.Unlock()
	h.waitForGcToCompleteLocked()
	if h.shuttingDown {
		return collector.TypeNone, false
	}
	plan := h.collectorType()
	if plan.IsMoving() && h.disableMovingGc > 0 {
		// The only collector we have would move objects.
		return collector.TypeNone, false
	}
	h.running = plan
	h.runningMoves = plan.IsMoving()
	return plan, true
}

// collectGarbageInternal runs one collection of the current plan.
func (h *Heap) collectGarbageInternal(gcType collector.GcType, cause collector.Cause, clearSoft bool) collector.GcType {
	plan, ok := h.startGC()
	if !ok {
		return collector.GcTypeNone
	}
	if plan == collector.TypeSS {
		gcType = collector.GcTypeFull
	}
	if gcType == collector.GcTypeFull {
		// Native bytes registered until now are accounted to this
		// collection.
		h.native.Fold()
	}

	var it collector.Iteration
	it.Reset(gcType, plan, cause, clearSoft)
	before := h.bytesAllocated.Load()
	var res reference.Result
	switch plan {
	case collector.TypeCMS:
		res = h.markSweep(&it, true)
	case collector.TypeMS:
		res = h.markSweep(&it, false)
	case collector.TypeSS:
		h.threads.SuspendAll()
		h.verifyPreGC()
		main, backup := h.spaces()
		res = h.evacuate(main, backup, &it)
		h.setSpaces(backup, main)
		it.AddPause(h.threads.ResumeAll())
	}
	it.Finish()
	h.growForUtilization(&it, before)
	h.finishGC(&it, res)
	return gcType
}

// finishGC enqueues the references the collection cleared, publishes its
// statistics and wakes up everyone waiting for it.
func (h *Heap) finishGC(it *collector.Iteration, res reference.Result) {
	reference.EnqueueCleared(res.Finalizable)
	reference.EnqueueCleared(res.Cleared)
	it.ClearedReferences = len(res.Cleared)
	it.Finalizable = len(res.Finalizable)
	h.cumulative.Add(it)
	h.totalObjectsFreed.Add(it.FreedObjects + it.FreedLargeObjects)
	h.totalBytesFreed.Add(it.FreedBytes + it.FreedLargeBytes)

	h.gcMu.Lock()
	h.lastIteration = *it
	h.lastGcType = it.Type
	h.gcCount++
	h.finishBusyLocked()
	h.gcMu.Unlock()

	h.logGC(it)
}

// finishBusyLocked releases the collector. h.gcMu must be held.
func (h *Heap) finishBusyLocked() {
	h.running = collector.TypeNone
	h.runningMoves = false
	close(h.gcDone)
	h.gcDone = make(chan struct{})
}

func (h *Heap) logGC(it *collector.Iteration) {
	level := slog.LevelDebug
	if it.Cause == collector.CauseExplicit || it.TotalPause() > longPause {
		level = slog.LevelInfo
	}
	if !h.logger.Enabled(context.Background(), level) {
		return
	}
	allocated := h.bytesAllocated.Load()
	target := max(h.targetFootprint.Load(), allocated, 1)
	h.logger.Log(context.Background(), level, it.Cause.String()+" "+it.Plan.String()+" GC",
		"type", it.Type,
		"freed", it.FreedObjects,
		"freed_bytes", byteSize(it.FreedBytes),
		"los_freed", it.FreedLargeObjects,
		"los_freed_bytes", byteSize(it.FreedLargeBytes),
		"moved", it.MovedObjects,
		"free_percent", 100-allocated*100/target,
		"heap", byteSize(allocated)+"/"+byteSize(target),
		"paused", it.TotalPause(),
		"total", it.Duration)
}

// RequestConcurrentGC asks the heap task daemon for a background collection
// unless one is already pending, and reports whether it queued one.
func (h *Heap) RequestConcurrentGC(cause collector.Cause, forceFull bool) bool {
	if !h.gcRequestPending.CompareAndSwap(false, true) {
		return false
	}
	h.tasks.AddTask(&task.Task{
		Name:       "concurrent gc",
		TargetTime: time.Now(),
		Run: func(self *task.Thread) {
			h.concurrentGC(cause, forceFull)
		},
	})
	return true
}

// IsGCRequestPending reports whether a background collection was requested
// and has not started yet.
func (h *Heap) IsGCRequestPending() bool {
	return h.gcRequestPending.Load()
}

func (h *Heap) concurrentGC(cause collector.Cause, forceFull bool) {
	h.gcRequestPending.Store(false)
	h.gcMu.Lock()
	if h.waitForGcToCompleteLocked() != collector.GcTypeNone || h.shuttingDown {
		// Somebody else just collected.
		h.gcMu.Unlock()
		return
	}
	next := h.nextGcType
	h.gcMu.Unlock()
	if forceFull {
		next = collector.GcTypeFull
	}
	if h.collectGarbageInternal(next, cause, false) == collector.GcTypeNone && next == collector.GcTypeSticky {
		h.collectGarbageInternal(collector.GcTypeFull, cause, false)
	}
}

// markSweep runs a mark-sweep collection. A concurrent one marks with the
// mutators running between an initial and a final pause, and sweeps after
// the final pause.
func (h *Heap) markSweep(it *collector.Iteration, concurrent bool) reference.Result {
	m := h.newMarker(nil, nil)

	h.threads.SuspendAll()
	h.verifyPreGC()
	young := h.initialMark(m, it.Type)
	if concurrent {
		it.AddPause(h.threads.ResumeAll())
		m.drain()
		h.threads.SuspendAll()
	}

	// Final pause: catch up with the mutations made while marking.
	h.objMu.Lock()
	h.cards.Scan(h.reservation.Begin(), h.reservation.End(), accounting.CardDirty, m.scanCard)
	h.objMu.Unlock()
	h.visitRoots(m.markObject)
	m.drain()

	res := h.refs.Process(m, it.ClearSoft)
	h.monitors.Sweep(m.IsMarked)

	if concurrent {
		it.AddPause(h.threads.ResumeAll())
		h.sweep(it, young)
	} else {
		h.sweep(it, young)
		it.AddPause(h.threads.ResumeAll())
	}
	return res
}

// initialMark prepares the mark bitmap, starts allocating black and marks
// the roots. For a sticky collection everything that survived the previous
// collection counts as marked, and the cards dirtied since then are scanned
// for references from old to young objects. Mutators must be suspended.
func (h *Heap) initialMark(m *marker, gcType collector.GcType) (young []*mirror.Object) {
	h.objMu.Lock()
	young = h.allocStack
	h.allocStack = nil
	if gcType == collector.GcTypeSticky {
		h.markBitmap.CopyFrom(h.liveBitmap)
	} else {
		h.markBitmap.ClearAll()
	}
	h.marking = true

	// Cards dirtied since the previous collection started are aged now;
	// those dirtied from here on are rescanned in the final pause.
	h.cards.AgeCards()
	if gcType == collector.GcTypeSticky {
		h.cards.Scan(h.reservation.Begin(), h.reservation.End(), accounting.CardAged, m.scanCard)
	}
	h.objMu.Unlock()

	h.visitRoots(m.markObject)
	return young
}

// sweep frees every unmarked object. A sticky collection only has to look
// at the young objects.
func (h *Heap) sweep(it *collector.Iteration, young []*mirror.Object) {
	main, ok := h.mainSpace().(*space.FreeListSpace)
	if !ok {
		panic("gc: mark-sweep over " + h.mainSpace().Kind().String() + " space")
	}
	h.objMu.Lock()
	defer h.objMu.Unlock()

	objects, bytes := main.Sweep(h.markBitmap.Test)
	it.RecordFree(objects, bytes)
	largeObjects, largeBytes := h.los.Sweep(h.markBitmap.Test)
	it.RecordFreeLOS(largeObjects, largeBytes)
	h.subBytesAllocated(bytes + largeBytes)

	if it.Type == collector.GcTypeSticky {
		for _, o := range young {
			if !h.markBitmap.Test(o.Addr()) {
				delete(h.objects, o.Addr())
			}
		}
	} else {
		for addr := range h.objects {
			if !h.markBitmap.Test(addr) {
				delete(h.objects, addr)
			}
		}
	}
	h.finishMarkingLocked()
}

// finishMarkingLocked stops allocating black and makes the marks the new
// live bitmap. Objects allocated during the collection stay young for the
// next one. h.objMu must be held.
func (h *Heap) finishMarkingLocked() {
	h.marking = false
	h.markBitmap, h.liveBitmap = h.liveBitmap, h.markBitmap
	for _, o := range h.allocStack {
		h.liveBitmap.Clear(o.Addr())
	}
}

func (h *Heap) subBytesAllocated(n uint64) {
	if n == 0 {
		return
	}
	for {
		old := h.bytesAllocated.Load()
		if h.bytesAllocated.CompareAndSwap(old, old-min(n, old)) {
			return
		}
	}
}
