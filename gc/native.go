package gc

import (
	"github.com/andypeng2015/heapcore/gc/collector"
)

// NativeWatermark returns the number of native bytes that may be registered
// between two collections before one is requested.
func (h *Heap) NativeWatermark() uint64 {
	return h.opts.NativeWatermark
}

// NativeBytes returns the native bytes currently registered.
func (h *Heap) NativeBytes() uint64 {
	return h.native.Total()
}

// RegisterNativeAllocation accounts bytes of native memory kept alive by heap
// objects. Once enough has been registered since the last collection a
// background collection is requested, so the objects holding native memory
// get a chance to be finalized or cleaned. When native allocations outpace
// the collector, the calling thread runs a collection itself and waits a
// bounded time for finalizers. It must not be called from inside
// Thread.Run.
func (h *Heap) RegisterNativeAllocation(bytes uint64) {
	newBytes := h.native.Register(bytes) + bytes
	watermark := float64(h.opts.NativeWatermark)

	if float64(newBytes) > watermark*h.opts.NativeBlockingFactor {
		h.nativeBlockingGC()
		return
	}
	if float64(newBytes) > watermark*h.opts.HeapGrowthMultiplier && !h.IsGCRequestPending() {
		if h.collectorType().IsConcurrent() {
			h.RequestConcurrentGC(collector.CauseForNativeAlloc, true)
		} else {
			h.collectGarbageInternal(collector.GcTypeFull, collector.CauseForNativeAlloc, false)
		}
	}
}

// nativeBlockingGC makes sure a blocking collection ran after the caller
// exceeded the blocking watermark. Only one thread runs it; the others wait
// for it to finish.
func (h *Heap) nativeBlockingGC() {
	h.gcMu.Lock()
	finished := h.nativeBlockingGCs
	if h.nativeBlockingInUse {
		// Wait for the blocking collection that is running, then run our
		// own unless somebody beat us to it.
		for h.nativeBlockingGCs == finished {
			done := h.nativeBlockingDone
			h.gcMu.Unlock()
			<-done
			h.gcMu.Lock()
		}
		finished++
	}
	runGC := false
	if h.nativeBlockingGCs == finished {
		if h.nativeBlockingInUse {
			for h.nativeBlockingGCs == finished {
				done := h.nativeBlockingDone
				h.gcMu.Unlock()
				<-done
				h.gcMu.Lock()
			}
		} else {
			h.nativeBlockingInUse = true
			runGC = true
		}
	}
	h.gcMu.Unlock()
	if !runGC {
		return
	}

	h.logger.Debug("native allocations blocking", "registered", byteSize(h.native.New()))
	h.collectGarbageInternal(collector.GcTypeFull, collector.CauseForNativeAlloc, false)
	// A finalizer that blocks must not block native allocations for good.
	if !h.finalizers.RunFinalization(h.opts.NativeBlockTimeout) {
		h.logger.Debug("native allocations: finalizers still pending", "pending", h.finalizers.Pending())
	}

	h.gcMu.Lock()
	h.nativeBlockingInUse = false
	h.nativeBlockingGCs++
	close(h.nativeBlockingDone)
	h.nativeBlockingDone = make(chan struct{})
	h.gcMu.Unlock()
}

// RegisterNativeFree undoes RegisterNativeAllocation. Freeing more than was
// registered leaves the count at zero.
func (h *Heap) RegisterNativeFree(bytes uint64) {
	h.native.Free(bytes)
}
