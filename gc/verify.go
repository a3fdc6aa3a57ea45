package gc

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/andypeng2015/heapcore/gc/collector"
	"github.com/andypeng2015/heapcore/gc/mirror"
	"github.com/andypeng2015/heapcore/gc/space"
)

// Verify checks the heap for corruption with every mutator suspended: every
// object must sit in an allocated block of an allocation space, be either
// live or recently allocated, and only reference allocated objects. It
// returns a *VerifyError listing every problem found. It must not be called
// from inside Thread.Run.
func (h *Heap) Verify() error {
	if err := h.claimCollector(); err != nil {
		return err
	}
	defer h.releaseCollector()

	h.threads.SuspendAll()
	defer h.threads.ResumeAll()
	h.objMu.Lock()
	defer h.objMu.Unlock()
	return h.verifyLocked()
}

// claimCollector keeps collections out while the heap is inspected, since
// marking rewrites the bitmaps and moves objects.
func (h *Heap) claimCollector() error {
	h.gcMu.Lock()
	defer h.gcMu.Unlock()
	h.waitForGcToCompleteLocked()
	if h.shuttingDown {
		return ErrHeapClosed
	}
	h.running = collector.TypeHeapTrim
	return nil
}

func (h *Heap) releaseCollector() {
	h.gcMu.Lock()
	h.finishBusyLocked()
	h.gcMu.Unlock()
}

// verifyPreGC runs Verify at the start of a collection when enabled.
// Mutators must be suspended and the collector claimed.
func (h *Heap) verifyPreGC() {
	if !h.opts.VerifyPreGC {
		return
	}
	h.objMu.Lock()
	err := h.verifyLocked()
	h.objMu.Unlock()
	if err != nil {
		h.logger.Error("heap verification failed before collection", "err", err)
		h.opts.OnFatal(err)
	}
}

// verifyLocked does the work of Verify. h.objMu must be held.
func (h *Heap) verifyLocked() error {
	young := make(map[*mirror.Object]bool, len(h.allocStack))
	for _, o := range h.allocStack {
		young[o] = true
	}
	_, backup := h.spaces()

	var bad []*BadReferenceError
	if n := backup.ObjectsAllocated(); n != 0 {
		bad = append(bad, &BadReferenceError{
			Space:  backup.Name(),
			Slot:   -1,
			Reason: fmt.Sprintf("idle space holds %d objects", n),
		})
	}
	for addr, o := range h.objects {
		sp := h.spaceOf(addr)
		name := "unknown space"
		if sp != nil {
			name = sp.Name()
		}
		report := func(slot int, target uintptr, reason string) {
			bad = append(bad, &BadReferenceError{
				Space:  name,
				Holder: addr,
				Class:  o.Class().String(),
				Slot:   slot,
				Target: target,
				Reason: reason,
			})
		}
		switch {
		case o.Addr() != addr:
			report(-1, 0, fmt.Sprintf("indexed at %#x but located at %#x", addr, o.Addr()))
		case sp == nil || sp == backup:
			report(-1, 0, "outside the allocation spaces")
		case !h.liveBitmap.Test(addr) && !young[o]:
			report(-1, 0, "neither live nor recently allocated")
		}
		if f, ok := sp.(*space.FreeListSpace); ok && !f.IsAllocated(addr) {
			report(-1, 0, "block is free")
		}
		for i := range o.NumRefs() {
			t := o.Ref(i)
			if t != nil && h.objects[t.Addr()] != t {
				report(i, t.Addr(), "reference to an object that is not allocated")
			}
		}
	}
	if len(bad) == 0 {
		return nil
	}
	slices.SortFunc(bad, func(a, b *BadReferenceError) int {
		if c := cmp.Compare(a.Holder, b.Holder); c != 0 {
			return c
		}
		return cmp.Compare(a.Slot, b.Slot)
	})
	errs := make([]error, len(bad))
	for i, e := range bad {
		errs[i] = e
	}
	return &VerifyError{Errs: errs}
}
