package gc

import (
	"github.com/andypeng2015/heapcore/gc/mirror"
	"github.com/andypeng2015/heapcore/gc/task"
)

// RootKind says what keeps a root alive.
type RootKind uint8

const (
	// RootLocal is a local root of an attached thread.
	RootLocal RootKind = iota + 1
	// RootGlobal is a GlobalRef.
	RootGlobal
	// RootFinalizing is an object waiting for its finalizer.
	RootFinalizing
)

func (k RootKind) String() string {
	switch k {
	case RootLocal:
		return "local"
	case RootGlobal:
		return "global"
	case RootFinalizing:
		return "finalizing"
	default:
		return "!err"
	}
}

// Root is one root reported by Walk.
type Root struct {
	Kind   RootKind
	Object *mirror.Object
	Thread *task.Thread // only for RootLocal
	Global *GlobalRef   // only for RootGlobal
}

// HeapWalker receives the contents of the heap from Walk.
type HeapWalker interface {
	WalkRoot(r Root)
	WalkObject(o *mirror.Object)
}

// Walk reports every root and then every allocated object, in address
// order, to w. Collections are held off and mutators suspended for the
// whole walk, so w sees a consistent heap; it must not allocate or block on
// mutators. Walk must not be called from inside Thread.Run.
func (h *Heap) Walk(w HeapWalker) error {
	if err := h.claimCollector(); err != nil {
		return err
	}
	defer h.releaseCollector()
	h.threads.SuspendAll()
	defer h.threads.ResumeAll()

	for _, t := range h.threads.List() {
		t.VisitRoots(func(o *mirror.Object) {
			w.WalkRoot(Root{Kind: RootLocal, Object: o, Thread: t})
		})
	}
	h.globalsMu.Lock()
	globals := make([]*GlobalRef, 0, len(h.globals))
	for g := range h.globals {
		globals = append(globals, g)
	}
	h.globalsMu.Unlock()
	for _, g := range globals {
		if o := g.Get(); o != nil {
			w.WalkRoot(Root{Kind: RootGlobal, Object: o, Global: g})
		}
	}
	h.finalizers.VisitRoots(func(o *mirror.Object) {
		w.WalkRoot(Root{Kind: RootFinalizing, Object: o})
	})

	h.objMu.Lock()
	objects := h.sortedObjectsLocked()
	h.objMu.Unlock()
	for _, o := range objects {
		w.WalkObject(o)
	}
	return nil
}
