package gc

import (
	"sync/atomic"

	"github.com/andypeng2015/heapcore/gc/mirror"
)

// GlobalRef is a strong root that outlives any thread, like a JNI global
// reference. It keeps its object alive until DeleteGlobalRef.
type GlobalRef struct {
	obj atomic.Pointer[mirror.Object]
}

// Get returns the object, or nil once the reference was deleted.
func (g *GlobalRef) Get() *mirror.Object {
	return g.obj.Load()
}

// NewGlobalRef roots o until DeleteGlobalRef is called.
func (h *Heap) NewGlobalRef(o *mirror.Object) *GlobalRef {
	g := &GlobalRef{}
	g.obj.Store(o)
	h.globalsMu.Lock()
	h.globals[g] = struct{}{}
	h.globalsMu.Unlock()
	return g
}

// DeleteGlobalRef drops the root. Deleting a reference twice does nothing.
func (h *Heap) DeleteGlobalRef(g *GlobalRef) {
	h.globalsMu.Lock()
	delete(h.globals, g)
	h.globalsMu.Unlock()
	g.obj.Store(nil)
}

// NumGlobalRefs returns the number of live global references.
func (h *Heap) NumGlobalRefs() int {
	h.globalsMu.Lock()
	defer h.globalsMu.Unlock()
	return len(h.globals)
}

// visitRoots calls fn with every root: the local roots of every thread, the
// global references and the objects waiting for their finalizer. Mutators
// must be suspended.
func (h *Heap) visitRoots(fn func(o *mirror.Object)) {
	for _, t := range h.threads.List() {
		t.VisitRoots(fn)
	}
	h.globalsMu.Lock()
	for g := range h.globals {
		if o := g.obj.Load(); o != nil {
			fn(o)
		}
	}
	h.globalsMu.Unlock()
	h.finalizers.VisitRoots(fn)
}
