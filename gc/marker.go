package gc

import (
	"github.com/andypeng2015/heapcore/gc/accounting"
	"github.com/andypeng2015/heapcore/gc/mirror"
	"github.com/andypeng2015/heapcore/gc/space"
)

// marker traces the object graph from the roots, recording reachable objects
// in a mark bitmap. With from and to set it is a copying collector: every
// reachable object found in from is copied to to before it is marked, so
// after tracing every live object of from has moved.
//
// Since objects are referenced through their *mirror.Object, which stays the
// same when the object moves, a copy never has to fix up the references to
// it.
type marker struct {
	h      *Heap
	bitmap *accounting.Bitmap
	stack  []*mirror.Object

	from space.Space
	to   space.Space

	movedObjects uint64
	movedBytes   uint64
}

func (h *Heap) newMarker(from, to space.Space) *marker {
	return &marker{h: h, bitmap: h.markBitmap, from: from, to: to}
}

// markObject marks o and queues it for scanning if it was not marked yet.
func (m *marker) markObject(o *mirror.Object) {
	if o == nil {
		return
	}
	if m.from != nil && m.from.Contains(o.Addr()) {
		m.copy(o)
	}
	if m.bitmap.Set(o.Addr()) {
		return
	}
	m.stack = append(m.stack, o)
}

// copy moves o from the from-space to the to-space.
func (m *marker) copy(o *mirror.Object) {
	size := o.Size()
	addr, ok := m.to.Alloc(size)
	if !ok {
		// The to-space is as large as the from-space.
		panic("gc: to-space " + m.to.Name() + " exhausted")
	}
	data := m.to.Bytes(addr, size)
	copy(data, o.Bytes())
	o.Relocate(addr, data)
	m.movedObjects++
	m.movedBytes += uint64(size)
}

// drain scans objects until the mark stack is empty.
func (m *marker) drain() {
	for len(m.stack) > 0 {
		o := m.stack[len(m.stack)-1]
		m.stack[len(m.stack)-1] = nil
		m.stack = m.stack[:len(m.stack)-1]
		o.VisitRefs(m.markObject)
	}
}

// scanCard scans the marked objects that start on a card. h.objMu must be
// held.
func (m *marker) scanCard(begin, end uintptr) {
	m.bitmap.Walk(begin, end, func(addr uintptr) {
		if o := m.h.objects[addr]; o != nil {
			o.VisitRefs(m.markObject)
		}
	})
}

// IsMarked implements reference.Marker.
func (m *marker) IsMarked(o *mirror.Object) bool {
	return m.bitmap.Test(o.Addr())
}

// Mark implements reference.Marker.
func (m *marker) Mark(o *mirror.Object) {
	m.markObject(o)
	m.drain()
}
