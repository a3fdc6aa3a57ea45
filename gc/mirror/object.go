// Package mirror holds the heap object model: objects, their classes and the
// header words the collector and the monitor code read and write.
//
// An Object is the identity of a heap object. Its bytes live inside one of the
// heap spaces (see package space) at Addr, and move when a compacting
// collector relocates it, but the *Object itself never changes. Everything
// that refers to a heap object (reference slots, thread roots, monitors,
// reference records) holds the *Object, so a move only has to update the
// object's own address and payload view.
package mirror

import (
	"sync/atomic"
)

// Sizes of the parts of an object, in bytes. They mirror a 32-bit heap with
// compressed references: a class pointer and a lock word in the header, and 4
// bytes per reference slot.
const (
	HeaderSize      = 8
	ReferenceSize   = 4
	ObjectAlignment = 8
)

// Object flags.
const (
	// FlagFinalizable is set on allocation for instances of classes with a
	// finalizer, and cleared once the finalizer has run.
	FlagFinalizable uint32 = 1 << iota

	// FlagLarge marks objects allocated in the large object space.
	FlagLarge
)

// Object is a node of the heap object graph.
type Object struct {
	class  *Class
	length int

	// addr and data are only written while all mutators are suspended (on
	// allocation the object is not yet published).
	addr uintptr
	size uintptr
	data []byte

	refs     []atomic.Pointer[Object]
	lockWord atomic.Uint64
	flags    atomic.Uint32
}

// New creates the object header for a freshly allocated block. The data slice
// must cover the whole block and be zeroed.
func New(c *Class, length int, addr uintptr, data []byte) *Object {
	o := &Object{
		class:  c,
		length: length,
		addr:   addr,
		size:   uintptr(len(data)),
		data:   data,
	}
	if n := c.RefSlots(length); n > 0 {
		o.refs = make([]atomic.Pointer[Object], n)
	}
	if c.Finalize != nil {
		o.flags.Store(FlagFinalizable)
	}
	return o
}

// Class returns the class of the object.
func (o *Object) Class() *Class {
	return o.class
}

// Addr returns the current address of the object. It changes when the
// object is moved by a compacting collection.
func (o *Object) Addr() uintptr {
	return o.addr
}

// Size returns the number of bytes the object occupies in its space,
// including header and padding.
func (o *Object) Size() uintptr {
	return o.size
}

// Len returns the array length, or 0 for non-array objects.
func (o *Object) Len() int {
	return o.length
}

// Data returns the primitive payload of the object (after the header and the
// reference slots). The slice is only valid until the calling thread next
// allows a collection to run, since a moving collection replaces it.
func (o *Object) Data() []byte {
	off := HeaderSize + len(o.refs)*ReferenceSize
	end := off + o.class.DataBytes(o.length)
	return o.data[off:end:end]
}

// NumRefs returns the number of reference slots.
func (o *Object) NumRefs() int {
	return len(o.refs)
}

// Ref loads reference slot i.
func (o *Object) Ref(i int) *Object {
	return o.refs[i].Load()
}

// RawSetRef stores into reference slot i without a write barrier. Mutators
// should go through the heap, which applies the barrier.
func (o *Object) RawSetRef(i int, v *Object) {
	o.refs[i].Store(v)
}

// VisitRefs calls fn for every non-nil reference slot.
func (o *Object) VisitRefs(fn func(ref *Object)) {
	for i := range o.refs {
		if ref := o.refs[i].Load(); ref != nil {
			fn(ref)
		}
	}
}

// Relocate points the object at a new block. The caller must have copied the
// old contents into data and must hold every mutator suspended.
func (o *Object) Relocate(addr uintptr, data []byte) {
	o.addr = addr
	o.data = data
}

// Bytes returns the whole block of the object, header included.
func (o *Object) Bytes() []byte {
	return o.data
}

// LockWord loads the lock word of the object.
func (o *Object) LockWord() uint64 {
	return o.lockWord.Load()
}

// CasLockWord replaces the lock word if it still equals old.
func (o *Object) CasLockWord(old, new uint64) bool {
	return o.lockWord.CompareAndSwap(old, new)
}

// SetLockWord stores a lock word. Only used while the object can not be
// locked concurrently (deflation with mutators suspended).
func (o *Object) SetLockWord(lw uint64) {
	o.lockWord.Store(lw)
}

// HasFlag reports whether flag is set.
func (o *Object) HasFlag(flag uint32) bool {
	return o.flags.Load()&flag != 0
}

// SetFlag sets flag on the object.
func (o *Object) SetFlag(flag uint32) {
	for {
		old := o.flags.Load()
		if o.flags.CompareAndSwap(old, old|flag) {
			return
		}
	}
}

// ClearFlag clears flag and reports whether it was set.
func (o *Object) ClearFlag(flag uint32) bool {
	for {
		old := o.flags.Load()
		if old&flag == 0 {
			return false
		}
		if o.flags.CompareAndSwap(old, old&^flag) {
			return true
		}
	}
}
