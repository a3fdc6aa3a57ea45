// Package reference implements soft, weak, phantom and finalizer references,
// the queues they are delivered to, and the finalizer daemon.
//
// A Reference is a record kept beside the heap, not a heap object: it points
// at its referent without keeping it alive. The heap registers every
// Reference with its Processor, which classifies the referents once the
// collector has finished marking.
package reference

import (
	"sync/atomic"

	"github.com/andypeng2015/heapcore/gc/mirror"
)

// Kind is the strength of a reference.
type Kind uint8

const (
	// Soft references are cleared only when the collector decides to clear
	// soft references (before running out of memory).
	Soft Kind = iota
	// Weak references are cleared as soon as the referent is not strongly
	// reachable.
	Weak
	// Finalizer references are created by the heap for every instance of a
	// class with a finalizer. They keep the referent from being reclaimed
	// until its finalizer has run.
	Finalizer
	// Phantom references never return their referent. They are cleared and
	// enqueued after the referent is neither strongly, softly nor weakly
	// reachable, and after it was finalized.
	Phantom
)

func (k Kind) String() string {
	switch k {
	case Soft:
		return "soft"
	case Weak:
		return "weak"
	case Finalizer:
		return "finalizer"
	case Phantom:
		return "phantom"
	default:
		return "!err"
	}
}

// State is the position of a reference in its life cycle. It only moves
// forward: Active, PendingClear, Cleared, Enqueued.
type State uint32

const (
	Active State = iota
	// PendingClear: the collector found the referent unreachable and is about
	// to clear it.
	PendingClear
	// Cleared: the referent is gone; the reference waits to be enqueued.
	Cleared
	// Enqueued: the reference was delivered to its queue. This happens at
	// most once.
	Enqueued
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case PendingClear:
		return "pending-clear"
	case Cleared:
		return "cleared"
	case Enqueued:
		return "enqueued"
	default:
		return "!err"
	}
}

// Reference is a non-owning reference to a heap object.
type Reference struct {
	kind     Kind
	referent atomic.Pointer[mirror.Object]
	queue    *Queue
	state    atomic.Uint32

	// zombie holds the referent of a finalizer reference between the
	// collection that found it unreachable and the run of its finalizer.
	zombie *mirror.Object

	// next links the reference in its queue.
	next *Reference

	// Value is free for the owner of the reference, for example to find the
	// native resource a phantom reference guards.
	Value any
}

// New creates an active reference to referent, delivered to q (which may be
// nil) once cleared. It must be registered with the heap's Processor to be
// processed.
func New(kind Kind, referent *mirror.Object, q *Queue) *Reference {
	r := &Reference{kind: kind, queue: q}
	r.referent.Store(referent)
	return r
}

// Kind returns the strength of the reference.
func (r *Reference) Kind() Kind {
	return r.kind
}

// State returns the life cycle state.
func (r *Reference) State() State {
	return State(r.state.Load())
}

// Queue returns the queue the reference is delivered to, or nil.
func (r *Reference) Queue() *Queue {
	return r.queue
}

// Get returns the referent, or nil once cleared. It always returns nil for
// phantom references.
func (r *Reference) Get() *mirror.Object {
	if r.kind == Phantom {
		return nil
	}
	return r.referent.Load()
}

// Referent returns the referent regardless of the kind of reference. It is
// meant for the collector.
func (r *Reference) Referent() *mirror.Object {
	return r.referent.Load()
}

// Clear drops the referent without enqueuing the reference.
func (r *Reference) Clear() {
	r.referent.Store(nil)
}

// IsEnqueued reports whether the reference was delivered to its queue.
func (r *Reference) IsEnqueued() bool {
	return r.State() == Enqueued
}

// Enqueue delivers the reference to its queue, unless it was delivered
// before or has no queue. It reports whether it was enqueued by this call.
func (r *Reference) Enqueue() bool {
	if r.queue == nil {
		return false
	}
	for {
		s := r.State()
		if s == Enqueued {
			return false
		}
		if r.state.CompareAndSwap(uint32(s), uint32(Enqueued)) {
			r.referent.Store(nil)
			r.queue.push(r)
			return true
		}
	}
}

// advance moves the state from old to new and reports whether it did.
func (r *Reference) advance(old, new State) bool {
	return r.state.CompareAndSwap(uint32(old), uint32(new))
}
