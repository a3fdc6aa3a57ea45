// Package task manages the mutator threads attached to a heap and the
// background work queues of the heap daemons.
//
// Mutators share the heap with the collector through the mutator lock of
// their ThreadList. A thread holds a shared hold on the lock while it touches
// heap objects (see Thread.Run) and drops it whenever it blocks, so a thread
// waiting on a monitor or sleeping counts as suspended. The collector takes
// the lock exclusively to stop the world.
package task

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/andypeng2015/heapcore/gc/mirror"
)

// State is the scheduling state of a mutator thread.
type State uint32

const (
	// StateNative is the state of a thread outside of Run: it does not touch
	// the heap and does not hold up a suspension.
	StateNative State = iota
	StateRunnable
	StateBlocked
	StateWaiting
	StateSleeping
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNative:
		return "native"
	case StateRunnable:
		return "runnable"
	case StateBlocked:
		return "blocked"
	case StateWaiting:
		return "waiting"
	case StateSleeping:
		return "sleeping"
	case StateTerminated:
		return "terminated"
	default:
		return "!err"
	}
}

// MaxThreadID is the largest thread id. Thin lock words have room for 16
// bits of owner id.
const MaxThreadID = 1<<16 - 1

// Thread is a mutator attached to a heap.
type Thread struct {
	id    uint32
	name  string
	list  *ThreadList
	state atomic.Uint32

	// depth counts nested Run calls. Only the goroutine driving the thread
	// touches it.
	depth int

	mu        sync.Mutex
	roots     []*mirror.Object
	contended any
}

// ID returns the thread id, which is never 0 for an attached thread.
func (t *Thread) ID() uint32 {
	return t.id
}

// Name returns the name the thread was attached with.
func (t *Thread) Name() string {
	return t.name
}

// State returns the current scheduling state.
func (t *Thread) State() State {
	return State(t.state.Load())
}

func (t *Thread) String() string {
	return fmt.Sprintf("%q tid=%d %s", t.name, t.id, t.State())
}

// Run runs fn with the thread runnable, that is, holding a shared hold on the
// mutator lock. The collector can not stop the world while fn runs, except
// where fn blocks through Blocking. Nested calls run fn directly.
func (t *Thread) Run(fn func()) {
	if t.depth > 0 {
		fn()
		return
	}
	if t.State() == StateTerminated {
		panic("task: Run on detached thread " + t.name)
	}
	t.list.mutatorLock.RLock()
	t.state.Store(uint32(StateRunnable))
	t.depth++
	defer func() {
		t.depth--
		t.state.Store(uint32(StateNative))
		t.list.mutatorLock.RUnlock()
	}()
	fn()
}

// IsRunnable reports whether the thread is inside Run. It must be called by
// the goroutine driving the thread.
func (t *Thread) IsRunnable() bool {
	return t.depth > 0
}

// Blocking runs fn with the thread's hold on the mutator lock released, so a
// collection can run while fn blocks. The thread is in state s meanwhile.
// Outside of Run, fn is just called.
func (t *Thread) Blocking(s State, fn func()) {
	if t.depth == 0 {
		prev := t.State()
		t.state.Store(uint32(s))
		fn()
		t.state.Store(uint32(prev))
		return
	}
	depth := t.depth
	t.depth = 0
	t.state.Store(uint32(s))
	t.list.mutatorLock.RUnlock()
	defer func() {
		t.list.mutatorLock.RLock()
		t.state.Store(uint32(StateRunnable))
		t.depth = depth
	}()
	fn()
}

// PushRoot adds o to the thread's local roots and returns its slot.
func (t *Thread) PushRoot(o *mirror.Object) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roots = append(t.roots, o)
	return len(t.roots) - 1
}

// PopRoots drops the n most recently pushed roots.
func (t *Thread) PopRoots(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n > len(t.roots) {
		panic("task: popping more roots than pushed")
	}
	clear(t.roots[len(t.roots)-n:])
	t.roots = t.roots[:len(t.roots)-n]
}

// LocalFrame returns a marker for the current set of local roots, to be
// passed to PopLocalFrame.
func (t *Thread) LocalFrame() int {
	return t.NumRoots()
}

// PopLocalFrame drops every local root pushed since frame was taken.
func (t *Thread) PopLocalFrame(frame int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if frame < 0 || frame > len(t.roots) {
		panic("task: invalid local frame")
	}
	clear(t.roots[frame:])
	t.roots = t.roots[:frame]
}

// Root returns local root slot i.
func (t *Thread) Root(i int) *mirror.Object {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.roots[i]
}

// SetRoot replaces local root slot i.
func (t *Thread) SetRoot(i int, o *mirror.Object) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roots[i] = o
}

// NumRoots returns the number of local root slots.
func (t *Thread) NumRoots() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.roots)
}

// VisitRoots calls fn for every non-nil local root.
func (t *Thread) VisitRoots(fn func(o *mirror.Object)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, o := range t.roots {
		if o != nil {
			fn(o)
		}
	}
}

// SetContendedMonitor records the monitor the thread is blocked on, or nil.
func (t *Thread) SetContendedMonitor(m any) {
	t.mu.Lock()
	t.contended = m
	t.mu.Unlock()
}

// ContendedMonitor returns the monitor the thread is blocked entering or
// waiting on, or nil.
func (t *Thread) ContendedMonitor() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.contended
}
