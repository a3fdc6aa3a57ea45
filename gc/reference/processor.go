package reference

import (
	"sync"

	"github.com/andypeng2015/heapcore/gc/mirror"
)

// Marker is the view of the collector the Processor needs.
type Marker interface {
	// IsMarked reports whether o was found reachable.
	IsMarked(o *mirror.Object) bool
	// Mark marks o and everything reachable from it.
	Mark(o *mirror.Object)
}

// Processor keeps the side table of registered references.
type Processor struct {
	mu   sync.Mutex
	refs [Phantom + 1]map[*Reference]struct{}
}

// NewProcessor returns an empty processor.
func NewProcessor() *Processor {
	p := &Processor{}
	for i := range p.refs {
		p.refs[i] = make(map[*Reference]struct{})
	}
	return p
}

// Register makes r subject to processing. Registering twice has no effect.
func (p *Processor) Register(r *Reference) {
	p.mu.Lock()
	p.refs[r.kind][r] = struct{}{}
	p.mu.Unlock()
}

// Unregister stops processing r.
func (p *Processor) Unregister(r *Reference) {
	p.mu.Lock()
	delete(p.refs[r.kind], r)
	p.mu.Unlock()
}

// Len returns the number of registered references of kind k.
func (p *Processor) Len(k Kind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.refs[k])
}

// Result lists what a Process call did.
type Result struct {
	// Cleared holds the soft, weak and phantom references whose referents
	// were cleared. They are enqueued with EnqueueCleared once the mutators
	// run again.
	Cleared []*Reference
	// Finalizable holds the finalizer references of the objects that are
	// only reachable through their finalizer. Their referents were marked
	// again and are kept alive by the reference until finalized.
	Finalizable []*Reference
	// PreservedSoft counts soft referents kept alive.
	PreservedSoft int
}

// Process classifies every registered reference after the collector has
// marked everything strongly reachable. The world must be stopped.
//
// Soft referents are preserved unless clearSoft is set. Soft and weak
// references to unmarked objects are cleared next; then unmarked finalizable
// objects are resurrected for the finalizer daemon; soft and weak references
// to objects that were only reachable from those are cleared as well; and
// finally phantom references to unmarked objects are cleared.
func (p *Processor) Process(m Marker, clearSoft bool) Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	var res Result
	if !clearSoft {
		for r := range p.refs[Soft] {
			if o := r.Referent(); o != nil && !m.IsMarked(o) {
				m.Mark(o)
				res.PreservedSoft++
			}
		}
	}
	p.clearWhite(Soft, m, &res)
	p.clearWhite(Weak, m, &res)

	for r := range p.refs[Finalizer] {
		o := r.Referent()
		if o == nil {
			delete(p.refs[Finalizer], r)
			continue
		}
		if m.IsMarked(o) {
			continue
		}
		r.advance(Active, PendingClear)
		r.zombie = o
		r.referent.Store(nil)
		m.Mark(o)
		r.advance(PendingClear, Cleared)
		delete(p.refs[Finalizer], r)
		res.Finalizable = append(res.Finalizable, r)
	}

	p.clearWhite(Soft, m, &res)
	p.clearWhite(Weak, m, &res)
	p.clearWhite(Phantom, m, &res)
	return res
}

// clearWhite clears the references of kind k whose referents are not marked.
// p.mu must be held.
func (p *Processor) clearWhite(k Kind, m Marker, res *Result) {
	for r := range p.refs[k] {
		o := r.Referent()
		if o != nil && m.IsMarked(o) {
			continue
		}
		delete(p.refs[k], r)
		if o == nil {
			// Cleared or enqueued by hand.
			continue
		}
		r.advance(Active, PendingClear)
		r.referent.Store(nil)
		r.advance(PendingClear, Cleared)
		res.Cleared = append(res.Cleared, r)
	}
}

// EnqueueCleared delivers cleared references to their queues. Each reference
// is enqueued at most once, even when it shows up in several results.
func EnqueueCleared(refs []*Reference) int {
	var n int
	for _, r := range refs {
		if r.queue != nil && r.State() == Cleared && r.Enqueue() {
			n++
		}
	}
	return n
}
