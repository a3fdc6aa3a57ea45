package reference

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/andypeng2015/heapcore/gc/mirror"
	"github.com/andypeng2015/heapcore/gc/task"
)

var plain = &mirror.Class{Descriptor: "LObject;", NumRefs: 1}

func newObject(addr uintptr) *mirror.Object {
	return mirror.New(plain, 0, addr, make([]byte, plain.ObjectSize(0)))
}

// fakeMarker marks by following reference slots from a set of marked objects.
type fakeMarker struct {
	marked map[*mirror.Object]bool
}

func (m *fakeMarker) IsMarked(o *mirror.Object) bool { return m.marked[o] }

func (m *fakeMarker) Mark(o *mirror.Object) {
	if m.marked[o] {
		return
	}
	m.marked[o] = true
	o.VisitRefs(m.Mark)
}

func TestPhantomNeverReturnsReferent(t *testing.T) {
	o := newObject(0x1000)
	r := New(Phantom, o, nil)
	if r.Get() != nil {
		t.Error("phantom Get returned its referent")
	}
	if r.Referent() != o {
		t.Error("Referent lost the object")
	}
	w := New(Weak, o, nil)
	if w.Get() != o {
		t.Error("weak Get did not return its referent")
	}
}

func TestProcessClearsUnreachable(t *testing.T) {
	p := NewProcessor()
	q := NewQueue()

	live := newObject(0x1000)
	dead := newObject(0x2000)
	soft := newObject(0x3000)
	softChild := newObject(0x4000)
	soft.RawSetRef(0, softChild)

	weakLive := New(Weak, live, q)
	weakDead := New(Weak, dead, q)
	softRef := New(Soft, soft, q)
	phantomDead := New(Phantom, dead, q)
	for _, r := range []*Reference{weakLive, weakDead, softRef, phantomDead} {
		p.Register(r)
	}

	m := &fakeMarker{marked: map[*mirror.Object]bool{live: true}}
	res := p.Process(m, false)
	if res.PreservedSoft != 1 || !m.marked[softChild] {
		t.Error("soft referent and its children were not preserved")
	}
	if len(res.Cleared) != 2 {
		t.Fatalf("cleared %d references, want 2", len(res.Cleared))
	}
	if weakDead.State() != Cleared || weakDead.Get() != nil {
		t.Errorf("weak reference to dead object is %s", weakDead.State())
	}
	if weakLive.State() != Active || weakLive.Get() != live {
		t.Error("weak reference to live object was cleared")
	}

	if n := EnqueueCleared(res.Cleared); n != 2 {
		t.Errorf("enqueued %d, want 2", n)
	}
	if n := EnqueueCleared(res.Cleared); n != 0 {
		t.Errorf("second enqueue delivered %d references", n)
	}
	if q.Len() != 2 {
		t.Errorf("queue holds %d references, want 2", q.Len())
	}

	// Clearing soft references drops the preserved one next time.
	m = &fakeMarker{marked: map[*mirror.Object]bool{live: true}}
	res = p.Process(m, true)
	if len(res.Cleared) != 1 || res.Cleared[0] != softRef {
		t.Errorf("clearSoft did not clear the soft reference: %v", res.Cleared)
	}
}

func TestProcessFinalizerOrdering(t *testing.T) {
	p := NewProcessor()
	q := NewQueue()
	fq := NewQueue()

	obj := newObject(0x1000)
	child := newObject(0x2000)
	obj.RawSetRef(0, child)

	fin := New(Finalizer, obj, fq)
	weakChild := New(Weak, child, q)
	phantom := New(Phantom, obj, q)
	p.Register(fin)
	p.Register(weakChild)
	p.Register(phantom)

	m := &fakeMarker{marked: map[*mirror.Object]bool{}}
	res := p.Process(m, false)
	if len(res.Finalizable) != 1 || res.Finalizable[0] != fin {
		t.Fatalf("finalizable = %v", res.Finalizable)
	}
	if !m.marked[obj] || !m.marked[child] {
		t.Error("finalizable object was not resurrected with its children")
	}
	// The weak reference is cleared before resurrection, the phantom one
	// survives until the object is finalized.
	if weakChild.State() != Cleared {
		t.Errorf("weak reference to child is %s, want cleared", weakChild.State())
	}
	if phantom.State() != Active {
		t.Errorf("phantom reference is %s before finalization", phantom.State())
	}
	if fin.zombie != obj || fin.Get() != nil {
		t.Error("finalizer reference does not hold the object as zombie")
	}

	// After finalization, nothing refers to obj anymore.
	m = &fakeMarker{marked: map[*mirror.Object]bool{}}
	res = p.Process(m, false)
	if len(res.Cleared) != 1 || res.Cleared[0] != phantom {
		t.Errorf("phantom reference not cleared after finalization: %v", res.Cleared)
	}
}

func TestUserClearedReferenceIsNotEnqueued(t *testing.T) {
	p := NewProcessor()
	q := NewQueue()
	r := New(Weak, newObject(0x1000), q)
	p.Register(r)
	r.Clear()
	res := p.Process(&fakeMarker{marked: map[*mirror.Object]bool{}}, false)
	if len(res.Cleared) != 0 || p.Len(Weak) != 0 {
		t.Error("cleared reference was processed again")
	}
}

func TestQueueRemove(t *testing.T) {
	q := NewQueue()
	start := time.Now()
	if _, err := q.Remove(20 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Errorf("Remove on empty queue: %v, want ErrTimeout", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("Remove returned before the timeout")
	}

	r := New(Weak, newObject(0x1000), q)
	go func() {
		time.Sleep(10 * time.Millisecond)
		r.Enqueue()
	}()
	got, err := q.Remove(5 * time.Second)
	if err != nil || got != r {
		t.Fatalf("Remove = %v, %v", got, err)
	}
	if r.Enqueue() {
		t.Error("reference enqueued twice")
	}
	if q.Poll() != nil {
		t.Error("queue not empty")
	}
}

func TestQueueManyWaiters(t *testing.T) {
	q := NewQueue()
	const n = 16
	var wg sync.WaitGroup
	got := make(chan *Reference, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := q.Remove(5 * time.Second)
			if err != nil {
				t.Error(err)
				return
			}
			got <- r
		}()
	}
	for i := 0; i < n; i++ {
		New(Phantom, newObject(uintptr(0x1000+i*16)), q).Enqueue()
	}
	wg.Wait()
	close(got)
	seen := make(map[*Reference]bool)
	for r := range got {
		if seen[r] {
			t.Error("reference delivered twice")
		}
		seen[r] = true
	}
	if len(seen) != n {
		t.Errorf("%d references delivered, want %d", len(seen), n)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFinalizerDaemon(t *testing.T) {
	threads := task.NewThreadList()
	self, _ := threads.Attach("FinalizerDaemon")
	d := NewFinalizerDaemon(time.Second, func(err error) { t.Errorf("unexpected fatal: %v", err) }, discardLogger())
	d.Start(self)
	defer d.Stop()

	var mu sync.Mutex
	var order []uintptr
	class := &mirror.Class{Descriptor: "LFinalizable;", Finalize: func(t mirror.Runner, o *mirror.Object) {
		var addr uintptr
		t.Run(func() { addr = o.Addr() })
		mu.Lock()
		order = append(order, addr)
		mu.Unlock()
	}}
	var refs []*Reference
	for i := 0; i < 4; i++ {
		o := mirror.New(class, 0, uintptr(0x1000+16*i), make([]byte, 16))
		if !o.HasFlag(mirror.FlagFinalizable) {
			t.Fatal("instance of class with finalizer is not finalizable")
		}
		r := New(Finalizer, o, d.Queue())
		r.zombie = o
		r.referent.Store(nil)
		r.state.Store(uint32(Cleared))
		refs = append(refs, r)
	}
	EnqueueCleared(refs)
	if !d.RunFinalization(5 * time.Second) {
		t.Fatal("finalizers did not run")
	}
	if d.Finalized() != 4 {
		t.Errorf("Finalized = %d, want 4", d.Finalized())
	}
	mu.Lock()
	defer mu.Unlock()
	for i, addr := range order {
		if addr != uintptr(0x1000+16*i) {
			t.Errorf("finalizer %d ran for %#x: not in queue order", i, addr)
		}
	}
	if self.NumRoots() != 0 {
		t.Errorf("daemon thread kept %d roots", self.NumRoots())
	}
}

func TestFinalizerWatchdog(t *testing.T) {
	threads := task.NewThreadList()
	self, _ := threads.Attach("FinalizerDaemon")
	fatal := make(chan error, 1)
	d := NewFinalizerDaemon(50*time.Millisecond, func(err error) { fatal <- err }, discardLogger())
	d.Start(self)
	defer d.Stop()

	unblock := make(chan struct{})
	class := &mirror.Class{Descriptor: "LBadFinalizer;", Finalize: func(mirror.Runner, *mirror.Object) { <-unblock }}
	o := mirror.New(class, 0, 0x1000, make([]byte, 16))
	r := New(Finalizer, o, d.Queue())
	r.zombie = o
	r.state.Store(uint32(Cleared))
	EnqueueCleared([]*Reference{r})

	select {
	case err := <-fatal:
		var te *FinalizerTimeoutError
		if !errors.As(err, &te) || te.Class != "LBadFinalizer;" {
			t.Errorf("fatal error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog did not fire")
	}
	close(unblock)
	if !d.RunFinalization(5 * time.Second) {
		t.Error("daemon did not recover after the finalizer returned")
	}
}

func TestFinalizerDaemonStopAbandonsBlockedFinalizer(t *testing.T) {
	threads := task.NewThreadList()
	self, _ := threads.Attach("FinalizerDaemon")
	d := NewFinalizerDaemon(time.Hour, func(err error) { t.Errorf("unexpected fatal: %v", err) }, discardLogger())
	d.Start(self)

	entered := make(chan struct{})
	unblock := make(chan struct{})
	returned := make(chan any, 1)
	class := &mirror.Class{Descriptor: "LBlocked;", Finalize: func(r mirror.Runner, o *mirror.Object) {
		close(entered)
		<-unblock
		defer func() { returned <- recover() }()
		r.Run(func() {})
	}}
	o := mirror.New(class, 0, 0x1000, make([]byte, 16))
	r := New(Finalizer, o, d.Queue())
	r.zombie = o
	r.state.Store(uint32(Cleared))
	EnqueueCleared([]*Reference{r})
	<-entered

	// The world can be stopped while the finalizer blocks.
	suspended := make(chan struct{})
	go func() {
		threads.SuspendAll()
		threads.ResumeAll()
		close(suspended)
	}()
	select {
	case <-suspended:
	case <-time.After(5 * time.Second):
		t.Fatal("SuspendAll blocked behind the finalizer")
	}

	if d.Stop() {
		t.Error("Stop waited for a blocked finalizer")
	}
	close(unblock)
	select {
	case p := <-returned:
		if p != ErrDaemonStopped {
			t.Errorf("Run after Stop panicked with %v, want %v", p, ErrDaemonStopped)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("finalizer did not return")
	}
	if d.Finalized() != 0 {
		t.Errorf("abandoned finalizer counted as run")
	}
}
