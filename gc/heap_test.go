package gc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andypeng2015/heapcore/gc/collector"
	"github.com/andypeng2015/heapcore/gc/mirror"
	"github.com/andypeng2015/heapcore/gc/reference"
	"github.com/andypeng2015/heapcore/gc/task"
)

var (
	nodeClass  = &mirror.Class{Descriptor: "LNode;", NumRefs: 2, DataSize: 16}
	bytesClass = &mirror.Class{Descriptor: "[B", ComponentSize: 1}
)

// newTestHeap returns a small CMS heap that verifies itself before every
// collection. mod, if not nil, adjusts the options first.
func newTestHeap(t *testing.T, mod func(o *Options)) *Heap {
	t.Helper()
	opts := DefaultOptions()
	opts.Capacity = 8 << 20
	opts.InitialSize = 1 << 20
	opts.VerifyPreGC = true
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	opts.OnFatal = func(err error) {
		t.Errorf("fatal heap error: %v", err)
	}
	if mod != nil {
		mod(&opts)
	}
	h, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := h.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return h
}

func attach(t *testing.T, h *Heap, name string) *task.Thread {
	t.Helper()
	th, err := h.AttachThread(name)
	if err != nil {
		t.Fatalf("AttachThread: %v", err)
	}
	t.Cleanup(func() { h.DetachThread(th) })
	return th
}

func alloc(t *testing.T, h *Heap, self *task.Thread, c *mirror.Class, length int) *mirror.Object {
	t.Helper()
	o, err := h.AllocObject(self, c, length)
	if err != nil {
		t.Fatalf("AllocObject(%s, %d): %v", c, length, err)
	}
	return o
}

func waitFor(t *testing.T, what string, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCollectFreesUnreachable(t *testing.T) {
	for _, plan := range []collector.Type{collector.TypeCMS, collector.TypeMS, collector.TypeSS} {
		t.Run(plan.String(), func(t *testing.T) {
			h := newTestHeap(t, func(o *Options) { o.ForegroundCollector = plan })
			self := attach(t, h, "main")

			frame := self.LocalFrame()
			holder := alloc(t, h, self, nodeClass, 0)
			child := alloc(t, h, self, nodeClass, 0)
			garbage := alloc(t, h, self, nodeClass, 0)
			large := alloc(t, h, self, bytesClass, 64<<10)
			if !large.HasFlag(mirror.FlagLarge) {
				t.Error("64KB array not allocated in the large object space")
			}
			self.Run(func() {
				h.SetRef(holder, 0, child)
				h.SetRef(holder, 1, large)
			})
			g := h.NewGlobalRef(holder)
			self.PopLocalFrame(frame)

			if got := h.CollectGarbage(collector.CauseExplicit, false); got != collector.GcTypeFull {
				t.Fatalf("CollectGarbage ran %s, want full", got)
			}
			for _, o := range []*mirror.Object{holder, child, large} {
				if !h.IsLive(o) {
					t.Errorf("reachable %s was freed", o.Class())
				}
			}
			if h.IsLive(garbage) {
				t.Error("unreachable object survived a full collection")
			}
			if h.GetRef(holder, 0) != child || h.GetRef(holder, 1) != large {
				t.Error("references changed across the collection")
			}

			h.DeleteGlobalRef(g)
			h.CollectGarbage(collector.CauseExplicit, false)
			if h.IsLive(holder) || h.IsLive(child) || h.IsLive(large) {
				t.Error("objects survived after their last root was deleted")
			}
			var ms MemStats
			h.ReadMemStats(&ms)
			if ms.Objects != 0 {
				t.Errorf("%d objects left in an empty heap", ms.Objects)
			}
			if ms.NumGC != 2 {
				t.Errorf("NumGC = %d, want 2", ms.NumGC)
			}
			if err := h.Verify(); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestStickyCollection(t *testing.T) {
	h := newTestHeap(t, nil)
	self := attach(t, h, "main")

	frame := self.LocalFrame()
	old := alloc(t, h, self, nodeClass, 0)
	g := h.NewGlobalRef(old)
	self.PopLocalFrame(frame)
	h.CollectGarbage(collector.CauseExplicit, false)

	// The only path to young goes through an old object, so the sticky
	// collection has to find it through the card table.
	frame = self.LocalFrame()
	young := alloc(t, h, self, nodeClass, 0)
	unreachable := alloc(t, h, self, nodeClass, 0)
	self.Run(func() { h.SetRef(old, 0, young) })
	self.PopLocalFrame(frame)

	if got := h.collectGarbageInternal(collector.GcTypeSticky, collector.CauseExplicit, false); got != collector.GcTypeSticky {
		t.Fatalf("ran %s collection, want sticky", got)
	}
	if !h.IsLive(young) {
		t.Error("young object referenced from an old one was freed")
	}
	if h.IsLive(unreachable) {
		t.Error("unreachable young object survived")
	}
	if it := h.LastIteration(); it.Type != collector.GcTypeSticky || it.FreedObjects != 1 {
		t.Errorf("last iteration: %s collection freed %d objects, want sticky and 1", it.Type, it.FreedObjects)
	}

	// Old objects are only freed by full collections.
	h.DeleteGlobalRef(g)
	h.collectGarbageInternal(collector.GcTypeSticky, collector.CauseExplicit, false)
	if !h.IsLive(old) {
		t.Error("sticky collection freed an old object")
	}
	h.CollectGarbage(collector.CauseExplicit, false)
	if h.IsLive(old) || h.IsLive(young) {
		t.Error("full collection kept unreachable old objects")
	}
}

func TestReferences(t *testing.T) {
	h := newTestHeap(t, nil)
	self := attach(t, h, "main")
	q := reference.NewQueue()

	frame := self.LocalFrame()
	obj := alloc(t, h, self, nodeClass, 0)
	softObj := alloc(t, h, self, nodeClass, 0)
	weak := h.NewReference(reference.Weak, obj, nil)
	phantom := h.NewReference(reference.Phantom, obj, q)
	soft := h.NewReference(reference.Soft, softObj, nil)
	self.PopLocalFrame(frame)

	h.CollectGarbage(collector.CauseExplicit, false)
	if weak.Get() != nil {
		t.Error("weak reference to a dead object was not cleared")
	}
	if soft.Get() != softObj || !h.IsLive(softObj) {
		t.Error("soft referent was collected without clearSoft")
	}
	r, err := q.Remove(time.Second)
	if err != nil {
		t.Fatalf("phantom reference not enqueued: %v", err)
	}
	if r != phantom {
		t.Errorf("dequeued %v, want the phantom reference", r)
	}

	h.CollectGarbage(collector.CauseExplicit, false)
	if r := q.Poll(); r != nil {
		t.Error("phantom reference enqueued twice")
	}

	h.CollectGarbage(collector.CauseExplicit, true)
	if soft.Get() != nil || h.IsLive(softObj) {
		t.Error("soft reference survived a collection clearing soft references")
	}
}

func TestFinalizer(t *testing.T) {
	h := newTestHeap(t, nil)
	self := attach(t, h, "main")

	finalized := make(chan *mirror.Object, 1)
	c := &mirror.Class{Descriptor: "LFinalizable;", DataSize: 8, Finalize: func(_ mirror.Runner, o *mirror.Object) {
		finalized <- o
	}}
	frame := self.LocalFrame()
	obj := alloc(t, h, self, c, 0)
	weak := h.NewReference(reference.Weak, obj, nil)
	self.PopLocalFrame(frame)

	h.CollectGarbage(collector.CauseExplicit, false)
	if weak.Get() != nil {
		t.Error("weak reference to a finalizable object was not cleared")
	}
	if !h.IsLive(obj) {
		t.Fatal("object freed before its finalizer ran")
	}
	select {
	case o := <-finalized:
		if o != obj {
			t.Errorf("finalizer ran on %v, want %v", o, obj)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("finalizer did not run")
	}
	if !h.Finalizers().RunFinalization(time.Second) {
		t.Fatal("finalizer daemon did not go idle")
	}
	if obj.HasFlag(mirror.FlagFinalizable) {
		t.Error("object still finalizable after its finalizer ran")
	}
	h.CollectGarbage(collector.CauseExplicit, false)
	if h.IsLive(obj) {
		t.Error("finalized object survived the next collection")
	}
}

func TestFinalizerWatchdog(t *testing.T) {
	fatal := make(chan error, 1)
	h := newTestHeap(t, func(o *Options) {
		o.FinalizerTimeout = 50 * time.Millisecond
		o.OnFatal = func(err error) {
			select {
			case fatal <- err:
			default:
			}
		}
	})
	self := attach(t, h, "main")

	release := make(chan struct{})
	defer close(release)
	c := &mirror.Class{Descriptor: "LSlow;", Finalize: func(mirror.Runner, *mirror.Object) {
		<-release
	}}
	frame := self.LocalFrame()
	alloc(t, h, self, c, 0)
	self.PopLocalFrame(frame)
	h.CollectGarbage(collector.CauseExplicit, false)

	select {
	case err := <-fatal:
		var timeout *reference.FinalizerTimeoutError
		if !errors.As(err, &timeout) {
			t.Fatalf("OnFatal got %v, want a finalizer timeout", err)
		}
		if timeout.Class != "LSlow;" {
			t.Errorf("timed out finalizer of %s, want LSlow;", timeout.Class)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog did not report the stuck finalizer")
	}
}

// A finalizer that blocks must hold up neither native allocations nor
// collections, and must not keep the heap from closing.
func TestBlockedFinalizer(t *testing.T) {
	opts := DefaultOptions()
	opts.Capacity = 8 << 20
	opts.InitialSize = 1 << 20
	opts.NativeWatermark = 64 << 10
	opts.NativeBlockTimeout = 20 * time.Millisecond
	opts.FinalizerTimeout = time.Hour
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	opts.OnFatal = func(err error) {
		t.Errorf("fatal heap error: %v", err)
	}
	h, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	closed := false
	defer func() {
		if !closed {
			h.Close()
		}
	}()
	self, err := h.AttachThread("main")
	if err != nil {
		t.Fatal(err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	returned := make(chan any, 1)
	c := &mirror.Class{Descriptor: "LBlocked;", DataSize: 8, Finalize: func(r mirror.Runner, o *mirror.Object) {
		r.Run(func() { o.Data()[0] = 1 })
		close(entered)
		<-release
		defer func() { returned <- recover() }()
		r.Run(func() { o.Data()[0] = 2 })
	}}
	frame := self.LocalFrame()
	alloc(t, h, self, c, 0)
	self.PopLocalFrame(frame)
	h.CollectGarbage(collector.CauseExplicit, false)
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("finalizer did not run")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.RegisterNativeAllocation(1 << 20)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("RegisterNativeAllocation blocked behind the finalizer")
	}
	before := h.GCCount()
	h.CollectGarbage(collector.CauseExplicit, false)
	if h.GCCount() == before {
		t.Error("CollectGarbage did not collect")
	}
	if got := h.Finalizers().Pending(); got != 1 {
		t.Errorf("%d finalizers pending, want 1", got)
	}

	h.DetachThread(self)
	closeErr := make(chan error, 1)
	go func() { closeErr <- h.Close() }()
	select {
	case err := <-closeErr:
		closed = true
		if err != nil {
			t.Errorf("Close: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked behind the finalizer")
	}

	close(release)
	select {
	case p := <-returned:
		if p != reference.ErrDaemonStopped {
			t.Errorf("Run after Close panicked with %v, want %v", p, reference.ErrDaemonStopped)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("finalizer did not return")
	}
}

func TestIsLiveDuringCompaction(t *testing.T) {
	h := newTestHeap(t, nil)
	self := attach(t, h, "main")

	frame := self.LocalFrame()
	alloc(t, h, self, bytesClass, 64)
	obj := alloc(t, h, self, bytesClass, 64)
	g := h.NewGlobalRef(obj)
	defer h.DeleteGlobalRef(g)
	self.PopLocalFrame(frame)

	stop := make(chan struct{})
	var dead atomic.Int32
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if !h.IsLive(obj) {
				dead.Add(1)
			}
		}
	}()
	for range 5 {
		if res := h.PerformHomogeneousSpaceCompact(); res != HomogeneousSpaceCompactSuccess {
			t.Errorf("PerformHomogeneousSpaceCompact = %s", res)
		}
	}
	close(stop)
	wg.Wait()
	if n := dead.Load(); n != 0 {
		t.Errorf("a rooted object was reported dead %d times while moving", n)
	}
}

func TestHomogeneousSpaceCompact(t *testing.T) {
	h := newTestHeap(t, nil)
	self := attach(t, h, "main")

	frame := self.LocalFrame()
	garbage := alloc(t, h, self, bytesClass, 100)
	obj := alloc(t, h, self, bytesClass, 100)
	self.Run(func() { copy(obj.Data(), "hello") })
	g := h.NewGlobalRef(obj)
	self.PopLocalFrame(frame)
	hash := h.IdentityHashCode(obj)
	before := h.ObjectAddress(self, obj)

	if res := h.PerformHomogeneousSpaceCompact(); res != HomogeneousSpaceCompactSuccess {
		t.Fatalf("PerformHomogeneousSpaceCompact = %s", res)
	}
	after := h.ObjectAddress(self, obj)
	if after == before {
		t.Error("compaction did not move the object")
	}
	if got := string(obj.Data()[:5]); got != "hello" {
		t.Errorf("object data after compaction = %q", got)
	}
	if got := h.IdentityHashCode(obj); got != hash {
		t.Errorf("identity hash changed from %#x to %#x", hash, got)
	}
	if h.IsLive(garbage) {
		t.Error("compaction kept an unreachable object")
	}
	if count, _ := h.HomogeneousSpaceCompactCounts(); count != 1 {
		t.Errorf("%d compactions counted, want 1", count)
	}

	h.IncrementDisableMovingGC()
	if res := h.PerformHomogeneousSpaceCompact(); res != HomogeneousSpaceCompactErrorReject {
		t.Errorf("compaction with moving disabled = %s, want ErrorReject", res)
	}
	if h.ObjectAddress(self, obj) != after {
		t.Error("object moved while moving collections were disabled")
	}
	h.DecrementDisableMovingGC()
	if res := h.PerformHomogeneousSpaceCompact(); res != HomogeneousSpaceCompactSuccess {
		t.Errorf("compaction after re-enabling = %s", res)
	}
	if _, rejected := h.HomogeneousSpaceCompactCounts(); rejected != 1 {
		t.Errorf("%d rejected compactions counted, want 1", rejected)
	}
	h.DeleteGlobalRef(g)
}

func TestHomogeneousSpaceCompactRefused(t *testing.T) {
	tests := []struct {
		name string
		mod  func(o *Options)
		want HomogeneousSpaceCompactResult
	}{
		{"disabled", func(o *Options) { o.DisableHomogeneousSpaceCompaction = true }, HomogeneousSpaceCompactErrorUnsupported},
		{"copying", func(o *Options) { o.ForegroundCollector = collector.TypeSS }, HomogeneousSpaceCompactErrorReject},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHeap(t, tc.mod)
			if res := h.PerformHomogeneousSpaceCompact(); res != tc.want {
				t.Errorf("PerformHomogeneousSpaceCompact = %s, want %s", res, tc.want)
			}
		})
	}
}

func TestTransitionCollector(t *testing.T) {
	h := newTestHeap(t, nil)
	self := attach(t, h, "main")

	frame := self.LocalFrame()
	obj := alloc(t, h, self, nodeClass, 0)
	child := alloc(t, h, self, nodeClass, 0)
	self.Run(func() { h.SetRef(obj, 0, child) })
	h.NewGlobalRef(obj)
	self.PopLocalFrame(frame)
	before := h.ObjectAddress(self, obj)

	if !h.TransitionCollector(collector.TypeCMS) || h.GCCount() != 0 {
		t.Error("transition to the current collector was not a no-op")
	}
	if h.TransitionCollector(collector.TypeHomogeneousSpaceCompact) {
		t.Error("transitioned to a collector that is not a plan")
	}

	if !h.TransitionCollector(collector.TypeSS) {
		t.Fatal("transition to SS refused")
	}
	if h.CollectorType() != collector.TypeSS {
		t.Fatalf("collector is %s after transition to SS", h.CollectorType())
	}
	if h.ObjectAddress(self, obj) == before {
		t.Error("transition to SS did not move the object")
	}
	if !h.IsLive(obj) || !h.IsLive(child) || h.GetRef(obj, 0) != child {
		t.Error("live objects lost across the transition")
	}
	var ms MemStats
	h.ReadMemStats(&ms)
	if !strings.HasPrefix(ms.MainSpace, "bump pointer space") {
		t.Errorf("main space after transition to SS is %q", ms.MainSpace)
	}

	h.IncrementDisableMovingGC()
	if h.TransitionCollector(collector.TypeCMS) {
		t.Error("copying transition ran while moving collections were disabled")
	}
	if got := h.CollectGarbage(collector.CauseExplicit, false); got != collector.GcTypeNone {
		t.Errorf("SS collection ran while moving collections were disabled: %s", got)
	}
	h.DecrementDisableMovingGC()

	if !h.TransitionCollector(collector.TypeCMS) {
		t.Fatal("transition back to CMS refused")
	}
	count := h.GCCount()
	if !h.TransitionCollector(collector.TypeMS) || h.CollectorType() != collector.TypeMS {
		t.Error("transition from CMS to MS failed")
	}
	if h.GCCount() != count {
		t.Error("transition between mark-sweep plans ran a collection")
	}
	if err := h.Verify(); err != nil {
		t.Error(err)
	}
}

func TestProcessStateTransitions(t *testing.T) {
	h := newTestHeap(t, func(o *Options) {
		o.BackgroundCollector = collector.TypeSS
		o.BackgroundTransitionDelay = 10 * time.Millisecond
		o.HeapTrimDelay = 10 * time.Millisecond
	})
	h.UpdateProcessState(ProcessStateJankImperceptible)
	waitFor(t, "transition to the background collector", 5*time.Second, func() bool {
		return h.CollectorType() == collector.TypeSS
	})
	h.UpdateProcessState(ProcessStateJankPerceptible)
	waitFor(t, "transition to the foreground collector", 5*time.Second, func() bool {
		return h.CollectorType() == collector.TypeCMS
	})
}

func TestBackgroundCompaction(t *testing.T) {
	h := newTestHeap(t, func(o *Options) {
		o.BackgroundTransitionDelay = 10 * time.Millisecond
	})
	self := attach(t, h, "main")
	frame := self.LocalFrame()
	obj := alloc(t, h, self, nodeClass, 0)
	h.NewGlobalRef(obj)
	self.PopLocalFrame(frame)

	h.UpdateProcessState(ProcessStateJankImperceptible)
	waitFor(t, "background compaction", 5*time.Second, func() bool {
		count, _ := h.HomogeneousSpaceCompactCounts()
		return count > 0
	})
	if h.CollectorType() != collector.TypeCMS {
		t.Errorf("compaction changed the collector to %s", h.CollectorType())
	}
	if !h.IsLive(obj) {
		t.Error("background compaction lost a rooted object")
	}
}

func TestConcurrentCollectionWhileMutating(t *testing.T) {
	h := newTestHeap(t, nil)
	self := attach(t, h, "main")
	frame := self.LocalFrame()
	holder := alloc(t, h, self, nodeClass, 0)
	h.NewGlobalRef(holder)
	self.PopLocalFrame(frame)

	const n = 2000
	errc := make(chan error, 1)
	go func() {
		th, err := h.AttachThread("mutator")
		if err != nil {
			errc <- err
			return
		}
		defer h.DetachThread(th)
		for range n {
			th.Run(func() {
				frame := th.LocalFrame()
				defer th.PopLocalFrame(frame)
				node, err2 := h.AllocObject(th, nodeClass, 0)
				if err2 != nil {
					err = err2
					return
				}
				// Unlink the previous head from the holder before it is
				// reachable from the new node, like a list push racing the
				// marker.
				prev := h.GetRef(holder, 0)
				h.SetRef(holder, 0, node)
				h.SetRef(node, 0, prev)
			})
			if err != nil {
				errc <- err
				return
			}
		}
		errc <- nil
	}()

	var sticky bool
	for done := false; !done; {
		select {
		case err := <-errc:
			if err != nil {
				t.Fatal(err)
			}
			done = true
		default:
			gcType := collector.GcTypeFull
			if sticky {
				gcType = collector.GcTypeSticky
			}
			sticky = !sticky
			h.collectGarbageInternal(gcType, collector.CauseExplicit, false)
		}
	}
	h.CollectGarbage(collector.CauseExplicit, false)

	length := 0
	for o := h.GetRef(holder, 0); o != nil; o = h.GetRef(o, 0) {
		if !h.IsLive(o) {
			t.Fatalf("list node %d was freed", length)
		}
		length++
	}
	if length != n {
		t.Errorf("list has %d nodes, want %d", length, n)
	}
	if err := h.Verify(); err != nil {
		t.Error(err)
	}
}

func TestBackgroundCollectionOnAllocation(t *testing.T) {
	h := newTestHeap(t, nil)
	self := attach(t, h, "main")
	waitFor(t, "a background collection", 10*time.Second, func() bool {
		frame := self.LocalFrame()
		for range 64 {
			alloc(t, h, self, bytesClass, 1000)
		}
		self.PopLocalFrame(frame)
		return h.GCStats().ByCause[collector.CauseBackground] > 0
	})
}

func TestOutOfMemory(t *testing.T) {
	h := newTestHeap(t, func(o *Options) { o.Capacity = 4 << 20 })
	self := attach(t, h, "main")
	var err error
	for i := 0; err == nil; i++ {
		if i > 100 {
			t.Fatal("no OutOfMemoryError after allocating 100MB in a 4MB heap")
		}
		_, err = h.AllocObject(self, bytesClass, 1<<20)
	}
	var oom *OutOfMemoryError
	if !errors.As(err, &oom) || !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("got %v, want an OutOfMemoryError", err)
	}
	if want := bytesClass.ObjectSize(1 << 20); oom.Requested != want {
		t.Errorf("Requested = %d, want %d", oom.Requested, want)
	}
	if oom.GrowthLimit != 4<<20 {
		t.Errorf("GrowthLimit = %d, want %d", oom.GrowthLimit, 4<<20)
	}

	// Dropping the roots makes room again.
	self.PopLocalFrame(0)
	alloc(t, h, self, bytesClass, 1<<20)
}

func TestAllocHugeArray(t *testing.T) {
	h := newTestHeap(t, nil)
	self := attach(t, h, "main")
	longs := &mirror.Class{Descriptor: "[J", ComponentSize: 8}
	objects := &mirror.Class{Descriptor: "[Ljava/lang/Object;", RefArray: true}

	for _, tc := range []struct {
		class  *mirror.Class
		length int
	}{
		{longs, 1 << 61},
		{objects, 1 << 62},
		{longs, 8 << 20},
		{objects, 2 << 20},
	} {
		o, err := h.AllocObject(self, tc.class, tc.length)
		if o != nil || !errors.Is(err, ErrOutOfMemory) {
			t.Errorf("AllocObject(%s, %d) = %v, %v, want an OutOfMemoryError", tc.class, tc.length, o, err)
		}
	}
	// The heap is still usable.
	alloc(t, h, self, longs, 16)
	alloc(t, h, self, objects, 16)
}

func TestConcurrentOutOfMemory(t *testing.T) {
	h := newTestHeap(t, func(o *Options) { o.Capacity = 4 << 20 })

	const workers = 16
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			th, err := h.AttachThread(fmt.Sprintf("worker %d", i))
			if err != nil {
				errs <- err
				return
			}
			defer h.DetachThread(th)
			// Every object stays rooted until the thread detaches.
			for {
				if _, err := h.AllocObject(th, bytesClass, 1000); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Minute):
		t.Fatal("workers did not all run out of memory")
	}
	close(errs)
	for err := range errs {
		if !errors.Is(err, ErrOutOfMemory) {
			t.Errorf("worker failed with %v, want out of memory", err)
		}
	}

	h.CollectGarbage(collector.CauseExplicit, false)
	var ms MemStats
	h.ReadMemStats(&ms)
	if ms.Objects != 0 {
		t.Errorf("%d objects left after every worker detached", ms.Objects)
	}
	if err := h.Verify(); err != nil {
		t.Error(err)
	}
}

func TestMonitorsTrimmedAndSwept(t *testing.T) {
	h := newTestHeap(t, nil)
	self := attach(t, h, "main")

	frame := self.LocalFrame()
	obj := alloc(t, h, self, nodeClass, 0)
	h.NewGlobalRef(obj)
	garbage := alloc(t, h, self, nodeClass, 0)
	self.PopLocalFrame(frame)

	h.Monitors().Inflate(garbage)
	h.CollectGarbage(collector.CauseExplicit, false)
	if n := h.Monitors().Len(); n != 0 {
		t.Errorf("%d monitors left after their object died", n)
	}

	h.Monitors().Inflate(obj)
	if deflated, _ := h.Trim(); deflated != 1 {
		t.Errorf("Trim deflated %d monitors, want 1", deflated)
	}
	if n := h.Monitors().Len(); n != 0 {
		t.Errorf("%d monitors left after Trim", n)
	}
}

func TestVerifyFindsDanglingReference(t *testing.T) {
	h := newTestHeap(t, nil)
	self := attach(t, h, "main")
	frame := self.LocalFrame()
	holder := alloc(t, h, self, nodeClass, 0)
	h.NewGlobalRef(holder)
	self.PopLocalFrame(frame)

	stray := mirror.New(nodeClass, 0, 0x10, make([]byte, nodeClass.ObjectSize(0)))
	self.Run(func() { h.SetRef(holder, 1, stray) })
	defer self.Run(func() { h.SetRef(holder, 1, nil) })

	err := h.Verify()
	var verr *VerifyError
	if !errors.As(err, &verr) {
		t.Fatalf("Verify = %v, want a VerifyError", err)
	}
	if len(verr.Errs) != 1 {
		t.Fatalf("Verify found %d problems, want 1: %v", len(verr.Errs), verr.Errs)
	}
	var bad *BadReferenceError
	if !errors.As(err, &bad) {
		t.Fatalf("%v is not a BadReferenceError", verr.Errs[0])
	}
	if bad.Holder != holder.Addr() || bad.Slot != 1 || bad.Target != 0x10 {
		t.Errorf("bad reference %+v", bad)
	}
}

func TestRegisterClass(t *testing.T) {
	h := newTestHeap(t, nil)
	a := &mirror.Class{Descriptor: "LFoo;", Loader: "boot"}
	b := &mirror.Class{Descriptor: "LFoo;", Loader: "app"}
	if err := h.RegisterClass(a); err != nil {
		t.Fatal(err)
	}
	if err := h.RegisterClass(a); err != nil {
		t.Errorf("registering the same class again: %v", err)
	}
	var dup *DuplicateClassError
	if err := h.RegisterClass(b); !errors.As(err, &dup) {
		t.Fatalf("RegisterClass(duplicate) = %v", err)
	}
	if dup.PreviousLoader != "boot" || dup.Loader != "app" {
		t.Errorf("duplicate class error %+v", dup)
	}
	if h.FindClass("LFoo;") != a {
		t.Error("FindClass did not return the first class")
	}
	if classes := h.Classes(); len(classes) != 1 || classes[0] != a {
		t.Errorf("Classes = %v", classes)
	}
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name string
		mod  func(o *Options)
		want string
	}{
		{"initial size", func(o *Options) { o.InitialSize = 2 * o.Capacity }, "initial size"},
		{"growth limit", func(o *Options) { o.GrowthLimit = 2 * o.Capacity }, "growth limit"},
		{"foreground", func(o *Options) { o.ForegroundCollector = collector.TypeHomogeneousSpaceCompact }, "foreground collector"},
		{"utilization", func(o *Options) { o.TargetUtilization = 1.5 }, "target utilization"},
		{"free", func(o *Options) { o.MinFree = 2 * o.MaxFree }, "min free"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			opts := DefaultOptions()
			tc.mod(&opts)
			_, err := New(opts)
			if err == nil {
				t.Fatal("New accepted invalid options")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestConcurrentStart(t *testing.T) {
	tests := []struct {
		target, remaining, allocated uint64
		want                         uint64
	}{
		{1 << 20, 128 << 10, 0, 1<<20 - 128<<10},
		{1 << 20, 128 << 10, 1000 << 10, 1000 << 10},
		{100 << 10, 128 << 10, 0, 0},
		{1 << 20, 2 << 20, 0, 1<<20 - 128<<10},
	}
	for _, tc := range tests {
		if got := concurrentStart(tc.target, tc.remaining, tc.allocated); got != tc.want {
			t.Errorf("concurrentStart(%d, %d, %d) = %d, want %d", tc.target, tc.remaining, tc.allocated, got, tc.want)
		}
	}
}

func TestNativeWatermarkRequestsCollection(t *testing.T) {
	h := newTestHeap(t, func(o *Options) { o.NativeWatermark = 64 << 10 })
	if got := h.NativeWatermark(); got != 64<<10 {
		t.Fatalf("NativeWatermark = %d", got)
	}
	h.RegisterNativeAllocation(100 << 10)
	if h.IsGCRequestPending() || h.GCCount() != 0 {
		t.Error("collection requested below the watermark")
	}
	h.RegisterNativeAllocation(100 << 10)
	waitFor(t, "a native allocation collection", 5*time.Second, func() bool {
		return h.GCStats().ByCause[collector.CauseForNativeAlloc] > 0
	})
	if got := h.NativeBytes(); got != 200<<10 {
		t.Errorf("NativeBytes = %d, want %d", got, 200<<10)
	}
	h.RegisterNativeFree(300 << 10)
	if got := h.NativeBytes(); got != 0 {
		t.Errorf("NativeBytes after freeing everything = %d", got)
	}
}

func TestNativeAllocationBlocks(t *testing.T) {
	h := newTestHeap(t, func(o *Options) {
		o.ForegroundCollector = collector.TypeMS
		o.NativeWatermark = 64 << 10
	})
	h.RegisterNativeAllocation(300 << 10)
	if h.GCCount() != 1 {
		t.Errorf("GCCount after a blocking native allocation = %d, want 1", h.GCCount())
	}
}

func TestDefaultNativeWatermark(t *testing.T) {
	h := newTestHeap(t, nil)
	if got, want := h.NativeWatermark(), uint64(8<<20)/32; got != want {
		t.Errorf("NativeWatermark = %d, want %d", got, want)
	}
}

func TestNativeAllocationRegistry(t *testing.T) {
	h := newTestHeap(t, nil)
	self := attach(t, h, "main")

	var freed atomic.Int64
	chunk := h.NativeWatermark()
	registry := h.NewNativeAllocationRegistry(chunk, func(ptr uintptr) { freed.Add(1) })
	start := h.NativeBytes()

	const chunks = 256
	for i := range chunks {
		frame := self.LocalFrame()
		owner := alloc(t, h, self, nodeClass, 0)
		registry.RegisterNativeAllocation(owner, uintptr(i+1))
		self.PopLocalFrame(frame)
	}
	waitFor(t, "native allocations to be freed", 2*time.Second, func() bool {
		if h.NativeBytes() == start {
			return true
		}
		h.CollectGarbage(collector.CauseExplicit, false)
		return false
	})
	if got := freed.Load(); got != chunks {
		t.Errorf("%d native allocations freed, want %d", got, chunks)
	}
}

func TestCleanerRunsOnce(t *testing.T) {
	h := newTestHeap(t, nil)
	self := attach(t, h, "main")
	var freed atomic.Int64
	registry := h.NewNativeAllocationRegistry(1024, func(ptr uintptr) { freed.Add(1) })

	frame := self.LocalFrame()
	owner := alloc(t, h, self, nodeClass, 0)
	cleaner := registry.RegisterNativeAllocation(owner, 1)
	self.PopLocalFrame(frame)
	if h.NativeBytes() != 1024 {
		t.Fatalf("NativeBytes = %d, want 1024", h.NativeBytes())
	}
	cleaner.Clean()
	cleaner.Clean()
	h.CollectGarbage(collector.CauseExplicit, false)
	time.Sleep(20 * time.Millisecond)
	if got := freed.Load(); got != 1 {
		t.Errorf("native allocation freed %d times, want once", got)
	}
	if h.NativeBytes() != 0 {
		t.Errorf("NativeBytes = %d after Clean", h.NativeBytes())
	}
}

func TestCloseTwice(t *testing.T) {
	opts := DefaultOptions()
	opts.Capacity = 1 << 20
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	h, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); !errors.Is(err, ErrHeapClosed) {
		t.Errorf("second Close = %v, want ErrHeapClosed", err)
	}
	if _, err := h.AttachThread("late"); !errors.Is(err, ErrHeapClosed) {
		t.Errorf("AttachThread after Close = %v", err)
	}
}
