package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andypeng2015/heapcore/config"
	"github.com/andypeng2015/heapcore/debug"
	"github.com/andypeng2015/heapcore/gc"
	"github.com/andypeng2015/heapcore/gc/collector"
	"github.com/andypeng2015/heapcore/gc/mirror"
	"github.com/andypeng2015/heapcore/gc/reference"
	"github.com/andypeng2015/heapcore/gc/task"
	"github.com/andypeng2015/heapcore/hprof"
	"github.com/inhies/go-bytesize"
)

var (
	nodeClass  = &mirror.Class{Descriptor: "LNode;", NumRefs: 2, DataSize: 16}
	bytesClass = &mirror.Class{Descriptor: "[B", ComponentSize: 1}
	listClass  = &mirror.Class{Descriptor: "[Ljava/lang/Object;", RefArray: true}
)

// params are the knobs of the scenarios, set from the command line.
type params struct {
	threads int
	lists   int
	chunks  int
	sleep   time.Duration
	depth   int
	output  string
}

type env struct {
	h      *gc.Heap
	self   *task.Thread
	logger *slog.Logger
	out    io.Writer
	params
}

type scenario struct {
	name string
	help string
	run  func(e *env) error
}

var scenarios = []*scenario{
	{"native", "register native allocations far past the watermark", runNative},
	{"oom", "run threads until every one of them is out of memory", runOutOfMemory},
	{"compact", "compact the heap and check that objects moved intact", runCompact},
	{"transition", "send the process to the background and back", runTransition},
	{"dump", "write a heap dump and verify it", runDump},
}

func findScenario(name string) *scenario {
	for _, s := range scenarios {
		if s.name == name {
			return s
		}
	}
	return nil
}

// newHeap creates a heap from opts with the scenario classes registered.
func newHeap(opts config.Options, logger *slog.Logger) (*gc.Heap, error) {
	heapOpts, err := opts.HeapOptions()
	if err != nil {
		return nil, err
	}
	heapOpts.Logger = logger
	h, err := gc.New(heapOpts)
	if err != nil {
		return nil, err
	}
	for _, c := range []*mirror.Class{nodeClass, bytesClass, listClass} {
		if err := h.RegisterClass(c); err != nil {
			h.Close()
			return nil, err
		}
	}
	return h, nil
}

// runScenario runs s on a main thread attached to h and verifies the heap
// afterwards.
func runScenario(s *scenario, h *gc.Heap, p params, out io.Writer) error {
	self, err := h.AttachThread("main")
	if err != nil {
		return err
	}
	e := &env{h: h, self: self, logger: h.Logger(), out: out, params: p}
	err = s.run(e)
	h.DetachThread(self)
	if err != nil {
		return fmt.Errorf("%s: %w", s.name, err)
	}
	return h.Verify()
}

// buildTree allocates a complete binary tree of nodes. Every node is left on
// the local roots of self.
func buildTree(h *gc.Heap, self *task.Thread, depth int) (*mirror.Object, error) {
	node, err := h.AllocObject(self, nodeClass, 0)
	if err != nil || depth <= 1 {
		return node, err
	}
	for i := range 2 {
		child, err := buildTree(h, self, depth-1)
		if err != nil {
			return nil, err
		}
		self.Run(func() { h.SetRef(node, i, child) })
	}
	return node, nil
}

// countTree counts the nodes reachable from root.
func countTree(h *gc.Heap, self *task.Thread, root *mirror.Object) int {
	n := 0
	self.Run(func() {
		stack := []*mirror.Object{root}
		for len(stack) > 0 {
			o := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			n++
			for i := range 2 {
				if c := h.GetRef(o, i); c != nil {
					stack = append(stack, c)
				}
			}
		}
	})
	return n
}

// newTree builds a tree of e.depth levels held by a global reference.
func (e *env) newTree() (*mirror.Object, *gc.GlobalRef, error) {
	frame := e.self.LocalFrame()
	defer e.self.PopLocalFrame(frame)
	root, err := buildTree(e.h, e.self, e.depth)
	if err != nil {
		return nil, nil, err
	}
	return root, e.h.NewGlobalRef(root), nil
}

func (e *env) checkTree(root *mirror.Object) error {
	if got, want := countTree(e.h, e.self, root), 1<<e.depth-1; got != want {
		return fmt.Errorf("tree holds %d nodes, want %d", got, want)
	}
	return nil
}

// waitFor polls cond until it holds or timeout passes.
func waitFor(what string, timeout time.Duration, cond func() bool) error {
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

// runNative registers chunks of a thirty-second of the heap limit, each
// owned by an object that dies right away. The collections requested by the
// native watermark must deliver a phantom reference in time, and the
// cleaners must bring the native ledger back to where it started.
func runNative(e *env) error {
	h, self := e.h, e.self
	chunk := h.GrowthLimit() / 32
	var freed atomic.Int64
	registry := h.NewNativeAllocationRegistry(chunk, func(uintptr) { freed.Add(1) })
	start := h.NativeBytes()

	queue := reference.NewQueue()
	frame := self.LocalFrame()
	sentinel, err := h.AllocObject(self, nodeClass, 0)
	if err != nil {
		return err
	}
	ref := h.NewReference(reference.Phantom, sentinel, queue)
	self.PopLocalFrame(frame)

	for i := range e.chunks {
		frame := self.LocalFrame()
		owner, err := h.AllocObject(self, nodeClass, 0)
		if err != nil {
			return err
		}
		registry.RegisterNativeAllocation(owner, uintptr(i+1))
		self.PopLocalFrame(frame)
		time.Sleep(e.sleep)
	}

	r, err := queue.Remove(2 * time.Second)
	if err != nil {
		return fmt.Errorf("phantom reference not enqueued: %w", err)
	}
	if r != ref {
		return errors.New("unexpected reference enqueued")
	}
	err = waitFor("native allocations to be freed", 10*time.Second, func() bool {
		if h.NativeBytes() == start {
			return true
		}
		h.CollectGarbage(collector.CauseExplicit, false)
		return false
	})
	if err != nil {
		return err
	}
	if got := freed.Load(); got != int64(e.chunks) {
		return fmt.Errorf("%d native allocations freed, want %d", got, e.chunks)
	}
	fmt.Fprintf(e.out, "native: %d chunks of %s, %d collections for native allocations\n",
		e.chunks, bytesize.New(float64(chunk)), h.GCStats().ByCause[collector.CauseForNativeAlloc])
	return nil
}

// runOutOfMemory starts e.threads threads that each keep allocating growing
// lists until they run out of memory or have allocated e.lists of them. The
// threads wait for each other before letting go of their lists.
func runOutOfMemory(e *env) error {
	h := e.h
	var (
		arrived sync.WaitGroup
		done    sync.WaitGroup
		ooms    atomic.Int64
		errs    = make(chan error, e.threads)
	)
	arrived.Add(e.threads)
	done.Add(e.threads)
	for i := range e.threads {
		go func() {
			defer done.Done()
			th, err := h.AttachThread(fmt.Sprintf("worker %d", i))
			if err != nil {
				arrived.Done()
				errs <- err
				return
			}
			defer h.DetachThread(th)
			err = fillLists(h, th, e.lists)
			arrived.Done()
			switch {
			case errors.Is(err, gc.ErrOutOfMemory):
				e.logger.Debug("thread out of memory", "thread", th.Name(), "err", err)
				ooms.Add(1)
			case err != nil:
				errs <- err
			}
			arrived.Wait()
		}()
	}

	finished := make(chan struct{})
	go func() {
		done.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Minute):
		return errors.New("threads did not finish, deadlock?")
	}
	close(errs)
	var all []error
	for err := range errs {
		all = append(all, err)
	}
	if err := errors.Join(all...); err != nil {
		return err
	}

	released := debug.FreeOSMemory(h)
	var ms gc.MemStats
	h.ReadMemStats(&ms)
	if ms.Objects != 0 {
		return fmt.Errorf("%d objects left after every thread detached", ms.Objects)
	}
	fmt.Fprintf(e.out, "oom: %d of %d threads ran out of memory, %s released\n",
		ooms.Load(), e.threads, bytesize.New(float64(released)))
	return nil
}

// fillLists allocates lists of growing length, each filled with small byte
// arrays, and keeps all of them reachable from one holder list.
func fillLists(h *gc.Heap, th *task.Thread, n int) error {
	holder, err := h.AllocObject(th, listClass, n)
	if err != nil {
		return err
	}
	for i := range n {
		frame := th.LocalFrame()
		list, err := h.AllocObject(th, listClass, i+1)
		if err != nil {
			return err
		}
		for j := 0; j <= i; j++ {
			elem, err := h.AllocObject(th, bytesClass, 64)
			if err != nil {
				return err
			}
			th.Run(func() { h.SetRef(list, j, elem) })
		}
		th.Run(func() { h.SetRef(holder, i, list) })
		th.PopLocalFrame(frame)
	}
	return nil
}

// runCompact compacts the main space and checks that a live object moved
// with its contents and identity hash intact, and that disabling moving
// collections rejects the compaction.
func runCompact(e *env) error {
	h, self := e.h, e.self
	if !h.SupportsHomogeneousSpaceCompaction() {
		return errors.New("homogeneous space compaction is not supported by this heap")
	}
	root, g, err := e.newTree()
	if err != nil {
		return err
	}
	defer h.DeleteGlobalRef(g)
	// Garbage between live objects, so compaction has holes to close.
	frame := self.LocalFrame()
	for range 1 << e.depth {
		if _, err := h.AllocObject(self, bytesClass, 200); err != nil {
			return err
		}
	}
	self.PopLocalFrame(frame)

	hash := h.IdentityHashCode(root)
	h.Monitors().Inflate(root)
	before := h.ObjectAddress(self, root)
	if res := h.PerformHomogeneousSpaceCompact(); res != gc.HomogeneousSpaceCompactSuccess {
		return fmt.Errorf("compaction failed: %s", res)
	}
	after := h.ObjectAddress(self, root)
	if after == before {
		return fmt.Errorf("compaction left the root at %#x", before)
	}
	if got := h.IdentityHashCode(root); got != hash {
		return fmt.Errorf("identity hash changed from %#x to %#x", hash, got)
	}
	if err := e.checkTree(root); err != nil {
		return err
	}

	h.IncrementDisableMovingGC()
	res := h.PerformHomogeneousSpaceCompact()
	moved := h.ObjectAddress(self, root) != after
	h.DecrementDisableMovingGC()
	if res != gc.HomogeneousSpaceCompactErrorReject || moved {
		return fmt.Errorf("compaction with moving collections disabled: %s", res)
	}
	if res := h.PerformHomogeneousSpaceCompact(); res != gc.HomogeneousSpaceCompactSuccess {
		return fmt.Errorf("compaction after enabling moving collections: %s", res)
	}
	deflated, _ := h.Trim()
	if got := h.IdentityHashCode(root); got != hash {
		return fmt.Errorf("identity hash changed from %#x to %#x after deflating", hash, got)
	}
	fmt.Fprintf(e.out, "compact: root moved from %#x to %#x, %d monitors deflated\n", before, after, deflated)
	return nil
}

// runTransition moves the process to the background, waits for the
// background collector (or a compaction) and comes back to the foreground.
func runTransition(e *env) error {
	h, self := e.h, e.self
	root, g, err := e.newTree()
	if err != nil {
		return err
	}
	defer h.DeleteGlobalRef(g)

	foreground := h.CollectorType()
	if !h.TransitionCollector(foreground) {
		return fmt.Errorf("transition to the current collector %s refused", foreground)
	}
	before := h.ObjectAddress(self, root)
	hscs, _ := h.HomogeneousSpaceCompactCounts()

	h.UpdateProcessState(gc.ProcessStateJankImperceptible)
	err = waitFor("the background collector", time.Minute, func() bool {
		n, _ := h.HomogeneousSpaceCompactCounts()
		return n > hscs || h.CollectorType() != foreground
	})
	if err != nil {
		return err
	}
	background := h.CollectorType()
	moved := h.ObjectAddress(self, root) != before
	if err := e.checkTree(root); err != nil {
		return err
	}

	h.UpdateProcessState(gc.ProcessStateJankPerceptible)
	err = waitFor("the foreground collector", time.Minute, func() bool {
		return h.CollectorType() == foreground
	})
	if err != nil {
		return err
	}
	if err := e.checkTree(root); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "transition: %s -> %s -> %s, root moved: %t\n", foreground, background, foreground, moved)
	return nil
}

// runDump fills the heap with a tree, a list of byte arrays and a large
// array, dumps it to e.output and reads the dump back.
func runDump(e *env) error {
	h, self := e.h, e.self
	_, g, err := e.newTree()
	if err != nil {
		return err
	}
	defer h.DeleteGlobalRef(g)

	frame := self.LocalFrame()
	list, err := h.AllocObject(self, listClass, 16)
	if err != nil {
		return err
	}
	for i := range 16 {
		b, err := h.AllocObject(self, bytesClass, 32*(i+1))
		if err != nil {
			return err
		}
		self.Run(func() {
			copy(b.Data(), fmt.Sprintf("element %d", i))
			h.SetRef(list, i, b)
		})
	}
	// Large object space.
	if _, err := h.AllocObject(self, bytesClass, 64<<10); err != nil {
		return err
	}
	lg := h.NewGlobalRef(list)
	defer h.DeleteGlobalRef(lg)
	st, err := hprof.WriteFile(h, e.output)
	self.PopLocalFrame(frame)
	if err != nil {
		return err
	}

	vst, err := verifyFile(e.output)
	if err != nil {
		return err
	}
	if vst != st {
		return fmt.Errorf("read back %+v from the dump, wrote %+v", vst, st)
	}
	path, _ := filepath.Abs(e.output)
	fmt.Fprintf(e.out, "dump: %s, %d objects in %d classes, %s\n", path, st.Objects(), st.Classes, bytesize.New(float64(st.Bytes)))
	return nil
}
