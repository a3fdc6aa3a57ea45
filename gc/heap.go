// Package gc implements the managed heap: object allocation, native
// allocation accounting, reference processing and the collectors (concurrent
// and stop-the-world mark-sweep, semi-space copying, homogeneous space
// compaction and the transitions between them).
//
// Mutators attach to a Heap with AttachThread and may only touch heap objects
// inside Thread.Run. Calls that run a collection and wait for it
// (CollectGarbage, RegisterNativeAllocation, TransitionCollector,
// PerformHomogeneousSpaceCompact, Trim, Verify) must be made outside of Run,
// since a collection suspends every thread inside Run. AllocObject can be
// called both ways.
package gc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andypeng2015/heapcore/gc/accounting"
	"github.com/andypeng2015/heapcore/gc/collector"
	"github.com/andypeng2015/heapcore/gc/mirror"
	"github.com/andypeng2015/heapcore/gc/monitor"
	"github.com/andypeng2015/heapcore/gc/reference"
	"github.com/andypeng2015/heapcore/gc/space"
	"github.com/andypeng2015/heapcore/gc/task"
)

// ProcessState tells the heap whether pauses are noticed by the user.
type ProcessState uint8

const (
	// ProcessStateJankPerceptible is a foreground process.
	ProcessStateJankPerceptible ProcessState = iota
	// ProcessStateJankImperceptible is a background process, where the heap
	// prefers compactness over short pauses.
	ProcessStateJankImperceptible
)

func (s ProcessState) String() string {
	switch s {
	case ProcessStateJankPerceptible:
		return "foreground"
	case ProcessStateJankImperceptible:
		return "background"
	default:
		return "!err"
	}
}

// Heap is the state of one managed heap.
//
// The heap reserves three regions of Capacity bytes each: two for the main
// space and its backup (free-list spaces for the mark-sweep collectors, bump
// pointer semi-spaces for the copying collector) and one for large objects.
// The backup region is protected while idle.
type Heap struct {
	opts   Options
	logger *slog.Logger

	threads *task.ThreadList
	tasks   *task.Processor
	daemons []*task.Thread
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	reservation *space.MemMap

	spacesMu sync.RWMutex
	main     space.Space
	backup   space.Space
	los      *space.FreeListSpace

	cards *accounting.CardTable

	// objMu guards the object index, the allocation stack and the bitmaps
	// pointers. Allocations hold it while claiming a block, so a concurrent
	// sweep never sees a block without its mark.
	objMu      sync.Mutex
	objects    map[uintptr]*mirror.Object
	allocStack []*mirror.Object // allocated since the last collection
	markBitmap *accounting.Bitmap
	liveBitmap *accounting.Bitmap
	marking    bool // allocate black

	// gcMu guards the collector state. A collection itself runs without it,
	// with running set.
	gcMu                sync.Mutex
	gcDone              chan struct{} // closed and replaced when a collection ends
	running             collector.Type
	runningMoves        bool
	nextGcType          collector.GcType
	lastGcType          collector.GcType
	gcCount             uint64
	disableMovingGc     int
	shuttingDown        bool
	processState        ProcessState
	foreground          collector.Type
	background          collector.Type
	transition          *task.Task
	transitionTarget    collector.Type
	trim                *task.Task
	lastHSCByOOM        time.Time
	hscCount            uint64
	hscRejected         uint64
	lastIteration       collector.Iteration
	nativeBlockingGCs   uint64
	nativeBlockingInUse bool
	nativeBlockingDone  chan struct{}

	current atomic.Uint32 // collector.Type

	cumulative collector.Cumulative

	bytesAllocated        atomic.Uint64
	targetFootprint       atomic.Uint64
	concurrentStartBytes  atomic.Uint64
	growthLimit           atomic.Uint64
	totalBytesAllocated   atomic.Uint64
	totalObjectsAllocated atomic.Uint64
	totalBytesFreed       atomic.Uint64
	totalObjectsFreed     atomic.Uint64

	native           accounting.NativeLedger
	gcRequestPending atomic.Bool

	refs         *reference.Processor
	finalizers   *reference.FinalizerDaemon
	cleanerQueue *reference.Queue
	monitors     *monitor.Table

	globalsMu sync.Mutex
	globals   map[*GlobalRef]struct{}

	classMu sync.Mutex
	classes map[string]*mirror.Class
}

// New reserves the heap memory and starts the heap daemons.
func New(opts Options) (*Heap, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	page := space.PageSize()
	capacity := mirror.AlignUp(opts.Capacity, page)
	reservation, err := space.MapAnonymous("heap", 3*capacity)
	if err != nil {
		return nil, fmt.Errorf("gc: reserve heap: %w", err)
	}

	h := &Heap{
		opts:               opts,
		logger:             opts.Logger,
		threads:            task.NewThreadList(),
		tasks:              task.NewProcessor(),
		reservation:        reservation,
		objects:            make(map[uintptr]*mirror.Object),
		gcDone:             make(chan struct{}),
		nextGcType:         collector.GcTypeFull,
		foreground:         opts.ForegroundCollector,
		background:         opts.BackgroundCollector,
		nativeBlockingDone: make(chan struct{}),
		refs:               reference.NewProcessor(),
		cleanerQueue:       reference.NewQueue(),
		monitors:           monitor.NewTable(opts.MaxSpinsBeforeThinLockInflation),
		globals:            make(map[*GlobalRef]struct{}),
		classes:            make(map[string]*mirror.Class),
	}
	h.current.Store(uint32(opts.ForegroundCollector))
	h.growthLimit.Store(uint64(opts.GrowthLimit))
	h.finalizers = reference.NewFinalizerDaemon(opts.FinalizerTimeout, opts.OnFatal, h.logger)

	begin, end := reservation.Begin(), reservation.End()
	h.markBitmap = accounting.NewBitmap("mark bitmap", begin, end, mirror.ObjectAlignment)
	h.liveBitmap = accounting.NewBitmap("live bitmap", begin, end, mirror.ObjectAlignment)
	h.cards = accounting.NewCardTable(begin, end)

	plan := opts.ForegroundCollector
	h.main = newRegionSpace(reservation.Slice("region 0", 0, capacity), plan)
	h.backup = newRegionSpace(reservation.Slice("region 1", capacity, capacity), plan)
	if err := h.backup.MemMap().Protect(space.ProtNone); err != nil {
		reservation.Unmap()
		return nil, fmt.Errorf("gc: protect backup space: %w", err)
	}
	h.los = space.NewLargeObjectSpace("large object space", reservation.Slice("large objects", 2*capacity, capacity))

	h.targetFootprint.Store(uint64(opts.InitialSize))
	if plan.IsConcurrent() {
		h.concurrentStartBytes.Store(concurrentStart(uint64(opts.InitialSize), minConcurrentRemainingBytes, 0))
	} else {
		h.concurrentStartBytes.Store(^uint64(0))
	}

	if err := h.startDaemons(); err != nil {
		h.stopDaemons()
		reservation.Unmap()
		return nil, err
	}
	h.logger.Debug("heap created",
		"capacity", byteSize(uint64(capacity)),
		"initial", byteSize(uint64(opts.InitialSize)),
		"collector", plan,
		"background", opts.BackgroundCollector)
	return h, nil
}

// newRegionSpace creates the space type the plan allocates in over mem.
func newRegionSpace(mem *space.MemMap, plan collector.Type) space.Space {
	if plan == collector.TypeSS {
		return space.NewBumpPointerSpace("bump pointer space ("+mem.Name()+")", mem)
	}
	return space.NewFreeListSpace("main space ("+mem.Name()+")", mem, mirror.ObjectAlignment, true)
}

// Close stops the daemons and returns the heap memory. Attached threads must
// not use the heap afterwards.
func (h *Heap) Close() error {
	h.gcMu.Lock()
	if h.shuttingDown {
		h.gcMu.Unlock()
		return ErrHeapClosed
	}
	h.shuttingDown = true
	h.waitForGcToCompleteLocked()
	h.gcMu.Unlock()

	h.stopDaemons()
	h.logger.Debug("heap closed", "gcs", h.cumulative.Snapshot().Count)
	return h.reservation.Unmap()
}

func (h *Heap) isShuttingDown() bool {
	h.gcMu.Lock()
	defer h.gcMu.Unlock()
	return h.shuttingDown
}

// AttachThread registers a new mutator thread.
func (h *Heap) AttachThread(name string) (*task.Thread, error) {
	if h.isShuttingDown() {
		return nil, ErrHeapClosed
	}
	return h.threads.Attach(name)
}

// DetachThread unregisters t. Its local roots are dropped.
func (h *Heap) DetachThread(t *task.Thread) {
	h.threads.Detach(t)
}

// Threads returns the thread list of the heap.
func (h *Heap) Threads() *task.ThreadList {
	return h.threads
}

// Monitors returns the monitor table of the heap.
func (h *Heap) Monitors() *monitor.Table {
	return h.monitors
}

// References returns the reference processor of the heap.
func (h *Heap) References() *reference.Processor {
	return h.refs
}

// Finalizers returns the finalizer daemon.
func (h *Heap) Finalizers() *reference.FinalizerDaemon {
	return h.finalizers
}

// Logger returns the logger of the heap.
func (h *Heap) Logger() *slog.Logger {
	return h.logger
}

func (h *Heap) collectorType() collector.Type {
	return collector.Type(h.current.Load())
}

// CollectorType returns the current collector plan.
func (h *Heap) CollectorType() collector.Type {
	return h.collectorType()
}

// spaces returns the main and backup spaces.
func (h *Heap) spaces() (main, backup space.Space) {
	h.spacesMu.RLock()
	defer h.spacesMu.RUnlock()
	return h.main, h.backup
}

func (h *Heap) mainSpace() space.Space {
	h.spacesMu.RLock()
	defer h.spacesMu.RUnlock()
	return h.main
}

// setSpaces installs new main and backup spaces after an evacuation and
// protects the backup. Mutators must be suspended.
func (h *Heap) setSpaces(main, backup space.Space) {
	h.spacesMu.Lock()
	h.main, h.backup = main, backup
	h.spacesMu.Unlock()
	if err := backup.MemMap().Protect(space.ProtNone); err != nil {
		h.logger.Warn("protect backup space", "space", backup.Name(), "err", err)
	}
}

// spaceOf returns the space holding addr, or nil.
func (h *Heap) spaceOf(addr uintptr) space.Space {
	main, backup := h.spaces()
	switch {
	case main.Contains(addr):
		return main
	case h.los.Contains(addr):
		return h.los
	case backup.Contains(addr):
		return backup
	}
	return nil
}

// NewReference creates a reference of the given kind to referent and
// registers it for processing. The reference is delivered to q, which may be
// nil, once the referent is found unreachable.
func (h *Heap) NewReference(kind reference.Kind, referent *mirror.Object, q *reference.Queue) *reference.Reference {
	r := reference.New(kind, referent, q)
	h.refs.Register(r)
	return r
}

// IdentityHashCode returns the stable identity hash code of o.
func (h *Heap) IdentityHashCode(o *mirror.Object) uint32 {
	return h.monitors.IdentityHashCode(o)
}

// ObjectAddress returns the current address of o. It changes when a moving
// collection relocates the object.
func (h *Heap) ObjectAddress(self *task.Thread, o *mirror.Object) uintptr {
	var addr uintptr
	self.Run(func() {
		addr = o.Addr()
	})
	return addr
}

// IsLive reports whether o is still allocated in the heap. It must not be
// called from inside Thread.Run.
func (h *Heap) IsLive(o *mirror.Object) bool {
	var live bool
	h.threads.Shared(func() {
		h.objMu.Lock()
		defer h.objMu.Unlock()
		live = h.objects[o.Addr()] == o
	})
	return live
}

// SetRef stores v into reference slot i of holder and dirties holder's card.
// The calling thread must be runnable.
func (h *Heap) SetRef(holder *mirror.Object, i int, v *mirror.Object) {
	holder.RawSetRef(i, v)
	h.cards.MarkCard(holder.Addr())
}

// GetRef loads reference slot i of holder.
func (h *Heap) GetRef(holder *mirror.Object, i int) *mirror.Object {
	return holder.Ref(i)
}

// VisitObjects calls fn for every allocated object, in address order, with
// every mutator suspended. fn must not allocate.
func (h *Heap) VisitObjects(fn func(o *mirror.Object)) {
	h.threads.SuspendAll()
	defer h.threads.ResumeAll()
	h.objMu.Lock()
	objects := h.sortedObjectsLocked()
	h.objMu.Unlock()
	for _, o := range objects {
		fn(o)
	}
}
