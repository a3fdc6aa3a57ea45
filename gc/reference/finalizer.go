package reference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andypeng2015/heapcore/gc/mirror"
	"github.com/andypeng2015/heapcore/gc/task"
)

// FinalizerTimeoutError reports a finalizer that did not return in time.
type FinalizerTimeoutError struct {
	Class   string
	Timeout time.Duration
}

func (e *FinalizerTimeoutError) Error() string {
	return fmt.Sprintf("reference: %s.finalize() timed out after %v", e.Class, e.Timeout)
}

// ErrDaemonStopped is the panic value of a Run by a finalizer that was still
// running when its daemon was stopped.
var ErrDaemonStopped = errors.New("reference: finalizer daemon stopped")

// running is the finalizer being run, as seen by the watchdog.
type running struct {
	class string
	done  chan struct{}
}

// States of the run loop, as seen by Stop.
const (
	loopIdle int32 = iota
	loopInFinalizer
	loopAbandoned
)

// finalizerThread is the Runner finalizers are called with. Once the daemon
// has been stopped, Run panics with ErrDaemonStopped instead of touching the
// heap.
type finalizerThread struct {
	d     *FinalizerDaemon
	t     *task.Thread
	depth int
}

func (f *finalizerThread) Run(fn func()) {
	if f.depth > 0 {
		fn()
		return
	}
	f.d.closeMu.RLock()
	defer f.d.closeMu.RUnlock()
	if f.d.closed {
		panic(ErrDaemonStopped)
	}
	f.depth++
	defer func() { f.depth-- }()
	f.t.Run(fn)
}

// FinalizerDaemon runs finalizers one at a time, in the order their objects
// were found unreachable. A watchdog reports every finalizer that runs for
// longer than the timeout as fatal.
type FinalizerDaemon struct {
	queue   *Queue
	timeout time.Duration
	onFatal func(error)
	logger  *slog.Logger

	mu      sync.Mutex
	current *Reference
	busy    bool
	idle    chan struct{} // closed and replaced whenever the daemon goes idle

	started   chan running
	finalized atomic.Uint64
	loop      atomic.Int32
	runDone   chan struct{}
	stop      context.CancelFunc
	ctx       context.Context
	wg        sync.WaitGroup

	closeMu sync.RWMutex
	closed  bool
}

// NewFinalizerDaemon returns a daemon that reports finalizers running longer
// than timeout to onFatal.
func NewFinalizerDaemon(timeout time.Duration, onFatal func(error), logger *slog.Logger) *FinalizerDaemon {
	ctx, cancel := context.WithCancel(context.Background())
	return &FinalizerDaemon{
		queue:   NewQueue(),
		timeout: timeout,
		onFatal: onFatal,
		logger:  logger,
		idle:    make(chan struct{}),
		started: make(chan running),
		runDone: make(chan struct{}),
		ctx:     ctx,
		stop:    cancel,
	}
}

// Queue returns the queue finalizer references are delivered to.
func (d *FinalizerDaemon) Queue() *Queue {
	return d.queue
}

// Finalized returns how many finalizers have run.
func (d *FinalizerDaemon) Finalized() uint64 {
	return d.finalized.Load()
}

// Start runs the daemon and its watchdog in the background. The daemon
// thread self is used to hold objects being finalized as roots.
func (d *FinalizerDaemon) Start(self *task.Thread) {
	d.wg.Add(1)
	go func() {
		defer close(d.runDone)
		d.run(self)
	}()
	go func() {
		defer d.wg.Done()
		d.watchdog()
	}()
}

// Stop ends the daemon and waits for it to exit. A finalizer that is still
// running is not waited for: it is abandoned, any Run it makes from then on
// panics with ErrDaemonStopped, and Stop returns false. The daemon thread
// is no longer used once Stop returns.
func (d *FinalizerDaemon) Stop() bool {
	d.stop()
	d.wg.Wait()
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-d.runDone:
			return true
		case <-tick.C:
		}
		if d.loop.CompareAndSwap(loopInFinalizer, loopAbandoned) {
			d.closeMu.Lock()
			d.closed = true
			d.closeMu.Unlock()
			d.logger.Warn("finalizer abandoned on shutdown", "class", d.currentClass())
			return false
		}
	}
}

func (d *FinalizerDaemon) currentClass() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil || d.current.zombie == nil {
		return ""
	}
	return d.current.zombie.Class().String()
}

func (d *FinalizerDaemon) run(self *task.Thread) {
	ft := &finalizerThread{d: d, t: self}
	for d.ctx.Err() == nil {
		if err := d.queue.Wait(d.ctx); err != nil {
			return
		}
		// Take the reference and root its object in one step, so a
		// collection never sees the object in neither place.
		var r *Reference
		self.Run(func() {
			d.mu.Lock()
			r = d.queue.Poll()
			if r != nil {
				d.current = r
				d.busy = true
			}
			d.mu.Unlock()
			if r != nil {
				self.PushRoot(r.zombie)
			}
		})
		if r == nil {
			continue
		}
		if !d.finalize(self, ft, r) {
			return
		}
	}
}

// finalize runs the finalizer of r's object and reports whether the daemon
// may go on. The finalizer is called outside of Run, so one that blocks
// does not hold up a collection; the object stays rooted by self meanwhile.
func (d *FinalizerDaemon) finalize(self *task.Thread, ft *finalizerThread, r *Reference) bool {
	o := r.zombie
	cur := running{class: o.Class().String(), done: make(chan struct{})}
	select {
	case d.started <- cur:
	case <-d.ctx.Done():
	}

	d.loop.Store(loopInFinalizer)
	d.callFinalizer(ft, o, cur.class)
	close(cur.done)
	if !d.loop.CompareAndSwap(loopInFinalizer, loopIdle) {
		return false
	}

	self.Run(func() {
		o.ClearFlag(mirror.FlagFinalizable)
		d.finalized.Add(1)
		self.PopRoots(1)
		d.mu.Lock()
		r.zombie = nil
		d.current = nil
		d.busy = false
		if d.queue.Len() == 0 {
			close(d.idle)
			d.idle = make(chan struct{})
		}
		d.mu.Unlock()
	})
	return true
}

func (d *FinalizerDaemon) callFinalizer(ft *finalizerThread, o *mirror.Object, class string) {
	defer func() {
		if p := recover(); p != nil {
			// Like an uncaught exception in a finalizer: logged and
			// otherwise ignored.
			d.logger.Warn("finalizer panicked", "class", class, "panic", p)
		}
	}()
	o.Class().Finalize(ft, o)
}

func (d *FinalizerDaemon) watchdog() {
	for {
		var cur running
		select {
		case cur = <-d.started:
		case <-d.ctx.Done():
			return
		}
		timer := time.NewTimer(d.timeout)
		select {
		case <-cur.done:
			timer.Stop()
			continue
		case <-d.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		err := &FinalizerTimeoutError{Class: cur.class, Timeout: d.timeout}
		d.logger.Error("finalizer watchdog", "err", err)
		d.onFatal(err)
		select {
		case <-cur.done:
		case <-d.ctx.Done():
			return
		}
	}
}

// VisitRoots calls fn with every object waiting for or running its
// finalizer. The world must be stopped.
func (d *FinalizerDaemon) VisitRoots(fn func(o *mirror.Object)) {
	d.queue.visit(func(r *Reference) {
		if r.zombie != nil {
			fn(r.zombie)
		}
	})
	d.mu.Lock()
	if d.current != nil && d.current.zombie != nil {
		fn(d.current.zombie)
	}
	d.mu.Unlock()
}

// Pending returns the number of finalizers not yet run.
func (d *FinalizerDaemon) Pending() int {
	n := d.queue.Len()
	d.mu.Lock()
	if d.busy {
		n++
	}
	d.mu.Unlock()
	return n
}

// RunFinalization waits until every queued finalizer has run, or timeout
// passes, and reports whether the queue was drained.
func (d *FinalizerDaemon) RunFinalization(timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		d.mu.Lock()
		if !d.busy && d.queue.Len() == 0 {
			d.mu.Unlock()
			return true
		}
		idle := d.idle
		d.mu.Unlock()

		select {
		case <-idle:
		case <-deadline.C:
			return false
		case <-time.After(10 * time.Millisecond):
			// The queue may have been filled and drained between two
			// checks without the daemon going idle in between.
		}
	}
}
