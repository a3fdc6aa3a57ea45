package gc

import (
	"context"
	"fmt"
	"time"

	"github.com/andypeng2015/heapcore/gc/collector"
	"github.com/andypeng2015/heapcore/gc/space"
	"github.com/andypeng2015/heapcore/gc/task"
)

// startDaemons attaches and starts the heap task daemon, which runs
// background collections, collector transitions and trims; the finalizer
// daemon; and the reference queue daemon, which runs cleaners.
func (h *Heap) startDaemons() error {
	taskThread, err := h.threads.Attach("HeapTaskDaemon")
	if err != nil {
		return fmt.Errorf("gc: start heap task daemon: %w", err)
	}
	finalizerThread, err := h.threads.Attach("FinalizerDaemon")
	if err != nil {
		return fmt.Errorf("gc: start finalizer daemon: %w", err)
	}
	cleanerThread, err := h.threads.Attach("ReferenceQueueDaemon")
	if err != nil {
		return fmt.Errorf("gc: start reference queue daemon: %w", err)
	}
	h.daemons = []*task.Thread{taskThread, finalizerThread, cleanerThread}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		h.tasks.RunAllTasks(taskThread)
	}()
	go func() {
		defer h.wg.Done()
		h.runCleaners(ctx)
	}()
	h.finalizers.Start(finalizerThread)
	return nil
}

func (h *Heap) stopDaemons() {
	h.tasks.Stop()
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
	h.finalizers.Stop()
	for _, t := range h.daemons {
		h.threads.Detach(t)
	}
	h.daemons = nil
}

// UpdateProcessState tells the heap whether the process is in the foreground.
// Going to the background schedules the background collector (after
// BackgroundTransitionDelay) and a trim; coming back switches to the
// foreground collector right away.
func (h *Heap) UpdateProcessState(state ProcessState) {
	h.gcMu.Lock()
	old := h.processState
	h.processState = state
	h.gcMu.Unlock()
	if old == state {
		return
	}
	h.logger.Debug("process state", "from", old, "to", state)
	if state == ProcessStateJankPerceptible {
		h.RequestCollectorTransition(h.foreground, 0)
		return
	}
	h.RequestCollectorTransition(h.background, h.opts.BackgroundTransitionDelay)
	h.RequestTrim(h.opts.HeapTrimDelay)
}

// ProcessState returns the last state passed to UpdateProcessState.
func (h *Heap) ProcessState() ProcessState {
	h.gcMu.Lock()
	defer h.gcMu.Unlock()
	return h.processState
}

// RequestCollectorTransition schedules a transition to desired after delay.
// A transition that is still pending is retargeted instead.
// TypeHomogeneousSpaceCompact compacts the heap without changing the plan.
func (h *Heap) RequestCollectorTransition(desired collector.Type, delay time.Duration) {
	when := time.Now().Add(delay)
	h.gcMu.Lock()
	defer h.gcMu.Unlock()
	h.transitionTarget = desired
	if h.transition != nil && h.tasks.UpdateTargetRunTime(h.transition, when) {
		return
	}
	h.transition = &task.Task{
		Name:       "collector transition",
		TargetTime: when,
		Run: func(self *task.Thread) {
			h.doPendingCollectorTransition()
		},
	}
	h.tasks.AddTask(h.transition)
}

func (h *Heap) doPendingCollectorTransition() {
	h.gcMu.Lock()
	desired := h.transitionTarget
	background := h.processState == ProcessStateJankImperceptible
	h.transition = nil
	h.gcMu.Unlock()

	if desired == collector.TypeHomogeneousSpaceCompact {
		// Only worth the pause while nobody is looking.
		if background {
			res := h.PerformHomogeneousSpaceCompact()
			h.logger.Debug("background compaction", "result", res)
		}
		return
	}
	if !h.TransitionCollector(desired) {
		h.logger.Debug("collector transition refused", "to", desired)
	}
}

// RequestTrim schedules a Trim after delay, unless one is pending.
func (h *Heap) RequestTrim(delay time.Duration) {
	h.gcMu.Lock()
	defer h.gcMu.Unlock()
	if h.trim != nil {
		return
	}
	h.trim = &task.Task{
		Name:       "heap trim",
		TargetTime: time.Now().Add(delay),
		Run: func(self *task.Thread) {
			h.gcMu.Lock()
			h.trim = nil
			h.gcMu.Unlock()
			h.Trim()
		},
	}
	h.tasks.AddTask(h.trim)
}

// Trim deflates every idle monitor and returns the free pages of the
// spaces to the OS. It returns the number of monitors deflated and of bytes
// released. It must not be called from inside Thread.Run.
func (h *Heap) Trim() (deflated int, released uintptr) {
	h.gcMu.Lock()
	h.waitForGcToCompleteLocked()
	if h.shuttingDown {
		h.gcMu.Unlock()
		return 0, 0
	}
	h.running = collector.TypeHeapTrim
	h.gcMu.Unlock()

	start := time.Now()
	h.threads.SuspendAll()
	deflated = h.monitors.DeflateMonitors()
	pause := h.threads.ResumeAll()

	main, _ := h.spaces()
	if f, ok := main.(*space.FreeListSpace); ok {
		released += f.Trim()
	}
	released += h.los.Trim()

	h.gcMu.Lock()
	h.finishBusyLocked()
	h.gcMu.Unlock()
	h.logger.Debug("heap trim",
		"deflated", deflated,
		"released", byteSize(uint64(released)),
		"paused", pause,
		"took", time.Since(start))
	return deflated, released
}

// DeflateMonitors deflates every idle monitor with the mutators suspended
// and returns how many were deflated. It must not be called from inside
// Thread.Run.
func (h *Heap) DeflateMonitors() int {
	h.threads.SuspendAll()
	defer h.threads.ResumeAll()
	return h.monitors.DeflateMonitors()
}

// PendingTasks returns the number of heap tasks that have not run yet.
func (h *Heap) PendingTasks() int {
	return h.tasks.Pending()
}
