package task

import (
	"sync"
	"time"
)

// Task is a unit of background work, run by a heap daemon.
type Task struct {
	Next *Task

	Name string

	// TargetTime is when a Processor should run the task. The zero time means
	// as soon as possible.
	TargetTime time.Time

	// Run does the work on the daemon's thread.
	Run func(self *Thread)
}

// Processor runs tasks at their target time, one at a time, on the thread
// that calls RunAllTasks. Tasks are kept in a list ordered by target time.
type Processor struct {
	mu      sync.Mutex
	head    *Task
	running bool
	stopped bool
	wake    chan struct{}
}

// NewProcessor returns an idle processor.
func NewProcessor() *Processor {
	return &Processor{wake: make(chan struct{}, 1)}
}

func (p *Processor) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// insert puts t in the list before the first task with a later target time.
// p.mu must be held.
func (p *Processor) insert(t *Task) {
	q := &p.head
	for {
		if *q == nil {
			// Found the end of the list. Insert it here, at the end.
			break
		}
		if (*q).TargetTime.After(t.TargetTime) {
			// Found a task in the list that runs after t. Insert t right
			// before.
			break
		}
		q = &(*q).Next
	}
	t.Next = *q
	*q = t
}

// remove takes t out of the list and reports whether it was there. p.mu must
// be held.
func (p *Processor) remove(t *Task) bool {
	for q := &p.head; *q != nil; q = &(*q).Next {
		if *q == t {
			*q = t.Next
			t.Next = nil
			return true
		}
	}
	return false
}

// AddTask schedules t to run at its target time.
func (p *Processor) AddTask(t *Task) {
	p.mu.Lock()
	p.insert(t)
	p.mu.Unlock()
	p.signal()
}

// UpdateTargetRunTime moves t to run at when, if t is still pending, and
// reports whether it was.
func (p *Processor) UpdateTargetRunTime(t *Task, when time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.remove(t) {
		return false
	}
	t.TargetTime = when
	p.insert(t)
	p.signal()
	return true
}

// Pending returns the number of tasks that have not run yet.
func (p *Processor) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var n int
	for t := p.head; t != nil; t = t.Next {
		n++
	}
	return n
}

// getTask waits for the first task to become due and takes it off the list.
// It returns nil once the processor is stopped.
func (p *Processor) getTask(self *Thread) *Task {
	for {
		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			return nil
		}
		t := p.head
		if t != nil {
			now := time.Now()
			if !now.Before(t.TargetTime) {
				p.head = t.Next
				t.Next = nil
				p.mu.Unlock()
				return t
			}
		}
		p.mu.Unlock()

		var timer *time.Timer
		var timeout <-chan time.Time
		if t != nil {
			timer = time.NewTimer(time.Until(t.TargetTime))
			timeout = timer.C
		}
		self.Blocking(StateWaiting, func() {
			select {
			case <-p.wake:
			case <-timeout:
			}
		})
		if timer != nil {
			timer.Stop()
		}
	}
}

// RunAllTasks runs tasks until Stop is called.
func (p *Processor) RunAllTasks(self *Thread) {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()
	for {
		t := p.getTask(self)
		if t == nil {
			break
		}
		t.Run(self)
	}
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
}

// IsRunning reports whether a thread is inside RunAllTasks.
func (p *Processor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Stop makes RunAllTasks return after the task it is running, if any. Tasks
// that have not run yet are dropped.
func (p *Processor) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.head = nil
	p.mu.Unlock()
	p.signal()
}
