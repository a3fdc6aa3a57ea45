// Package monitor implements object locking: thin locks stored in the lock
// word of an object, inflated monitors for contended locks and wait/notify,
// identity hash codes, and deflation of idle monitors.
package monitor

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andypeng2015/heapcore/gc/mirror"
	"github.com/andypeng2015/heapcore/gc/task"
)

// ErrIllegalMonitorState is returned when a thread unlocks, waits on or
// notifies a monitor it does not own.
var ErrIllegalMonitorState = errors.New("monitor: current thread is not owner")

type waiter struct {
	thread *task.Thread
	wake   chan struct{}
}

// Monitor is an inflated lock.
type Monitor struct {
	id  uint32
	obj atomic.Pointer[mirror.Object]

	hashCode atomic.Uint32

	mu         sync.Mutex
	owner      uint32 // thread id, 0 if unowned
	count      uint32 // recursion count, 0 when held once
	contenders int
	waiting    int // threads inside Wait, notified or not
	waitSet    []*waiter
	unlocked   chan struct{} // closed and replaced on every release
}

func newMonitor(id uint32, obj *mirror.Object, owner, count, hash uint32) *Monitor {
	m := &Monitor{id: id, owner: owner, count: count}
	m.obj.Store(obj)
	m.hashCode.Store(hash)
	return m
}

// ID returns the id stored in the lock word of the object.
func (m *Monitor) ID() uint32 {
	return m.id
}

// Object returns the locked object, or nil once the monitor was deflated.
func (m *Monitor) Object() *mirror.Object {
	return m.obj.Load()
}

// Owner returns the id of the owning thread, or 0.
func (m *Monitor) Owner() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner
}

// Count returns the recursion count: 0 when held once.
func (m *Monitor) Count() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// NumWaiters returns the number of threads in Wait.
func (m *Monitor) NumWaiters() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiting
}

// NumContenders returns the number of threads blocked entering the monitor.
func (m *Monitor) NumContenders() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contenders
}

// HashCode returns the identity hash code kept by the monitor, or 0.
func (m *Monitor) HashCode() uint32 {
	return m.hashCode.Load()
}

func (m *Monitor) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("monitor %d owner=%d count=%d waiters=%d contenders=%d",
		m.id, m.owner, m.count, m.waiting, m.contenders)
}

// releasedLocked returns the channel closed at the next release. m.mu must
// be held.
func (m *Monitor) releasedLocked() chan struct{} {
	if m.unlocked == nil {
		m.unlocked = make(chan struct{})
	}
	return m.unlocked
}

// releaseLocked marks the monitor unowned and wakes the contenders. m.mu
// must be held.
func (m *Monitor) releaseLocked() {
	m.owner = 0
	m.count = 0
	if m.unlocked != nil {
		close(m.unlocked)
		m.unlocked = nil
	}
}

// acquireLocked blocks until self owns the monitor. m.mu must be held; it is
// released while blocking.
func (m *Monitor) acquireLocked(self *task.Thread) {
	for m.owner != 0 && m.owner != self.ID() {
		m.contenders++
		released := m.releasedLocked()
		m.mu.Unlock()
		self.SetContendedMonitor(m)
		self.Blocking(task.StateBlocked, func() { <-released })
		self.SetContendedMonitor(nil)
		m.mu.Lock()
		m.contenders--
	}
}

// Lock enters the monitor, blocking while another thread owns it.
func (m *Monitor) Lock(self *task.Thread) {
	m.mu.Lock()
	m.acquireLocked(self)
	if m.owner == self.ID() {
		m.count++
	} else {
		m.owner = self.ID()
	}
	m.mu.Unlock()
}

// TryLock enters the monitor if that does not need to block.
func (m *Monitor) TryLock(self *task.Thread) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.owner {
	case 0:
		m.owner = self.ID()
	case self.ID():
		m.count++
	default:
		return false
	}
	return true
}

// Unlock leaves the monitor once.
func (m *Monitor) Unlock(self *task.Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner != self.ID() {
		return ErrIllegalMonitorState
	}
	if m.count > 0 {
		m.count--
		return nil
	}
	m.releaseLocked()
	return nil
}

// Wait releases the monitor, waits to be notified or for timeout to pass (0
// waits forever), and enters the monitor again with the same recursion
// count.
func (m *Monitor) Wait(self *task.Thread, timeout time.Duration) error {
	m.mu.Lock()
	if m.owner != self.ID() {
		m.mu.Unlock()
		return ErrIllegalMonitorState
	}
	w := &waiter{thread: self, wake: make(chan struct{})}
	m.waitSet = append(m.waitSet, w)
	m.waiting++
	count := m.count
	m.releaseLocked()
	m.mu.Unlock()

	state := task.StateWaiting
	var timer *time.Timer
	var expired <-chan time.Time
	if timeout > 0 {
		state = task.StateSleeping
		timer = time.NewTimer(timeout)
		expired = timer.C
	}
	self.SetContendedMonitor(m)
	self.Blocking(state, func() {
		select {
		case <-w.wake:
		case <-expired:
		}
	})
	if timer != nil {
		timer.Stop()
	}
	self.SetContendedMonitor(nil)

	m.mu.Lock()
	m.removeWaiterLocked(w)
	m.acquireLocked(self)
	m.owner = self.ID()
	m.count = count
	m.waiting--
	m.mu.Unlock()
	return nil
}

// removeWaiterLocked drops w from the wait set if it is still there.
func (m *Monitor) removeWaiterLocked(w *waiter) {
	for i, other := range m.waitSet {
		if other == w {
			m.waitSet = append(m.waitSet[:i], m.waitSet[i+1:]...)
			return
		}
	}
}

// Notify wakes the thread that has waited longest.
func (m *Monitor) Notify(self *task.Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner != self.ID() {
		return ErrIllegalMonitorState
	}
	if len(m.waitSet) > 0 {
		w := m.waitSet[0]
		m.waitSet = m.waitSet[1:]
		close(w.wake)
	}
	return nil
}

// NotifyAll wakes every waiting thread.
func (m *Monitor) NotifyAll(self *task.Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner != self.ID() {
		return ErrIllegalMonitorState
	}
	for _, w := range m.waitSet {
		close(w.wake)
	}
	m.waitSet = nil
	return nil
}
