package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andypeng2015/heapcore/gc/mirror"
	"github.com/andypeng2015/heapcore/gc/task"
)

// DefaultMaxSpins is the number of times a thread yields on a thin lock held
// by another thread before inflating it.
const DefaultMaxSpins = 50

// Table owns the inflated monitors of a heap.
type Table struct {
	maxSpins int

	mu       sync.RWMutex
	monitors map[uint32]*Monitor
	nextID   uint32
	freeIDs  []uint32

	hashSeed   atomic.Uint32
	inflations atomic.Uint64
	deflations atomic.Uint64
}

// NewTable returns an empty monitor table. Thin locks are inflated after
// maxSpins failed attempts to take them.
func NewTable(maxSpins int) *Table {
	if maxSpins <= 0 {
		maxSpins = DefaultMaxSpins
	}
	t := &Table{
		maxSpins: maxSpins,
		monitors: make(map[uint32]*Monitor),
		nextID:   1,
	}
	t.hashSeed.Store(987654321 + uint32(time.Now().Unix()))
	return t
}

func lockWord(o *mirror.Object) LockWord {
	return LockWord(o.LockWord())
}

func casLockWord(o *mirror.Object, old, new LockWord) bool {
	return o.CasLockWord(uint64(old), uint64(new))
}

func (t *Table) lookup(id uint32) *Monitor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m := t.monitors[id]
	if m == nil {
		panic("monitor: lock word refers to unknown monitor")
	}
	return m
}

// install creates a monitor for obj and swaps it into the lock word if that
// still equals expected.
func (t *Table) install(obj *mirror.Object, expected LockWord, owner, count, hash uint32) (*Monitor, bool) {
	t.mu.Lock()
	var id uint32
	if n := len(t.freeIDs); n > 0 {
		id = t.freeIDs[n-1]
		t.freeIDs = t.freeIDs[:n-1]
	} else {
		id = t.nextID
		t.nextID++
	}
	m := newMonitor(id, obj, owner, count, hash)
	t.monitors[id] = m
	t.mu.Unlock()

	if casLockWord(obj, expected, Fat(id, expected.GCState())) {
		t.inflations.Add(1)
		return m, true
	}
	t.mu.Lock()
	t.removeLocked(m)
	t.mu.Unlock()
	return nil, false
}

// removeLocked drops m from the table. t.mu must be held.
func (t *Table) removeLocked(m *Monitor) {
	delete(t.monitors, m.id)
	t.freeIDs = append(t.freeIDs, m.id)
	m.obj.Store(nil)
}

// Inflate returns the monitor of obj, creating it if the object does not
// have one yet. A thin lock keeps its owner and count, a hash code is moved
// into the monitor.
func (t *Table) Inflate(obj *mirror.Object) *Monitor {
	for {
		lw := lockWord(obj)
		var m *Monitor
		var ok bool
		switch lw.State() {
		case StateFatLocked:
			return t.lookup(lw.MonitorID())
		case StateUnlocked:
			m, ok = t.install(obj, lw, 0, 0, 0)
		case StateThinLocked:
			m, ok = t.install(obj, lw, lw.ThinLockOwner(), lw.ThinLockCount(), 0)
		case StateHashCode:
			m, ok = t.install(obj, lw, 0, 0, lw.HashCode())
		}
		if ok {
			return m
		}
	}
}

// Enter locks obj for self, blocking while another thread holds it.
func (t *Table) Enter(self *task.Thread, obj *mirror.Object) {
	t.enter(self, obj, false)
}

// TryEnter locks obj for self if that does not need to block.
func (t *Table) TryEnter(self *task.Thread, obj *mirror.Object) bool {
	return t.enter(self, obj, true)
}

func (t *Table) enter(self *task.Thread, obj *mirror.Object, try bool) bool {
	id := self.ID()
	spins := 0
	for {
		lw := lockWord(obj)
		switch lw.State() {
		case StateUnlocked:
			if casLockWord(obj, lw, Thin(id, 0, lw.GCState())) {
				return true
			}
		case StateThinLocked:
			if lw.ThinLockOwner() == id {
				count := lw.ThinLockCount() + 1
				if count <= ThinLockMaxCount {
					if casLockWord(obj, lw, Thin(id, count, lw.GCState())) {
						return true
					}
					continue
				}
				// The recursion count would overflow.
				t.install(obj, lw, id, lw.ThinLockCount(), 0)
				continue
			}
			if try {
				return false
			}
			spins++
			if spins <= t.maxSpins {
				runtime.Gosched()
				continue
			}
			spins = 0
			t.install(obj, lw, lw.ThinLockOwner(), lw.ThinLockCount(), 0)
		case StateFatLocked:
			m := t.lookup(lw.MonitorID())
			if try {
				return m.TryLock(self)
			}
			m.Lock(self)
			return true
		case StateHashCode:
			t.install(obj, lw, 0, 0, lw.HashCode())
		}
	}
}

// Exit unlocks obj once.
func (t *Table) Exit(self *task.Thread, obj *mirror.Object) error {
	id := self.ID()
	for {
		lw := lockWord(obj)
		switch lw.State() {
		case StateThinLocked:
			if lw.ThinLockOwner() != id {
				return ErrIllegalMonitorState
			}
			next := Unlocked(lw.GCState())
			if c := lw.ThinLockCount(); c > 0 {
				next = Thin(id, c-1, lw.GCState())
			}
			if casLockWord(obj, lw, next) {
				return nil
			}
		case StateFatLocked:
			return t.lookup(lw.MonitorID()).Unlock(self)
		default:
			return ErrIllegalMonitorState
		}
	}
}

// ownedMonitor inflates the lock of obj if self holds it thin, and returns
// the monitor.
func (t *Table) ownedMonitor(self *task.Thread, obj *mirror.Object) (*Monitor, error) {
	lw := lockWord(obj)
	switch lw.State() {
	case StateThinLocked:
		if lw.ThinLockOwner() != self.ID() {
			return nil, ErrIllegalMonitorState
		}
		return t.Inflate(obj), nil
	case StateFatLocked:
		return t.lookup(lw.MonitorID()), nil
	default:
		return nil, ErrIllegalMonitorState
	}
}

// Wait waits on the monitor of obj, which self must hold. A timeout of 0
// waits until notified.
func (t *Table) Wait(self *task.Thread, obj *mirror.Object, timeout time.Duration) error {
	m, err := t.ownedMonitor(self, obj)
	if err != nil {
		return err
	}
	return m.Wait(self, timeout)
}

// Notify wakes one thread waiting on obj, which self must hold.
func (t *Table) Notify(self *task.Thread, obj *mirror.Object) error {
	lw := lockWord(obj)
	if lw.State() == StateThinLocked {
		// Nobody can wait on a thin lock.
		if lw.ThinLockOwner() != self.ID() {
			return ErrIllegalMonitorState
		}
		return nil
	}
	m, err := t.ownedMonitor(self, obj)
	if err != nil {
		return err
	}
	return m.Notify(self)
}

// NotifyAll wakes every thread waiting on obj, which self must hold.
func (t *Table) NotifyAll(self *task.Thread, obj *mirror.Object) error {
	lw := lockWord(obj)
	if lw.State() == StateThinLocked {
		if lw.ThinLockOwner() != self.ID() {
			return ErrIllegalMonitorState
		}
		return nil
	}
	m, err := t.ownedMonitor(self, obj)
	if err != nil {
		return err
	}
	return m.NotifyAll(self)
}

func (t *Table) generateHash() uint32 {
	for {
		old := t.hashSeed.Load()
		next := old*1103515245 + 12345
		if !t.hashSeed.CompareAndSwap(old, next) {
			continue
		}
		if h := next >> 4 & HashMask; h != 0 {
			return h
		}
	}
}

// IdentityHashCode returns the identity hash code of obj, assigning one on
// first use. The hash code survives locking, inflation and deflation.
func (t *Table) IdentityHashCode(obj *mirror.Object) uint32 {
	for {
		lw := lockWord(obj)
		switch lw.State() {
		case StateUnlocked:
			if casLockWord(obj, lw, Hash(t.generateHash(), lw.GCState())) {
				continue
			}
		case StateHashCode:
			return lw.HashCode()
		case StateThinLocked:
			t.install(obj, lw, lw.ThinLockOwner(), lw.ThinLockCount(), t.generateHash())
		case StateFatLocked:
			m := t.lookup(lw.MonitorID())
			if h := m.hashCode.Load(); h != 0 {
				return h
			}
			m.hashCode.CompareAndSwap(0, t.generateHash())
			return m.hashCode.Load()
		}
	}
}

// MonitorOf returns the monitor of obj, or nil if the lock is not inflated.
func (t *Table) MonitorOf(obj *mirror.Object) *Monitor {
	lw := lockWord(obj)
	if lw.State() != StateFatLocked {
		return nil
	}
	return t.lookup(lw.MonitorID())
}

// Owner returns the id of the thread holding obj, or 0.
func (t *Table) Owner(obj *mirror.Object) uint32 {
	lw := lockWord(obj)
	switch lw.State() {
	case StateThinLocked:
		return lw.ThinLockOwner()
	case StateFatLocked:
		return t.lookup(lw.MonitorID()).Owner()
	default:
		return 0
	}
}

// ContendedMonitor returns the monitor th is blocked entering or waiting on,
// or nil.
func (t *Table) ContendedMonitor(th *task.Thread) *Monitor {
	m, _ := th.ContendedMonitor().(*Monitor)
	return m
}

// Len returns the number of inflated monitors.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.monitors)
}

// Stats returns how many monitors were inflated and deflated so far.
func (t *Table) Stats() (inflated, deflated uint64) {
	return t.inflations.Load(), t.deflations.Load()
}

// Visit calls fn for every monitor, ordered by id.
func (t *Table) Visit(fn func(m *Monitor)) {
	t.mu.RLock()
	monitors := make([]*Monitor, 0, len(t.monitors))
	for _, m := range t.monitors {
		monitors = append(monitors, m)
	}
	t.mu.RUnlock()
	sort.Slice(monitors, func(i, j int) bool { return monitors[i].id < monitors[j].id })
	for _, m := range monitors {
		fn(m)
	}
}

// deflateLocked turns the monitor of obj back into a thin, hashed or
// unlocked lock word, if nobody waits on or contends for it. t.mu must be
// held and mutators must be suspended.
func (t *Table) deflateLocked(m *Monitor) bool {
	obj := m.obj.Load()
	if obj == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.waiting > 0 || m.contenders > 0 {
		return false
	}
	lw := lockWord(obj)
	hash := m.hashCode.Load()
	var next LockWord
	switch {
	case m.owner != 0:
		if hash != 0 || m.count > ThinLockMaxCount {
			return false
		}
		next = Thin(m.owner, m.count, lw.GCState())
	case hash != 0:
		next = Hash(hash, lw.GCState())
	default:
		next = Unlocked(lw.GCState())
	}
	obj.SetLockWord(uint64(next))
	t.removeLocked(m)
	t.deflations.Add(1)
	return true
}

// DeflateMonitors deflates every idle monitor and returns how many were
// deflated. Mutators must be suspended.
func (t *Table) DeflateMonitors() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var n int
	for _, m := range t.monitors {
		if t.deflateLocked(m) {
			n++
		}
	}
	return n
}

// Sweep drops the monitors of objects for which isLive returns false and
// returns how many were dropped. Mutators must be suspended.
func (t *Table) Sweep(isLive func(obj *mirror.Object) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var n int
	for _, m := range t.monitors {
		if obj := m.obj.Load(); obj == nil || !isLive(obj) {
			t.removeLocked(m)
			n++
		}
	}
	return n
}
