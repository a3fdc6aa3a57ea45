package task

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrTooManyThreads is returned when every thread id is in use.
var ErrTooManyThreads = errors.New("task: too many attached threads")

// ThreadList is the set of threads attached to a heap.
type ThreadList struct {
	// mutatorLock is held shared by runnable threads and exclusively by the
	// collector while the world is stopped.
	mutatorLock sync.RWMutex

	mu      sync.Mutex
	threads map[uint32]*Thread
	freeIDs []uint32
	nextID  uint32

	suspendStart time.Time // written with the world stopped
	suspendCount int
	totalPause   time.Duration
}

// NewThreadList returns an empty thread list.
func NewThreadList() *ThreadList {
	return &ThreadList{
		threads: make(map[uint32]*Thread),
		nextID:  1,
	}
}

// Attach registers a new mutator thread. The thread starts in the native
// state.
func (l *ThreadList) Attach(name string) (*Thread, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var id uint32
	if n := len(l.freeIDs); n > 0 {
		id = l.freeIDs[n-1]
		l.freeIDs = l.freeIDs[:n-1]
	} else {
		if l.nextID > MaxThreadID {
			return nil, ErrTooManyThreads
		}
		id = l.nextID
		l.nextID++
	}
	t := &Thread{id: id, name: name, list: l}
	l.threads[id] = t
	return t, nil
}

// Detach removes t from the list. Its roots are dropped and its id may be
// handed out again.
func (l *ThreadList) Detach(t *Thread) {
	if t.depth > 0 {
		panic("task: detaching a runnable thread")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.threads[t.id] != t {
		return
	}
	delete(l.threads, t.id)
	l.freeIDs = append(l.freeIDs, t.id)
	t.mu.Lock()
	t.roots = nil
	t.contended = nil
	t.mu.Unlock()
	t.state.Store(uint32(StateTerminated))
}

// Find returns the attached thread with the given id, or nil.
func (l *ThreadList) Find(id uint32) *Thread {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.threads[id]
}

// List returns the attached threads ordered by id.
func (l *ThreadList) List() []*Thread {
	l.mu.Lock()
	threads := make([]*Thread, 0, len(l.threads))
	for _, t := range l.threads {
		threads = append(threads, t)
	}
	l.mu.Unlock()
	sort.Slice(threads, func(i, j int) bool { return threads[i].id < threads[j].id })
	return threads
}

// Len returns the number of attached threads.
func (l *ThreadList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.threads)
}

// Shared runs fn with a shared hold on the mutator lock, like Run, for a
// caller that is not an attached thread. The caller must not be inside Run
// on any thread of this list.
func (l *ThreadList) Shared(fn func()) {
	l.mutatorLock.RLock()
	defer l.mutatorLock.RUnlock()
	fn()
}

// SuspendAll stops the world: it returns once no thread is runnable, and no
// thread can become runnable until ResumeAll. The caller must not be inside
// Run on any thread of this list.
func (l *ThreadList) SuspendAll() {
	l.mutatorLock.Lock()
	l.suspendStart = time.Now()
}

// ResumeAll restarts the world and returns how long it was stopped.
func (l *ThreadList) ResumeAll() time.Duration {
	pause := time.Since(l.suspendStart)
	l.mu.Lock()
	l.suspendCount++
	l.totalPause += pause
	l.mu.Unlock()
	l.mutatorLock.Unlock()
	return pause
}

// SuspendStats returns how often the world was stopped and for how long in
// total.
func (l *ThreadList) SuspendStats() (count int, total time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.suspendCount, l.totalPause
}
