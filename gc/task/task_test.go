package task

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andypeng2015/heapcore/gc/mirror"
)

func TestThreadRoots(t *testing.T) {
	l := NewThreadList()
	th, err := l.Attach("main")
	if err != nil {
		t.Fatal(err)
	}
	c := &mirror.Class{Descriptor: "LFoo;"}
	a := mirror.New(c, 0, 0x1000, make([]byte, 8))
	b := mirror.New(c, 0, 0x1008, make([]byte, 8))
	th.PushRoot(a)
	slot := th.PushRoot(nil)
	th.SetRoot(slot, b)
	var n int
	th.VisitRoots(func(*mirror.Object) { n++ })
	if n != 2 {
		t.Errorf("visited %d roots, want 2", n)
	}
	th.PopRoots(1)
	if th.NumRoots() != 1 || th.Root(0) != a {
		t.Error("PopRoots dropped the wrong root")
	}

	l.Detach(th)
	if th.State() != StateTerminated || th.NumRoots() != 0 {
		t.Error("detached thread still has roots")
	}
	th2, _ := l.Attach("second")
	if th2.ID() != th.ID() {
		t.Errorf("thread id %d was not reused (got %d)", th.ID(), th2.ID())
	}
}

func TestSuspendAllWaitsForRunnable(t *testing.T) {
	l := NewThreadList()
	th, _ := l.Attach("mutator")

	inside := make(chan struct{})
	release := make(chan struct{})
	go th.Run(func() {
		close(inside)
		<-release
	})
	<-inside
	if th.State() != StateRunnable {
		t.Errorf("state = %s, want runnable", th.State())
	}

	var suspended atomic.Bool
	done := make(chan struct{})
	go func() {
		l.SuspendAll()
		suspended.Store(true)
		l.ResumeAll()
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	if suspended.Load() {
		t.Fatal("world stopped while a thread was runnable")
	}
	close(release)
	<-done
	if count, _ := l.SuspendStats(); count != 1 {
		t.Errorf("suspend count = %d, want 1", count)
	}
}

func TestBlockingAllowsSuspend(t *testing.T) {
	l := NewThreadList()
	th, _ := l.Attach("mutator")

	var wg sync.WaitGroup
	wg.Add(1)
	unblock := make(chan struct{})
	go th.Run(func() {
		th.Blocking(StateWaiting, func() {
			wg.Done()
			<-unblock
		})
		if !th.IsRunnable() {
			t.Error("thread not runnable after Blocking returned")
		}
	})
	wg.Wait()

	l.SuspendAll()
	if th.State() != StateWaiting {
		t.Errorf("state = %s, want waiting", th.State())
	}
	l.ResumeAll()
	close(unblock)
}

func TestSharedHoldsOffSuspend(t *testing.T) {
	l := NewThreadList()
	inside := make(chan struct{})
	release := make(chan struct{})
	go l.Shared(func() {
		close(inside)
		<-release
	})
	<-inside

	var suspended atomic.Bool
	done := make(chan struct{})
	go func() {
		l.SuspendAll()
		suspended.Store(true)
		l.ResumeAll()
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	if suspended.Load() {
		t.Fatal("world stopped during a shared hold")
	}
	close(release)
	<-done
}

func TestProcessorRunsInTargetOrder(t *testing.T) {
	l := NewThreadList()
	self, _ := l.Attach("daemon")
	p := NewProcessor()

	var mu sync.Mutex
	var order []string
	record := func(name string) func(*Thread) {
		return func(*Thread) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}
	now := time.Now()
	late := &Task{Name: "late", TargetTime: now.Add(40 * time.Millisecond), Run: record("late")}
	p.AddTask(late)
	p.AddTask(&Task{Name: "early", TargetTime: now.Add(10 * time.Millisecond), Run: record("early")})
	p.AddTask(&Task{Name: "now", Run: record("now")})
	if !p.UpdateTargetRunTime(late, now.Add(20*time.Millisecond)) {
		t.Fatal("UpdateTargetRunTime did not find the pending task")
	}
	p.AddTask(&Task{Name: "stop", TargetTime: now.Add(30 * time.Millisecond), Run: func(*Thread) { p.Stop() }})

	done := make(chan struct{})
	go func() {
		p.RunAllTasks(self)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("processor did not stop")
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{"now", "early", "late"}
	if len(order) != len(want) {
		t.Fatalf("ran %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("task %d = %s, want %s", i, order[i], want[i])
		}
	}
	if p.IsRunning() {
		t.Error("processor still running after Stop")
	}
}
