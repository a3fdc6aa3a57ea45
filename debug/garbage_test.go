package debug

import (
	"bytes"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/andypeng2015/heapcore/gc"
	"github.com/andypeng2015/heapcore/gc/collector"
	"github.com/andypeng2015/heapcore/gc/mirror"
	"github.com/andypeng2015/heapcore/hprof"
)

func newHeap(t *testing.T) *gc.Heap {
	t.Helper()
	opts := gc.DefaultOptions()
	opts.Capacity = 8 << 20
	opts.InitialSize = 1 << 20
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	h, err := gc.New(opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestReadGCStats(t *testing.T) {
	h := newHeap(t)
	var stats GCStats
	ReadGCStats(h, &stats)
	if stats.NumGC != 0 || len(stats.Pause) != 0 || !stats.LastGC.IsZero() {
		t.Errorf("stats of a fresh heap: %+v", stats)
	}

	before := time.Now()
	for range 3 {
		h.CollectGarbage(collector.CauseExplicit, false)
	}
	stats.PauseQuantiles = make([]time.Duration, 5)
	ReadGCStats(h, &stats)
	if stats.NumGC != 3 {
		t.Errorf("NumGC = %d, want 3", stats.NumGC)
	}
	if stats.LastGC.Before(before) {
		t.Errorf("LastGC %v before the collections started", stats.LastGC)
	}
	// Concurrent mark-sweep pauses twice per collection.
	if len(stats.Pause) != 6 || len(stats.PauseEnd) != len(stats.Pause) {
		t.Fatalf("%d pauses and %d pause ends, want 6", len(stats.Pause), len(stats.PauseEnd))
	}
	var total time.Duration
	for _, p := range stats.Pause {
		total += p
	}
	if total != stats.PauseTotal {
		t.Errorf("pauses add up to %v, PauseTotal is %v", total, stats.PauseTotal)
	}
	for i := 1; i < len(stats.PauseEnd); i++ {
		if stats.PauseEnd[i].After(stats.PauseEnd[i-1]) {
			t.Errorf("pause ends not most recent first: %v", stats.PauseEnd)
			break
		}
	}
	q := stats.PauseQuantiles
	for i := 1; i < len(q); i++ {
		if q[i] < q[i-1] {
			t.Errorf("quantiles not sorted: %v", q)
		}
	}
	if q[0] > q[4] || q[4] > stats.PauseTotal {
		t.Errorf("quantiles %v out of range", q)
	}
}

func TestSetMemoryLimit(t *testing.T) {
	h := newHeap(t)
	if got := SetMemoryLimit(h, -1); got != 8<<20 {
		t.Errorf("initial limit %d, want the capacity", got)
	}
	if prev := SetMemoryLimit(h, 4<<20); prev != 8<<20 {
		t.Errorf("SetMemoryLimit returned %d, want 8MB", prev)
	}
	if got := h.GrowthLimit(); got != 4<<20 {
		t.Errorf("growth limit %d, want 4MB", got)
	}
	if got := h.TargetFootprint(); got > 4<<20 {
		t.Errorf("target footprint %d above the limit", got)
	}
	// Never above the capacity.
	SetMemoryLimit(h, 1<<40)
	if got := SetMemoryLimit(h, -1); got != 8<<20 {
		t.Errorf("limit %d, want the capacity", got)
	}
}

func TestFreeOSMemory(t *testing.T) {
	h := newHeap(t)
	self, err := h.AttachThread("main")
	if err != nil {
		t.Fatal(err)
	}
	defer h.DetachThread(self)
	bytesClass := &mirror.Class{Descriptor: "[B", ComponentSize: 1}
	frame := self.LocalFrame()
	for range 64 {
		if _, err := h.AllocObject(self, bytesClass, 16<<10); err != nil {
			t.Fatal(err)
		}
	}
	self.PopLocalFrame(frame)

	released := FreeOSMemory(h)
	if h.BytesAllocated() != 0 {
		t.Errorf("%d bytes still allocated", h.BytesAllocated())
	}
	if released == 0 {
		t.Error("no memory released after freeing 1MB of large objects")
	}
}

func TestWriteHeapDump(t *testing.T) {
	h := newHeap(t)
	var buf bytes.Buffer
	if err := WriteHeapDump(h, &buf); err != nil {
		t.Fatal(err)
	}
	if _, err := hprof.Verify(&buf); err != nil {
		t.Error(err)
	}
}
