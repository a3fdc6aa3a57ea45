package gc

import (
	"slices"
	"time"

	"github.com/andypeng2015/heapcore/gc/collector"
	"github.com/andypeng2015/heapcore/gc/mirror"
	"github.com/inhies/go-bytesize"
)

// byteSize formats n for log messages, like "1.50MB".
func byteSize(n uint64) string {
	return bytesize.New(float64(n)).String()
}

// MemStats is a snapshot of the heap counters.
type MemStats struct {
	Collector      collector.Type
	MainSpace      string
	NextGcType     collector.GcType
	LastGcType     collector.GcType
	NumGC          uint64
	NumHSC         uint64
	NumHSCRejected uint64

	// Bytes in use in the main space and the large object space.
	BytesAllocated       uint64
	LargeObjectBytes     uint64
	Objects              int
	TargetFootprint      uint64
	ConcurrentStartBytes uint64
	GrowthLimit          uint64
	Capacity             uint64

	TotalBytesAllocated   uint64
	TotalObjectsAllocated uint64
	TotalBytesFreed       uint64
	TotalObjectsFreed     uint64

	NativeBytes     uint64
	NativeWatermark uint64

	PendingFinalizers int
	FinalizersRun     uint64

	Monitors         int
	MonitorsInflated uint64
	MonitorsDeflated uint64

	Threads    int
	NumSuspend int
	PauseTotal time.Duration
}

// ReadMemStats fills ms with the current counters.
func (h *Heap) ReadMemStats(ms *MemStats) {
	main := h.mainSpace()
	h.gcMu.Lock()
	ms.NextGcType = h.nextGcType
	ms.LastGcType = h.lastGcType
	ms.NumGC = h.gcCount
	ms.NumHSC = h.hscCount
	ms.NumHSCRejected = h.hscRejected
	h.gcMu.Unlock()
	h.objMu.Lock()
	ms.Objects = len(h.objects)
	h.objMu.Unlock()

	ms.Collector = h.collectorType()
	ms.MainSpace = main.Name()
	ms.BytesAllocated = h.bytesAllocated.Load()
	ms.LargeObjectBytes = h.los.BytesAllocated()
	ms.TargetFootprint = h.targetFootprint.Load()
	ms.ConcurrentStartBytes = h.concurrentStartBytes.Load()
	ms.GrowthLimit = h.growthLimit.Load()
	ms.Capacity = uint64(h.opts.Capacity)
	ms.TotalBytesAllocated = h.totalBytesAllocated.Load()
	ms.TotalObjectsAllocated = h.totalObjectsAllocated.Load()
	ms.TotalBytesFreed = h.totalBytesFreed.Load()
	ms.TotalObjectsFreed = h.totalObjectsFreed.Load()
	ms.NativeBytes = h.native.Total()
	ms.NativeWatermark = h.opts.NativeWatermark
	ms.PendingFinalizers = h.finalizers.Pending()
	ms.FinalizersRun = h.finalizers.Finalized()
	ms.Monitors = h.monitors.Len()
	ms.MonitorsInflated, ms.MonitorsDeflated = h.monitors.Stats()
	ms.Threads = h.threads.Len()
	ms.NumSuspend, ms.PauseTotal = h.threads.SuspendStats()
}

// BytesAllocated returns the bytes currently allocated in the heap.
func (h *Heap) BytesAllocated() uint64 {
	return h.bytesAllocated.Load()
}

// TargetFootprint returns the footprint above which allocations collect.
func (h *Heap) TargetFootprint() uint64 {
	return h.targetFootprint.Load()
}

// GrowthLimit returns the largest footprint the heap may grow to.
func (h *Heap) GrowthLimit() uint64 {
	return h.growthLimit.Load()
}

// ClampGrowthLimit lowers the growth limit to limit, which may not go below
// the current footprint. It returns the limit in effect.
func (h *Heap) ClampGrowthLimit(limit uint64) uint64 {
	h.gcMu.Lock()
	defer h.gcMu.Unlock()
	limit = min(max(limit, h.bytesAllocated.Load()), uint64(h.opts.Capacity))
	h.growthLimit.Store(limit)
	if h.targetFootprint.Load() > limit {
		h.targetFootprint.Store(limit)
	}
	return limit
}

// GCStats returns the totals of every collection so far.
func (h *Heap) GCStats() collector.Stats {
	return h.cumulative.Snapshot()
}

// LastIteration returns the bookkeeping of the last collection.
func (h *Heap) LastIteration() collector.Iteration {
	h.gcMu.Lock()
	defer h.gcMu.Unlock()
	it := h.lastIteration
	it.Pauses = slices.Clone(it.Pauses)
	it.PauseEnds = slices.Clone(it.PauseEnds)
	return it
}

// GCCount returns the number of collections run, compactions and
// transitions included.
func (h *Heap) GCCount() uint64 {
	h.gcMu.Lock()
	defer h.gcMu.Unlock()
	return h.gcCount
}

// HomogeneousSpaceCompactCounts returns how many compactions ran and how
// many were rejected.
func (h *Heap) HomogeneousSpaceCompactCounts() (count, rejected uint64) {
	h.gcMu.Lock()
	defer h.gcMu.Unlock()
	return h.hscCount, h.hscRejected
}

// sortedObjectsLocked returns every object ordered by address. h.objMu must
// be held.
func (h *Heap) sortedObjectsLocked() []*mirror.Object {
	objects := make([]*mirror.Object, 0, len(h.objects))
	for _, o := range h.objects {
		objects = append(objects, o)
	}
	slices.SortFunc(objects, func(a, b *mirror.Object) int {
		switch {
		case a.Addr() < b.Addr():
			return -1
		case a.Addr() > b.Addr():
			return 1
		}
		return 0
	})
	return objects
}
