// Package metrics reads the counters of a heap by name, in the shape of
// runtime/metrics.
package metrics

import (
	"math"
	"sort"
	"time"

	"github.com/andypeng2015/heapcore/gc"
	"github.com/andypeng2015/heapcore/gc/collector"
)

// Description describes a metric.
type Description struct {
	// Name is the full name of the metric, including the unit after the
	// colon.
	Name        string
	Description string
	Kind        ValueKind
	// Cumulative is true for metrics that only ever grow.
	Cumulative bool
}

type metric struct {
	Description
	read func(ms *gc.MemStats, gcs *collector.Stats) Value
}

func uint64Value(v uint64) Value {
	return Value{kind: KindUint64, scalar: v}
}

func float64Value(v float64) Value {
	return Value{kind: KindFloat64, scalar: math.Float64bits(v)}
}

var metrics = []metric{
	{
		Description{"/gc/cycles/total:gc-cycles", "Collections run, compactions and transitions included.", KindUint64, true},
		func(ms *gc.MemStats, _ *collector.Stats) Value { return uint64Value(ms.NumGC) },
	},
	{
		Description{"/gc/cycles/compaction:gc-cycles", "Homogeneous space compactions run.", KindUint64, true},
		func(ms *gc.MemStats, _ *collector.Stats) Value { return uint64Value(ms.NumHSC) },
	},
	{
		Description{"/gc/cycles/compaction-rejected:gc-cycles", "Homogeneous space compactions refused.", KindUint64, true},
		func(ms *gc.MemStats, _ *collector.Stats) Value { return uint64Value(ms.NumHSCRejected) },
	},
	{
		Description{"/gc/heap/allocs:bytes", "Bytes allocated in the heap.", KindUint64, true},
		func(ms *gc.MemStats, _ *collector.Stats) Value { return uint64Value(ms.TotalBytesAllocated) },
	},
	{
		Description{"/gc/heap/allocs:objects", "Objects allocated in the heap.", KindUint64, true},
		func(ms *gc.MemStats, _ *collector.Stats) Value { return uint64Value(ms.TotalObjectsAllocated) },
	},
	{
		Description{"/gc/heap/frees:bytes", "Bytes freed by the collector.", KindUint64, true},
		func(ms *gc.MemStats, _ *collector.Stats) Value { return uint64Value(ms.TotalBytesFreed) },
	},
	{
		Description{"/gc/heap/frees:objects", "Objects freed by the collector.", KindUint64, true},
		func(ms *gc.MemStats, _ *collector.Stats) Value { return uint64Value(ms.TotalObjectsFreed) },
	},
	{
		Description{"/gc/heap/live:bytes", "Bytes currently allocated, large objects included.", KindUint64, false},
		func(ms *gc.MemStats, _ *collector.Stats) Value { return uint64Value(ms.BytesAllocated) },
	},
	{
		Description{"/gc/heap/large:bytes", "Bytes allocated in the large object space.", KindUint64, false},
		func(ms *gc.MemStats, _ *collector.Stats) Value { return uint64Value(ms.LargeObjectBytes) },
	},
	{
		Description{"/gc/heap/objects:objects", "Objects currently allocated.", KindUint64, false},
		func(ms *gc.MemStats, _ *collector.Stats) Value { return uint64Value(uint64(ms.Objects)) },
	},
	{
		Description{"/gc/heap/goal:bytes", "Footprint at which allocations start to collect.", KindUint64, false},
		func(ms *gc.MemStats, _ *collector.Stats) Value { return uint64Value(ms.TargetFootprint) },
	},
	{
		Description{"/gc/heap/limit:bytes", "Largest footprint the heap may grow to.", KindUint64, false},
		func(ms *gc.MemStats, _ *collector.Stats) Value { return uint64Value(ms.GrowthLimit) },
	},
	{
		Description{"/gc/native/registered:bytes", "Native bytes registered with the heap.", KindUint64, false},
		func(ms *gc.MemStats, _ *collector.Stats) Value { return uint64Value(ms.NativeBytes) },
	},
	{
		Description{"/gc/native/watermark:bytes", "Native bytes registered between collections before one is requested.", KindUint64, false},
		func(ms *gc.MemStats, _ *collector.Stats) Value { return uint64Value(ms.NativeWatermark) },
	},
	{
		Description{"/gc/finalizers/pending:objects", "Objects waiting for their finalizer.", KindUint64, false},
		func(ms *gc.MemStats, _ *collector.Stats) Value { return uint64Value(uint64(ms.PendingFinalizers)) },
	},
	{
		Description{"/gc/finalizers/run:objects", "Finalizers run.", KindUint64, true},
		func(ms *gc.MemStats, _ *collector.Stats) Value { return uint64Value(ms.FinalizersRun) },
	},
	{
		Description{"/gc/monitors/live:monitors", "Inflated monitors in the monitor table.", KindUint64, false},
		func(ms *gc.MemStats, _ *collector.Stats) Value { return uint64Value(uint64(ms.Monitors)) },
	},
	{
		Description{"/gc/monitors/inflated:monitors", "Lock words inflated to monitors.", KindUint64, true},
		func(ms *gc.MemStats, _ *collector.Stats) Value { return uint64Value(ms.MonitorsInflated) },
	},
	{
		Description{"/gc/monitors/deflated:monitors", "Monitors deflated back to lock words.", KindUint64, true},
		func(ms *gc.MemStats, _ *collector.Stats) Value { return uint64Value(ms.MonitorsDeflated) },
	},
	{
		Description{"/gc/pauses:seconds", "Distribution of recent stop-the-world pauses.", KindFloat64Histogram, true},
		func(_ *gc.MemStats, gcs *collector.Stats) Value { return pauseHistogram(gcs.Pauses) },
	},
	{
		Description{"/gc/pauses/total:seconds", "Time spent with every mutator suspended by the collector.", KindFloat64, true},
		func(_ *gc.MemStats, gcs *collector.Stats) Value { return float64Value(gcs.TotalPause.Seconds()) },
	},
	{
		Description{"/sched/threads:threads", "Attached threads, daemons included.", KindUint64, false},
		func(ms *gc.MemStats, _ *collector.Stats) Value { return uint64Value(uint64(ms.Threads)) },
	},
}

// All returns the descriptions of all supported metrics, sorted by name.
func All() []Description {
	all := make([]Description, len(metrics))
	for i, m := range metrics {
		all[i] = m.Description
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all
}

// pauseBuckets are the bucket boundaries of /gc/pauses:seconds.
var pauseBuckets = []float64{0, 1e-6, 1e-5, 1e-4, 1e-3, 1e-2, 1e-1, 1, 10, math.Inf(1)}

func pauseHistogram(pauses []time.Duration) Value {
	h := &Float64Histogram{
		Counts:  make([]uint64, len(pauseBuckets)-1),
		Buckets: pauseBuckets,
	}
	for _, p := range pauses {
		s := p.Seconds()
		i := sort.SearchFloat64s(pauseBuckets, s)
		// Buckets are [lo, hi): an exact boundary belongs to the bucket
		// above it.
		if i < len(pauseBuckets) && pauseBuckets[i] == s {
			i++
		}
		h.Counts[min(max(i-1, 0), len(h.Counts)-1)]++
	}
	return Value{kind: KindFloat64Histogram, pointer: h}
}

// Float64Histogram represents a distribution of float64 values.
type Float64Histogram struct {
	// Counts contains the weights for each histogram bucket: Counts[n] is
	// the weight of the range [Buckets[n], Buckets[n+1]).
	Counts []uint64
	// Buckets contains the boundaries of the histogram buckets, in
	// increasing order. len(Buckets) == len(Counts)+1.
	Buckets []float64
}

// Sample captures a single metric sample.
type Sample struct {
	Name  string
	Value Value
}

// Read populates each Value field in the given slice of metric samples from
// the counters of h. Samples with an unknown name get a KindBad value.
func Read(h *gc.Heap, m []Sample) {
	var ms gc.MemStats
	h.ReadMemStats(&ms)
	gcs := h.GCStats()
	for i := range m {
		m[i].Value = Value{}
		for _, d := range metrics {
			if d.Name == m[i].Name {
				m[i].Value = d.read(&ms, &gcs)
				break
			}
		}
	}
}

// Value represents a metric value returned by Read.
type Value struct {
	kind    ValueKind
	scalar  uint64
	pointer *Float64Histogram
}

// Float64 returns the value of a KindFloat64 metric. It panics for other
// kinds.
func (v Value) Float64() float64 {
	if v.kind != KindFloat64 {
		panic("called Float64 on non-float64 metric value")
	}
	return math.Float64frombits(v.scalar)
}

// Float64Histogram returns the value of a KindFloat64Histogram metric. It
// panics for other kinds.
func (v Value) Float64Histogram() *Float64Histogram {
	if v.kind != KindFloat64Histogram {
		panic("called Float64Histogram on non-Float64Histogram metric value")
	}
	return v.pointer
}

// Kind returns a tag representing the kind of value this is.
func (v Value) Kind() ValueKind {
	return v.kind
}

// Uint64 returns the value of a KindUint64 metric. It panics for other
// kinds.
func (v Value) Uint64() uint64 {
	if v.kind != KindUint64 {
		panic("called Uint64 on non-uint64 metric value")
	}
	return v.scalar
}

// ValueKind is a tag for a metric Value which indicates its type.
type ValueKind int

const (
	KindBad ValueKind = iota
	KindUint64
	KindFloat64
	KindFloat64Histogram
)
