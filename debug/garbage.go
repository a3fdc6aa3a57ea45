// Package debug exposes collector statistics and tuning knobs of a heap, in
// the shape of runtime/debug.
package debug

import (
	"io"
	"math"
	"slices"
	"time"

	"github.com/andypeng2015/heapcore/gc"
	"github.com/andypeng2015/heapcore/gc/collector"
	"github.com/andypeng2015/heapcore/hprof"
)

// GCStats collect information about recent garbage collections.
type GCStats struct {
	LastGC         time.Time       // time of last collection
	NumGC          int64           // number of garbage collections
	PauseTotal     time.Duration   // total pause for all collections
	Pause          []time.Duration // pause history, most recent first
	PauseEnd       []time.Time     // pause end times history, most recent first
	PauseQuantiles []time.Duration
}

// ReadGCStats reads statistics about the collections of h into stats.
// The number of entries in the pause history is bounded by the heap. If
// stats.PauseQuantiles is non-empty, ReadGCStats fills it with quantiles
// summarizing the distribution of pause time: for a slice of five elements,
// the minimum, 25%, 50%, 75%, and maximum pause times.
func ReadGCStats(h *gc.Heap, stats *GCStats) {
	s := h.GCStats()
	stats.LastGC = s.LastGC
	stats.NumGC = int64(s.Count)
	stats.PauseTotal = s.TotalPause
	stats.Pause = append(stats.Pause[:0], s.Pauses...)
	stats.PauseEnd = append(stats.PauseEnd[:0], s.PauseEnds...)

	if n := len(stats.PauseQuantiles); n > 0 {
		sorted := slices.Clone(s.Pauses)
		slices.Sort(sorted)
		for i := range stats.PauseQuantiles {
			if len(sorted) == 0 {
				stats.PauseQuantiles[i] = 0
				continue
			}
			j := 0
			if n > 1 {
				j = i * (len(sorted) - 1) / (n - 1)
			}
			stats.PauseQuantiles[i] = sorted[j]
		}
	}
}

// FreeOSMemory forces a collection that clears soft references and then
// returns as much memory to the operating system as possible. It returns
// the number of bytes released.
func FreeOSMemory(h *gc.Heap) uintptr {
	h.CollectGarbage(collector.CauseExplicit, true)
	_, released := h.Trim()
	return released
}

// SetMemoryLimit caps the footprint of h at limit bytes and returns the
// previous limit. The limit is never set below what is allocated nor above
// the heap capacity. A negative limit only reads the current one.
func SetMemoryLimit(h *gc.Heap, limit int64) int64 {
	prev := h.GrowthLimit()
	if limit >= 0 {
		h.ClampGrowthLimit(uint64(limit))
	}
	return int64(min(prev, math.MaxInt64))
}

// WriteHeapDump writes an HPROF dump of h to w.
func WriteHeapDump(h *gc.Heap, w io.Writer) error {
	_, err := hprof.Dump(h, w)
	return err
}
