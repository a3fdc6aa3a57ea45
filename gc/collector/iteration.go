package collector

import (
	"sync"
	"time"
)

// Iteration is the bookkeeping of one collection.
type Iteration struct {
	Type      GcType
	Plan      Type
	Cause     Cause
	ClearSoft bool

	Start     time.Time
	Duration  time.Duration
	Pauses    []time.Duration
	PauseEnds []time.Time // when each pause ended

	FreedObjects      uint64
	FreedBytes        uint64
	FreedLargeObjects uint64
	FreedLargeBytes   uint64
	MovedObjects      uint64
	MovedBytes        uint64

	// ClearedReferences counts soft, weak and phantom references cleared.
	ClearedReferences int
	// Finalizable counts the objects handed to the finalizer daemon.
	Finalizable int
}

// Reset starts the bookkeeping for a new collection.
func (it *Iteration) Reset(t GcType, plan Type, cause Cause, clearSoft bool) {
	*it = Iteration{
		Type:      t,
		Plan:      plan,
		Cause:     cause,
		ClearSoft: clearSoft,
		Start:     time.Now(),
	}
}

// Finish records the duration of the collection.
func (it *Iteration) Finish() {
	it.Duration = time.Since(it.Start)
}

// RecordFree adds freed objects and bytes in the moving or non-moving spaces.
func (it *Iteration) RecordFree(objects, bytes uint64) {
	it.FreedObjects += objects
	it.FreedBytes += bytes
}

// RecordFreeLOS adds freed objects and bytes in the large object space.
func (it *Iteration) RecordFreeLOS(objects, bytes uint64) {
	it.FreedLargeObjects += objects
	it.FreedLargeBytes += bytes
}

// AddPause records a stop-the-world pause.
func (it *Iteration) AddPause(d time.Duration) {
	it.Pauses = append(it.Pauses, d)
	it.PauseEnds = append(it.PauseEnds, time.Now())
}

// TotalPause returns the sum of all pauses.
func (it *Iteration) TotalPause() time.Duration {
	var total time.Duration
	for _, p := range it.Pauses {
		total += p
	}
	return total
}

// Cumulative accumulates the iterations of a heap.
type Cumulative struct {
	mu sync.Mutex

	count      uint64
	totalTime  time.Duration
	totalPause time.Duration
	freedBytes uint64
	freedObjs  uint64
	byCause    map[Cause]uint64

	// pauses keeps the most recent pauses and when they ended, newest
	// first.
	pauses    []time.Duration
	pauseEnds []time.Time
	last      time.Time
}

// maxRecentPauses bounds the pause history.
const maxRecentPauses = 256

// Add folds a finished iteration into the totals.
func (c *Cumulative) Add(it *Iteration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byCause == nil {
		c.byCause = make(map[Cause]uint64)
	}
	c.count++
	c.totalTime += it.Duration
	c.totalPause += it.TotalPause()
	c.freedBytes += it.FreedBytes + it.FreedLargeBytes
	c.freedObjs += it.FreedObjects + it.FreedLargeObjects
	c.byCause[it.Cause]++
	c.last = it.Start.Add(it.Duration)
	for i, p := range it.Pauses {
		c.pauses = append([]time.Duration{p}, c.pauses...)
		end := c.last
		if i < len(it.PauseEnds) {
			end = it.PauseEnds[i]
		}
		c.pauseEnds = append([]time.Time{end}, c.pauseEnds...)
	}
	if len(c.pauses) > maxRecentPauses {
		c.pauses = c.pauses[:maxRecentPauses]
		c.pauseEnds = c.pauseEnds[:maxRecentPauses]
	}
}

// Stats is a snapshot of Cumulative.
type Stats struct {
	Count      uint64
	TotalTime  time.Duration
	TotalPause time.Duration
	FreedBytes uint64
	FreedObjs  uint64
	ByCause    map[Cause]uint64
	Pauses     []time.Duration // newest first
	PauseEnds  []time.Time     // parallel to Pauses
	LastGC     time.Time
}

// Snapshot returns a copy of the totals.
func (c *Cumulative) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Count:      c.count,
		TotalTime:  c.totalTime,
		TotalPause: c.totalPause,
		FreedBytes: c.freedBytes,
		FreedObjs:  c.freedObjs,
		ByCause:    make(map[Cause]uint64, len(c.byCause)),
		Pauses:     append([]time.Duration(nil), c.pauses...),
		PauseEnds:  append([]time.Time(nil), c.pauseEnds...),
		LastGC:     c.last,
	}
	for k, v := range c.byCause {
		s.ByCause[k] = v
	}
	return s
}
