package accounting

import "sync/atomic"

// NativeLedger counts bytes registered as native allocations. Bytes
// registered since the last collection started are "new"; the collector folds
// them into "old" when it starts, so the new counter measures how much native
// memory was allocated since the previous collection had a chance to free any.
type NativeLedger struct {
	newBytes atomic.Uint64
	oldBytes atomic.Uint64
}

// Register adds bytes to the new counter and returns the value the counter
// had before.
func (l *NativeLedger) Register(bytes uint64) (before uint64) {
	return l.newBytes.Add(bytes) - bytes
}

// Free takes bytes out of the new counter first, and the remainder out of
// the old one. Neither counter drops below zero; bytes freed in excess of
// what was registered are ignored.
func (l *NativeLedger) Free(bytes uint64) {
	var fromNew uint64
	for {
		allocated := l.newBytes.Load()
		fromNew = min(allocated, bytes)
		if l.newBytes.CompareAndSwap(allocated, allocated-fromNew) {
			break
		}
	}
	rest := bytes - fromNew
	if rest == 0 {
		return
	}
	for {
		old := l.oldBytes.Load()
		if l.oldBytes.CompareAndSwap(old, old-min(old, rest)) {
			return
		}
	}
}

// Fold moves every new byte to the old counter.
func (l *NativeLedger) Fold() {
	l.oldBytes.Add(l.newBytes.Swap(0))
}

// New returns the bytes registered since the last Fold.
func (l *NativeLedger) New() uint64 {
	return l.newBytes.Load()
}

// Old returns the bytes registered before the last Fold and not yet freed.
func (l *NativeLedger) Old() uint64 {
	return l.oldBytes.Load()
}

// Total returns all registered bytes not yet freed.
func (l *NativeLedger) Total() uint64 {
	return l.newBytes.Load() + l.oldBytes.Load()
}
