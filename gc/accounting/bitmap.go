// Package accounting holds the side tables the collector keeps next to the
// heap spaces: mark bitmaps, the card table used by the write barrier, and the
// native allocation ledger.
package accounting

import (
	"math/bits"
	"sync/atomic"
)

// Bitmap has one bit per ObjectAlignment-sized granule of an address range.
// Setting and testing bits is safe for concurrent use.
type Bitmap struct {
	name  string
	begin uintptr
	limit uintptr
	align uintptr
	words []atomic.Uint64
}

const wordBits = 64

// NewBitmap creates a bitmap covering [begin, end) with one bit per align
// bytes. align must be a power of two.
func NewBitmap(name string, begin, end, align uintptr) *Bitmap {
	granules := (end - begin + align - 1) / align
	return &Bitmap{
		name:  name,
		begin: begin,
		limit: end,
		align: align,
		words: make([]atomic.Uint64, (granules+wordBits-1)/wordBits),
	}
}

func (b *Bitmap) Name() string { return b.name }
func (b *Bitmap) Begin() uintptr { return b.begin }
func (b *Bitmap) End() uintptr { return b.limit }

// HasAddress reports whether addr is covered by the bitmap.
func (b *Bitmap) HasAddress(addr uintptr) bool {
	return addr >= b.begin && addr < b.limit
}

func (b *Bitmap) index(addr uintptr) (word int, mask uint64) {
	if !b.HasAddress(addr) {
		panic("accounting: address outside of bitmap " + b.name)
	}
	granule := (addr - b.begin) / b.align
	return int(granule / wordBits), 1 << (granule % wordBits)
}

// Set sets the bit for addr and reports whether it was already set.
func (b *Bitmap) Set(addr uintptr) bool {
	w, mask := b.index(addr)
	word := &b.words[w]
	for {
		old := word.Load()
		if old&mask != 0 {
			return true
		}
		if word.CompareAndSwap(old, old|mask) {
			return false
		}
	}
}

// Clear clears the bit for addr.
func (b *Bitmap) Clear(addr uintptr) {
	w, mask := b.index(addr)
	word := &b.words[w]
	for {
		old := word.Load()
		if old&mask == 0 || word.CompareAndSwap(old, old&^mask) {
			return
		}
	}
}

// Test reports whether the bit for addr is set.
func (b *Bitmap) Test(addr uintptr) bool {
	w, mask := b.index(addr)
	return b.words[w].Load()&mask != 0
}

// ClearAll clears every bit.
func (b *Bitmap) ClearAll() {
	for i := range b.words {
		b.words[i].Store(0)
	}
}

// Count returns the number of set bits.
func (b *Bitmap) Count() int {
	var n int
	for i := range b.words {
		n += bits.OnesCount64(b.words[i].Load())
	}
	return n
}

// Walk calls fn with the address of every set bit in [begin, end), in address
// order.
func (b *Bitmap) Walk(begin, end uintptr, fn func(addr uintptr)) {
	if begin < b.begin {
		begin = b.begin
	}
	if end > b.limit {
		end = b.limit
	}
	if begin >= end {
		return
	}
	first := (begin - b.begin) / b.align
	last := (end - b.begin + b.align - 1) / b.align
	for w := first / wordBits; w <= (last-1)/wordBits; w++ {
		word := b.words[w].Load()
		for word != 0 {
			bit := uintptr(bits.TrailingZeros64(word))
			word &= word - 1
			granule := w*wordBits + bit
			if granule < first || granule >= last {
				continue
			}
			fn(b.begin + granule*b.align)
		}
	}
}

// CopyFrom makes b an exact copy of other, which must cover the same range.
func (b *Bitmap) CopyFrom(other *Bitmap) {
	if b.begin != other.begin || len(b.words) != len(other.words) {
		panic("accounting: copy between bitmaps of different ranges")
	}
	for i := range b.words {
		b.words[i].Store(other.words[i].Load())
	}
}
