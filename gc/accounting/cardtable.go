package accounting

import "sync/atomic"

// CardSize is the number of heap bytes covered by one card.
const CardSize = 128

// Card values.
const (
	CardClean uint32 = 0
	CardDirty uint32 = 0x70
	// CardAged is what a dirty card becomes when a collection starts. A
	// sticky collection still scans aged cards: they hold the references
	// stored since the previous collection started.
	CardAged uint32 = CardDirty - 1
)

// CardTable records which parts of the heap had a reference stored into them
// since the card was last cleaned. The write barrier dirties the card of the
// object being written to; the collector rescans dirty cards in its pause.
type CardTable struct {
	begin uintptr
	limit uintptr
	cards []atomic.Uint32
}

// NewCardTable creates a card table covering [begin, end).
func NewCardTable(begin, end uintptr) *CardTable {
	return &CardTable{
		begin: begin,
		limit: end,
		cards: make([]atomic.Uint32, (end-begin+CardSize-1)/CardSize),
	}
}

func (ct *CardTable) card(addr uintptr) *atomic.Uint32 {
	if addr < ct.begin || addr >= ct.limit {
		panic("accounting: address outside of card table")
	}
	return &ct.cards[(addr-ct.begin)/CardSize]
}

// MarkCard dirties the card holding addr.
func (ct *CardTable) MarkCard(addr uintptr) {
	c := ct.card(addr)
	if c.Load() != CardDirty {
		c.Store(CardDirty)
	}
}

// IsDirty reports whether the card holding addr is dirty.
func (ct *CardTable) IsDirty(addr uintptr) bool {
	return ct.card(addr).Load() == CardDirty
}

// AgeCards turns every dirty card into an aged one, and every aged card into
// a clean one.
func (ct *CardTable) AgeCards() {
	for i := range ct.cards {
		switch ct.cards[i].Load() {
		case CardDirty:
			ct.cards[i].CompareAndSwap(CardDirty, CardAged)
		case CardAged:
			ct.cards[i].CompareAndSwap(CardAged, CardClean)
		}
	}
}

// Scan calls fn with the bounds of every card in [begin, end) whose value is
// at least minValue, and returns the number of such cards.
func (ct *CardTable) Scan(begin, end uintptr, minValue uint32, fn func(cardBegin, cardEnd uintptr)) int {
	if begin < ct.begin {
		begin = ct.begin
	}
	if end > ct.limit {
		end = ct.limit
	}
	var n int
	for addr := ct.begin + (begin-ct.begin)/CardSize*CardSize; addr < end; addr += CardSize {
		if ct.card(addr).Load() >= minValue {
			fn(addr, addr+CardSize)
			n++
		}
	}
	return n
}

// ClearAll cleans every card.
func (ct *CardTable) ClearAll() {
	for i := range ct.cards {
		ct.cards[i].Store(CardClean)
	}
}
