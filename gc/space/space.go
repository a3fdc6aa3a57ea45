// Package space implements the heap spaces objects are allocated in.
//
// Every space manages one contiguous MemMap. The free list space is a
// block-based allocator with a two-level free range list (used for the main
// non-moving space, its compaction backup, and with page sized blocks for
// large objects); the bump pointer space is used by the copying collector.
//
// Spaces only manage addresses. Which object lives at an address is tracked
// by the heap.
package space

// Kind identifies the allocation strategy of a space.
type Kind uint8

const (
	KindFreeList Kind = iota
	KindBumpPointer
	KindLargeObject
)

func (k Kind) String() string {
	switch k {
	case KindFreeList:
		return "free-list"
	case KindBumpPointer:
		return "bump-pointer"
	case KindLargeObject:
		return "large-object"
	default:
		return "!err"
	}
}

// Space is a region of memory objects are allocated in.
type Space interface {
	Name() string
	Kind() Kind

	// MemMap returns the memory backing the space.
	MemMap() *MemMap

	Begin() uintptr
	End() uintptr
	Contains(addr uintptr) bool

	// Alloc returns the address of a zeroed block of at least size bytes, or
	// false if the space has no room for it.
	Alloc(size uintptr) (addr uintptr, ok bool)

	// Bytes returns the memory of the block at addr.
	Bytes(addr, size uintptr) []byte

	// Walk calls fn with the address of every allocated block in [begin,
	// end), in address order.
	Walk(begin, end uintptr, fn func(addr uintptr))

	// Clear frees every allocation at once.
	Clear()

	BytesAllocated() uint64
	ObjectsAllocated() uint64

	// CanMoveObjects reports whether objects in this space may be relocated
	// by a compacting collection.
	CanMoveObjects() bool
}

