package space

// The free list space is a textbook block allocator, heavily inspired by the
// MicroPython memory manager.
//
// The space is split in blocks of blockSize bytes. Every allocation is rounded
// up to a whole number of blocks. The first block of an allocation is its
// "head", the following ones are "tail" blocks, so that the start and the end
// of every allocation can be found from the block states alone. The states are
// kept in a metadata array next to the memory, 2 bits per block.
//
// During a sweep the heap marks the head of every live allocation. Sweeping
// then frees every unmarked head with its tail blocks, and unmarks the marked
// heads for the next cycle.
//
// Free blocks are tracked in a list of free ranges, grouped by length, which
// is rebuilt from the block states after every sweep.

import (
	"sort"
	"sync"
)

// blockState stores the four states in which a block can be.
// It holds 1 bit in each nibble.
// When stored into a state byte, each bit in a nibble corresponds to a different block.
// For blocks A-D, a state byte would be laid out as 0bDCBA_DCBA.
type blockState uint8

const (
	stateBits          = 2
	blocksPerStateByte = 8 / stateBits

	blockStateLow  blockState = 1
	blockStateHigh blockState = 1 << blocksPerStateByte

	blockStateFree blockState = 0
	blockStateHead blockState = blockStateLow
	blockStateTail blockState = blockStateHigh
	blockStateMark blockState = blockStateLow | blockStateHigh
	blockStateMask blockState = blockStateLow | blockStateHigh
)

// blockStateEach is a mask that can be used to extract a nibble from the block state.
const blockStateEach = 1<<blocksPerStateByte - 1

// String returns a human-readable version of the block state, for debugging.
func (s blockState) String() string {
	switch s {
	case blockStateFree:
		return "free"
	case blockStateHead:
		return "head"
	case blockStateTail:
		return "tail"
	case blockStateMark:
		return "mark"
	default:
		// must never happen
		return "!err"
	}
}

// The block number in the space.
type gcBlock uintptr

// freeRange is one entry of the free range list: all free ranges of a given
// length, by start block.
type freeRange struct {
	len    uintptr
	starts []gcBlock
}

// FreeListSpace is a non-moving (unless marked movable) block allocator.
type FreeListSpace struct {
	name      string
	kind      Kind
	mem       *MemMap
	blockSize uintptr
	movable   bool

	mu         sync.Mutex
	metadata   []byte
	endBlock   gcBlock
	freeRanges []freeRange // sorted by len

	bytesAllocated   uint64
	objectsAllocated uint64
}

// NewFreeListSpace creates a free list space over mem with blocks of
// blockSize bytes, which must be a power of two.
func NewFreeListSpace(name string, mem *MemMap, blockSize uintptr, movable bool) *FreeListSpace {
	numBlocks := mem.Size() / blockSize
	s := &FreeListSpace{
		name:      name,
		kind:      KindFreeList,
		mem:       mem,
		blockSize: blockSize,
		movable:   movable,
		metadata:  make([]byte, (numBlocks+blocksPerStateByte-1)/blocksPerStateByte),
		endBlock:  gcBlock(numBlocks),
	}
	s.buildFreeRanges()
	return s
}

// NewLargeObjectSpace creates the space for large objects: a free list space
// with page sized blocks whose objects never move.
func NewLargeObjectSpace(name string, mem *MemMap) *FreeListSpace {
	s := NewFreeListSpace(name, mem, PageSize(), false)
	s.kind = KindLargeObject
	return s
}

func (s *FreeListSpace) Name() string { return s.name }
func (s *FreeListSpace) Kind() Kind { return s.kind }
func (s *FreeListSpace) MemMap() *MemMap { return s.mem }
func (s *FreeListSpace) Begin() uintptr { return s.mem.Begin() }
func (s *FreeListSpace) End() uintptr { return s.mem.End() }
func (s *FreeListSpace) CanMoveObjects() bool { return s.movable }
func (s *FreeListSpace) BlockSize() uintptr { return s.blockSize }
func (s *FreeListSpace) Bytes(addr, size uintptr) []byte { return s.mem.Bytes(addr, size) }

// Contains reports whether addr lies inside the space.
func (s *FreeListSpace) Contains(addr uintptr) bool {
	return addr >= s.Begin() && addr < s.End()
}

func (s *FreeListSpace) BytesAllocated() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesAllocated
}

func (s *FreeListSpace) ObjectsAllocated() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objectsAllocated
}

// blockFromAddr returns a block given an address in the space.
func (s *FreeListSpace) blockFromAddr(addr uintptr) gcBlock {
	return gcBlock((addr - s.Begin()) / s.blockSize)
}

// address returns the address of the start of the block.
func (s *FreeListSpace) address(b gcBlock) uintptr {
	return s.Begin() + uintptr(b)*s.blockSize
}

// Return the block state given a state byte. The state byte must have been
// obtained from the metadata of the same block, otherwise the result is
// incorrect.
func (b gcBlock) stateFromByte(stateByte byte) blockState {
	return blockState(stateByte>>(b%blocksPerStateByte)) & blockStateMask
}

func (s *FreeListSpace) state(b gcBlock) blockState {
	return b.stateFromByte(s.metadata[b/blocksPerStateByte])
}

// setState sets the block to the given state, which must contain more bits
// than the current state. Allowed transitions: from free to any state and from
// head to mark.
func (s *FreeListSpace) setState(b gcBlock, newState blockState) {
	s.metadata[b/blocksPerStateByte] |= uint8(newState << (b % blocksPerStateByte))
}

// findNext returns the first block just past the end of the tail. This may or
// may not be the head of an object.
func (s *FreeListSpace) findNext(b gcBlock) gcBlock {
	if st := s.state(b); st == blockStateHead || st == blockStateMark {
		b++
	}
	for b < s.endBlock && s.state(b) == blockStateTail {
		b++
	}
	return b
}

// insertFreeRange inserts a range of n blocks starting at start.
func (s *FreeListSpace) insertFreeRange(start gcBlock, n uintptr) {
	i := sort.Search(len(s.freeRanges), func(i int) bool {
		return s.freeRanges[i].len >= n
	})
	if i < len(s.freeRanges) && s.freeRanges[i].len == n {
		s.freeRanges[i].starts = append(s.freeRanges[i].starts, start)
		return
	}
	s.freeRanges = append(s.freeRanges, freeRange{})
	copy(s.freeRanges[i+1:], s.freeRanges[i:])
	s.freeRanges[i] = freeRange{len: n, starts: []gcBlock{start}}
}

// popFreeRange removes a range of n blocks from the free list. It returns
// false if there are no sufficiently long ranges.
func (s *FreeListSpace) popFreeRange(n uintptr) (gcBlock, bool) {
	i := sort.Search(len(s.freeRanges), func(i int) bool {
		return s.freeRanges[i].len >= n
	})
	if i == len(s.freeRanges) {
		// No ranges are long enough.
		return 0, false
	}
	r := &s.freeRanges[i]
	removedLen := r.len
	start := r.starts[len(r.starts)-1]
	r.starts = r.starts[:len(r.starts)-1]
	if len(r.starts) == 0 {
		s.freeRanges = append(s.freeRanges[:i], s.freeRanges[i+1:]...)
	}
	if removedLen > n {
		// Insert the leftover range.
		s.insertFreeRange(start+gcBlock(n), removedLen-n)
	}
	return start, true
}

// Alloc allocates a zeroed block of at least size bytes.
func (s *FreeListSpace) Alloc(size uintptr) (uintptr, bool) {
	if size == 0 {
		size = 1
	}
	neededBlocks := (size + s.blockSize - 1) / s.blockSize

	s.mu.Lock()
	block, ok := s.popFreeRange(neededBlocks)
	if !ok {
		s.mu.Unlock()
		return 0, false
	}
	s.setState(block, blockStateHead)
	for i := block + 1; i != block+gcBlock(neededBlocks); i++ {
		s.setState(i, blockStateTail)
	}
	s.bytesAllocated += uint64(neededBlocks * s.blockSize)
	s.objectsAllocated++
	s.mu.Unlock()

	addr := s.address(block)
	clear(s.mem.Bytes(addr, neededBlocks*s.blockSize))
	return addr, true
}

// AllocationSize returns the usable size of the allocation at addr.
func (s *FreeListSpace) AllocationSize(addr uintptr) uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	head := s.blockFromAddr(addr)
	return uintptr(s.findNext(head)-head) * s.blockSize
}

// IsAllocated reports whether addr is the start of an allocation.
func (s *FreeListSpace) IsAllocated(addr uintptr) bool {
	if !s.Contains(addr) || (addr-s.Begin())%s.blockSize != 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(s.blockFromAddr(addr))
	return st == blockStateHead || st == blockStateMark
}

// Walk calls fn for every allocation head in [begin, end). The space is
// locked while walking, so fn must not allocate or free in this space.
func (s *FreeListSpace) Walk(begin, end uintptr, fn func(addr uintptr)) {
	if begin < s.Begin() {
		begin = s.Begin()
	}
	if end > s.End() {
		end = s.End()
	}
	if begin >= end {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.blockFromAddr(end - 1)
	for b := s.blockFromAddr(begin); b <= last; b++ {
		stateByte := s.metadata[b/blocksPerStateByte]
		if stateByte == 0 && b%blocksPerStateByte == 0 {
			// Four free blocks in a row.
			b += blocksPerStateByte - 1
			continue
		}
		if st := b.stateFromByte(stateByte); st == blockStateHead || st == blockStateMark {
			fn(s.address(b))
		}
	}
}

// Sweep frees every allocation for which live returns false, and returns the
// number of objects and bytes freed.
func (s *FreeListSpace) Sweep(live func(addr uintptr) bool) (freedObjects, freedBytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for b := gcBlock(0); b < s.endBlock; b++ {
		if s.state(b) == blockStateHead && live(s.address(b)) {
			s.setState(b, blockStateMark)
		}
	}
	s.sweep()

	objects, bytes := s.countLive()
	freedObjects = s.objectsAllocated - objects
	freedBytes = s.bytesAllocated - bytes
	s.objectsAllocated = objects
	s.bytesAllocated = bytes
	s.buildFreeRanges()
	return freedObjects, freedBytes
}

// sweep goes through all block states, frees unmarked allocations and unmarks
// marked heads.
func (s *FreeListSpace) sweep() {
	var carry byte
	for i, stateByte := range s.metadata {
		// Separate blocks by type.
		// Split the nibbles.
		// Each nibble is a mask of blocks.
		high := stateByte >> blocksPerStateByte
		low := stateByte & blockStateEach
		// Marked heads are in both nibbles.
		markedHeads := low & high
		// Unmarked heads are in the low nibble but not the high nibble.
		unmarkedHeads := low &^ high
		// Tails are in the high nibble but not the low nibble.
		tails := high &^ low

		// Clear all tail runs after unmarked (freed) heads.
		//
		// Adding 1 to the start of a bit run will clear the run and set the next bit:
		//   (2^k - 1) + 1 = 2^k
		//   e.g. 0b0011 + 1 = 0b0100
		// Bitwise-and with the original mask to clear the newly set bit.
		//   e.g. (0b0011 + 1) & 0b0011 = 0b0100 & 0b0011 = 0b0000
		// This will not clear bits after the run because the gap stops the carry:
		//   e.g. (0b1011 + 1) & 0b1011 = 0b1100 & 0b1011 = 0b1000
		// A head is not a tail, so the missing tail bit of a following head
		// stops the carry from a previous tail run.
		//
		// Treat the whole space as a single pair of integer masks by carrying
		// the overflow to the next state byte.
		tailClear := tails + (unmarkedHeads << 1) + carry
		carry = tailClear >> blocksPerStateByte
		tails &= tailClear

		// Construct the new state byte.
		s.metadata[i] = markedHeads | (tails << blocksPerStateByte)
	}
}

// count4LUT is a lookup table used to count set bits in a 4-bit mask.
var count4LUT = [16]uint8{
	0b0000: 0,
	0b0001: 1,
	0b0010: 1,
	0b0011: 2,
	0b0100: 1,
	0b0101: 2,
	0b0110: 2,
	0b0111: 3,
	0b1000: 1,
	0b1001: 2,
	0b1010: 2,
	0b1011: 3,
	0b1100: 2,
	0b1101: 3,
	0b1110: 3,
	0b1111: 4,
}

// countLive counts live heads and blocks. Must be called outside of a sweep,
// when no block is marked.
func (s *FreeListSpace) countLive() (objects, bytes uint64) {
	var heads, tails uint64
	for _, stateByte := range s.metadata {
		heads += uint64(count4LUT[stateByte&blockStateEach])
		tails += uint64(count4LUT[stateByte>>blocksPerStateByte])
	}
	return heads, (heads + tails) * uint64(s.blockSize)
}

// buildFreeRanges rebuilds the free range list and returns how many bytes are
// free in the space.
func (s *FreeListSpace) buildFreeRanges() uintptr {
	s.freeRanges = s.freeRanges[:0]
	block := s.endBlock
	var totalBlocks uintptr
	for {
		// Skip backwards over occupied blocks.
		for block > 0 && s.state(block-1) != blockStateFree {
			block--
		}
		if block == 0 {
			break
		}

		// Find the start of the free range.
		end := block
		for block > 0 && s.state(block-1) == blockStateFree {
			block--
		}

		// Insert the free range.
		n := uintptr(end - block)
		totalBlocks += n
		s.insertFreeRange(block, n)
	}
	return totalBlocks * s.blockSize
}

// FreeBytes returns the number of bytes in free ranges.
func (s *FreeListSpace) FreeBytes() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total uintptr
	for _, r := range s.freeRanges {
		total += r.len * uintptr(len(r.starts))
	}
	return total * s.blockSize
}

// LargestFreeRange returns the size of the largest free range in bytes.
func (s *FreeListSpace) LargestFreeRange() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.freeRanges) == 0 {
		return 0
	}
	return s.freeRanges[len(s.freeRanges)-1].len * s.blockSize
}

// Trim returns the whole pages of every free range to the OS and returns how
// many bytes it released.
func (s *FreeListSpace) Trim() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	page := PageSize()
	var released uintptr
	for _, r := range s.freeRanges {
		for _, start := range r.starts {
			begin := roundUp(s.address(start), page)
			end := roundDown(s.address(start)+r.len*s.blockSize, page)
			if end <= begin {
				continue
			}
			if s.mem.Slice("trim", begin-s.mem.Begin(), end-begin).Release() == nil {
				released += end - begin
			}
		}
	}
	return released
}

// Clear frees every allocation in the space.
func (s *FreeListSpace) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.metadata)
	s.bytesAllocated = 0
	s.objectsAllocated = 0
	s.buildFreeRanges()
	s.mem.Release()
}

