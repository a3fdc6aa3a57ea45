package space

import (
	"sort"
	"sync"

	"github.com/andypeng2015/heapcore/gc/mirror"
)

// BumpPointerSpace allocates by bumping a pointer. Individual objects can not
// be freed: the copying collector evacuates the live objects to the other
// semi-space and then clears this one.
type BumpPointerSpace struct {
	name string
	mem  *MemMap

	mu      sync.Mutex
	pos     uintptr
	objects []uintptr // addresses in allocation (and therefore address) order
	bytes   uint64
}

// NewBumpPointerSpace creates a bump pointer space over mem.
func NewBumpPointerSpace(name string, mem *MemMap) *BumpPointerSpace {
	return &BumpPointerSpace{
		name: name,
		mem:  mem,
		pos:  mem.Begin(),
	}
}

func (s *BumpPointerSpace) Name() string { return s.name }
func (s *BumpPointerSpace) Kind() Kind { return KindBumpPointer }
func (s *BumpPointerSpace) MemMap() *MemMap { return s.mem }
func (s *BumpPointerSpace) Begin() uintptr { return s.mem.Begin() }
func (s *BumpPointerSpace) End() uintptr { return s.mem.End() }
func (s *BumpPointerSpace) CanMoveObjects() bool { return true }
func (s *BumpPointerSpace) Bytes(addr, size uintptr) []byte { return s.mem.Bytes(addr, size) }

// Contains reports whether addr lies inside the space.
func (s *BumpPointerSpace) Contains(addr uintptr) bool {
	return addr >= s.Begin() && addr < s.End()
}

// Alloc allocates size bytes, rounded up to the object alignment.
func (s *BumpPointerSpace) Alloc(size uintptr) (uintptr, bool) {
	size = mirror.AlignUp(size, mirror.ObjectAlignment)
	s.mu.Lock()
	addr := s.pos
	if size > s.End()-addr {
		s.mu.Unlock()
		return 0, false
	}
	s.pos += size
	s.objects = append(s.objects, addr)
	s.bytes += uint64(size)
	s.mu.Unlock()

	clear(s.mem.Bytes(addr, size))
	return addr, true
}

// Walk calls fn for every object in [begin, end).
func (s *BumpPointerSpace) Walk(begin, end uintptr, fn func(addr uintptr)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.Search(len(s.objects), func(i int) bool {
		return s.objects[i] >= begin
	})
	for ; i < len(s.objects) && s.objects[i] < end; i++ {
		fn(s.objects[i])
	}
}

// Clear resets the space to empty.
func (s *BumpPointerSpace) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos = s.Begin()
	s.objects = nil
	s.bytes = 0
	s.mem.Release()
}

func (s *BumpPointerSpace) BytesAllocated() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

func (s *BumpPointerSpace) ObjectsAllocated() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.objects))
}

// Remaining returns the number of bytes left before the end of the space.
func (s *BumpPointerSpace) Remaining() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.End() - s.pos
}
