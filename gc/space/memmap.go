package space

import (
	"errors"
	"fmt"
	"unsafe"
)

// Protection is the access protection of a memory range.
type Protection int

const (
	ProtNone Protection = iota
	ProtRead
	ProtReadWrite
)

func (p Protection) String() string {
	switch p {
	case ProtNone:
		return "---"
	case ProtRead:
		return "r--"
	case ProtReadWrite:
		return "rw-"
	default:
		return "!err"
	}
}

var errUnmapped = errors.New("space: memory map already unmapped")

// MemMap is a range of reserved memory. The heap reserves one MemMap for all
// its spaces and hands out page aligned sub-ranges of it with Slice.
type MemMap struct {
	name   string
	mem    []byte
	prot   Protection
	parent *MemMap
}

// MapAnonymous reserves size bytes of zeroed, readable and writable memory.
// The size is rounded up to the page size.
func MapAnonymous(name string, size uintptr) (*MemMap, error) {
	if size == 0 {
		return nil, fmt.Errorf("space: cannot map %s with size 0", name)
	}
	size = roundUp(size, PageSize())
	mem, err := mapAnonymous(int(size))
	if err != nil {
		return nil, fmt.Errorf("space: map %s (%d bytes): %w", name, size, err)
	}
	return &MemMap{name: name, mem: mem, prot: ProtReadWrite}, nil
}

// Slice returns the sub-range [offset, offset+size) of m as its own MemMap.
// Both bounds must be page aligned. The sub-range is unmapped together with
// its parent.
func (m *MemMap) Slice(name string, offset, size uintptr) *MemMap {
	if offset%PageSize() != 0 || size%PageSize() != 0 {
		panic("space: unaligned memory map slice")
	}
	return &MemMap{
		name:   name,
		mem:    m.mem[offset : offset+size : offset+size],
		prot:   m.prot,
		parent: m,
	}
}

// Name returns the name given when the map was created.
func (m *MemMap) Name() string {
	return m.name
}

// Begin returns the address of the first byte of the map.
func (m *MemMap) Begin() uintptr {
	if len(m.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&m.mem[0]))
}

// End returns the address just past the map.
func (m *MemMap) End() uintptr {
	return m.Begin() + uintptr(len(m.mem))
}

// Size returns the size of the map in bytes.
func (m *MemMap) Size() uintptr {
	return uintptr(len(m.mem))
}

// Bytes returns the bytes at [addr, addr+size), which must lie inside the map.
func (m *MemMap) Bytes(addr, size uintptr) []byte {
	off := addr - m.Begin()
	return m.mem[off : off+size : off+size]
}

// Protection returns the current protection of the map.
func (m *MemMap) Protection() Protection {
	return m.prot
}

// Protect changes the access protection of the whole map.
func (m *MemMap) Protect(prot Protection) error {
	if m.mem == nil {
		return errUnmapped
	}
	if prot == m.prot {
		return nil
	}
	if err := protect(m.mem, prot); err != nil {
		return fmt.Errorf("space: protect %s %s: %w", m.name, prot, err)
	}
	m.prot = prot
	return nil
}

// Release tells the OS that the contents of the map are no longer needed. The
// memory stays reserved; its contents are undefined afterwards, so allocators
// zero blocks when they hand them out.
func (m *MemMap) Release() error {
	if m.mem == nil {
		return errUnmapped
	}
	if m.prot == ProtNone {
		// Nothing can be read back anyway.
		return nil
	}
	return release(m.mem)
}

// Unmap returns the memory to the OS. Sub-ranges created with Slice can not
// be unmapped on their own.
func (m *MemMap) Unmap() error {
	if m.parent != nil {
		return fmt.Errorf("space: cannot unmap slice %s of %s", m.name, m.parent.name)
	}
	if m.mem == nil {
		return errUnmapped
	}
	err := unmap(m.mem)
	m.mem = nil
	return err
}

func roundUp(n, align uintptr) uintptr {
	return (n + align - 1) / align * align
}

func roundDown(n, align uintptr) uintptr {
	return n / align * align
}
