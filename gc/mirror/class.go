package mirror

import "fmt"

// Class describes the shape of heap objects.
//
// Plain classes have NumRefs reference fields and DataSize bytes of primitive
// fields. Array classes either hold references (RefArray) or primitive
// elements of ComponentSize bytes each; their length is given at allocation
// time.
type Class struct {
	Descriptor string
	Loader     string

	NumRefs  int
	DataSize int

	ComponentSize int
	RefArray      bool

	// Finalize, when set, makes instances finalizable: the object is kept
	// alive after it becomes unreachable until Finalize has been run on it by
	// the finalizer daemon. It is called with the daemon thread outside of
	// its Run, so it may block; it must read and write o inside t.Run.
	Finalize func(t Runner, o *Object)
}

// Runner is a thread that can make itself runnable to touch heap objects.
type Runner interface {
	Run(fn func())
}

// IsArray reports whether this is an array class.
func (c *Class) IsArray() bool {
	return c.RefArray || c.ComponentSize > 0
}

// ElementSize returns the number of bytes each array element adds to an
// instance, or 0 for classes that are not arrays.
func (c *Class) ElementSize() int {
	n := c.ComponentSize
	if c.RefArray {
		n += ReferenceSize
	}
	return n
}

// RefSlots returns the number of reference slots of an instance.
func (c *Class) RefSlots(length int) int {
	if c.RefArray {
		return length
	}
	return c.NumRefs
}

// DataBytes returns the number of primitive payload bytes of an instance.
func (c *Class) DataBytes(length int) int {
	if c.ComponentSize > 0 {
		return c.ComponentSize * length
	}
	if c.RefArray {
		return 0
	}
	return c.DataSize
}

// ObjectSize returns the aligned allocation size of an instance with the given
// array length (ignored for non-array classes).
func (c *Class) ObjectSize(length int) uintptr {
	size := uintptr(HeaderSize) +
		uintptr(c.RefSlots(length))*ReferenceSize +
		uintptr(c.DataBytes(length))
	return AlignUp(size, ObjectAlignment)
}

// String returns the descriptor, qualified with the loader when it has one.
func (c *Class) String() string {
	if c.Loader == "" {
		return c.Descriptor
	}
	return fmt.Sprintf("%s(%s)", c.Descriptor, c.Loader)
}

// AlignUp rounds n up to a multiple of align, which must be a power of two.
func AlignUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}
