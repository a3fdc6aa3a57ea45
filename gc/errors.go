package gc

import (
	"errors"
	"fmt"

	"github.com/inhies/go-bytesize"
)

var (
	// ErrOutOfMemory is matched by every *OutOfMemoryError.
	ErrOutOfMemory = errors.New("gc: out of memory")

	// ErrHeapClosed is returned by calls made after Close.
	ErrHeapClosed = errors.New("gc: heap closed")
)

// OutOfMemoryError is returned by AllocObject when the request can not be
// satisfied even after every collection has been tried.
type OutOfMemoryError struct {
	Requested       uintptr
	FreeBytes       uint64 // free bytes in the current footprint
	UntilOOM        uint64 // bytes left before the growth limit
	LargestFree     uintptr
	TargetFootprint uint64
	GrowthLimit     uint64
}

func (e *OutOfMemoryError) Error() string {
	return fmt.Sprintf("gc: failed to allocate a %d byte allocation with %d free bytes and %s until OOM, target footprint %d, growth limit %d; largest contiguous free %d bytes",
		e.Requested, e.FreeBytes, bytesize.New(float64(e.UntilOOM)), e.TargetFootprint, e.GrowthLimit, e.LargestFree)
}

func (e *OutOfMemoryError) Is(target error) bool {
	return target == ErrOutOfMemory
}

// DuplicateClassError is returned when a class descriptor is registered a
// second time, typically by another class loader.
type DuplicateClassError struct {
	Descriptor     string
	Loader         string
	PreviousLoader string
}

func (e *DuplicateClassError) Error() string {
	return fmt.Sprintf("gc: attempt to register %s with class loader %q, already registered with class loader %q",
		e.Descriptor, e.Loader, e.PreviousLoader)
}

// BadReferenceError describes one inconsistency found by Verify.
type BadReferenceError struct {
	Space  string
	Holder uintptr // address of the object holding the reference, or 0
	Class  string
	Slot   int // reference slot, or -1 when the object itself is bad
	Target uintptr
	Reason string
}

func (e *BadReferenceError) Error() string {
	if e.Slot < 0 {
		return fmt.Sprintf("%s: object %#x (%s): %s", e.Space, e.Holder, e.Class, e.Reason)
	}
	return fmt.Sprintf("%s: object %#x (%s) slot %d -> %#x: %s", e.Space, e.Holder, e.Class, e.Slot, e.Target, e.Reason)
}

// VerifyError collects everything Verify found wrong with the heap.
type VerifyError struct {
	Errs []error
}

func (e *VerifyError) Error() string {
	if len(e.Errs) == 1 {
		return "gc: heap corruption: " + e.Errs[0].Error()
	}
	return fmt.Sprintf("gc: heap corruption: %d errors, first: %v", len(e.Errs), e.Errs[0])
}

func (e *VerifyError) Unwrap() []error {
	return e.Errs
}
