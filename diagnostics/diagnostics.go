// Package diagnostics formats heap verification errors and prints them in a
// consistent way.
package diagnostics

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/andypeng2015/heapcore/gc"
)

// A single diagnostic.
type Diagnostic struct {
	// Holder is the address of the bad object, or of the object holding the
	// bad reference. Zero when the problem is not tied to an object.
	Holder uintptr
	Class  string

	// Slot and Target are the reference slot and the address it points to.
	// Slot is -1 when the object itself is bad.
	Slot   int
	Target uintptr

	Msg string
}

// All diagnostics of one space. Diagnostics that can't be attributed to a
// space are grouped under an empty name.
type SpaceDiagnostic struct {
	Space       string
	Diagnostics []Diagnostic
}

// Diagnostics of a whole heap, one entry per space that has any.
type HeapDiagnostic []SpaceDiagnostic

// CreateDiagnostics reads the underlying errors in the error returned by
// gc.Heap.Verify and creates a set of diagnostics that's sorted by space and
// address and can be readily printed.
func CreateDiagnostics(err error) HeapDiagnostic {
	if err == nil {
		return nil
	}
	var errs []error
	var verr *gc.VerifyError
	if errors.As(err, &verr) {
		errs = verr.Errs
	} else {
		errs = []error{err}
	}

	bySpace := make(map[string]*SpaceDiagnostic)
	for _, err := range errs {
		space, diag := createDiagnostic(err)
		sd := bySpace[space]
		if sd == nil {
			sd = &SpaceDiagnostic{Space: space}
			bySpace[space] = sd
		}
		sd.Diagnostics = append(sd.Diagnostics, diag)
	}

	var heapDiag HeapDiagnostic
	for _, sd := range bySpace {
		// Sort these diagnostics by address and slot.
		sort.SliceStable(sd.Diagnostics, func(i, j int) bool {
			a, b := sd.Diagnostics[i], sd.Diagnostics[j]
			if a.Holder != b.Holder {
				return a.Holder < b.Holder
			}
			return a.Slot < b.Slot
		})
		heapDiag = append(heapDiag, *sd)
	}
	sort.Slice(heapDiag, func(i, j int) bool {
		return heapDiag[i].Space < heapDiag[j].Space
	})
	return heapDiag
}

// Extract the diagnostic of a single verification error.
func createDiagnostic(err error) (space string, diag Diagnostic) {
	var bad *gc.BadReferenceError
	if errors.As(err, &bad) {
		return bad.Space, Diagnostic{
			Holder: bad.Holder,
			Class:  bad.Class,
			Slot:   bad.Slot,
			Target: bad.Target,
			Msg:    bad.Reason,
		}
	}
	return "", Diagnostic{Slot: -1, Msg: err.Error()}
}

// Len returns the number of diagnostics over all spaces.
func (heapDiag HeapDiagnostic) Len() int {
	n := 0
	for _, sd := range heapDiag {
		n += len(sd.Diagnostics)
	}
	return n
}

// WriteTo writes the heap diagnostics to the given writer.
func (heapDiag HeapDiagnostic) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	for _, sd := range heapDiag {
		sd.writeTo(cw)
	}
	return cw.n, cw.err
}

func (sd SpaceDiagnostic) writeTo(w io.Writer) {
	if sd.Space != "" {
		fmt.Fprintln(w, "#", sd.Space)
	}
	for _, diag := range sd.Diagnostics {
		fmt.Fprintln(w, diag)
	}
}

func (diag Diagnostic) String() string {
	switch {
	case diag.Holder == 0:
		return diag.Msg
	case diag.Slot < 0:
		return fmt.Sprintf("%#x (%s): %s", diag.Holder, diag.Class, diag.Msg)
	}
	return fmt.Sprintf("%#x (%s) slot %d -> %#x: %s", diag.Holder, diag.Class, diag.Slot, diag.Target, diag.Msg)
}

// countingWriter remembers the first error, so the Fprintln calls above
// don't each have to be checked.
type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	if cw.err != nil {
		return 0, cw.err
	}
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	cw.err = err
	return n, err
}
