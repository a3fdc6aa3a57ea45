package gc

import (
	"slices"
	"strings"

	"github.com/andypeng2015/heapcore/gc/mirror"
)

// RegisterClass makes c known to the heap under its descriptor. Registering
// the same class again is a no-op; registering another class with the same
// descriptor fails with a *DuplicateClassError.
func (h *Heap) RegisterClass(c *mirror.Class) error {
	h.classMu.Lock()
	defer h.classMu.Unlock()
	if prev, ok := h.classes[c.Descriptor]; ok {
		if prev == c {
			return nil
		}
		return &DuplicateClassError{
			Descriptor:     c.Descriptor,
			Loader:         c.Loader,
			PreviousLoader: prev.Loader,
		}
	}
	h.classes[c.Descriptor] = c
	return nil
}

// FindClass returns the class registered under descriptor, or nil.
func (h *Heap) FindClass(descriptor string) *mirror.Class {
	h.classMu.Lock()
	defer h.classMu.Unlock()
	return h.classes[descriptor]
}

// Classes returns the registered classes sorted by descriptor.
func (h *Heap) Classes() []*mirror.Class {
	h.classMu.Lock()
	classes := make([]*mirror.Class, 0, len(h.classes))
	for _, c := range h.classes {
		classes = append(classes, c)
	}
	h.classMu.Unlock()
	slices.SortFunc(classes, func(a, b *mirror.Class) int {
		return strings.Compare(a.Descriptor, b.Descriptor)
	})
	return classes
}
