//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package space

// Without mmap the reservation is a plain Go allocation. The Go heap does not
// move large allocations, so addresses stay stable for the life of the map.
// Protection changes and releases are no-ops.

const fallbackPageSize = 4096

// PageSize returns the granularity of memory maps.
func PageSize() uintptr {
	return fallbackPageSize
}

func mapAnonymous(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func protect(mem []byte, prot Protection) error {
	return nil
}

func release(mem []byte) error {
	return nil
}

func unmap(mem []byte) error {
	return nil
}
