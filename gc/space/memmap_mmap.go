//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package space

import (
	"golang.org/x/sys/unix"
)

var pageSize = uintptr(unix.Getpagesize())

// PageSize returns the granularity of memory maps.
func PageSize() uintptr {
	return pageSize
}

func mapAnonymous(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func protect(mem []byte, prot Protection) error {
	flags := unix.PROT_NONE
	switch prot {
	case ProtRead:
		flags = unix.PROT_READ
	case ProtReadWrite:
		flags = unix.PROT_READ | unix.PROT_WRITE
	}
	return unix.Mprotect(mem, flags)
}

func release(mem []byte) error {
	return unix.Madvise(mem, unix.MADV_DONTNEED)
}

func unmap(mem []byte) error {
	return unix.Munmap(mem)
}
