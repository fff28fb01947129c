//go:build unix

package jit

import (
	"github.com/mass-lang/massc/internal/diag"
	"golang.org/x/sys/unix"
)

func mapWritable(size int) ([]byte, error) {
	mapping, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, diag.New(diag.KindDynamicLibraryLoad, diag.CategoryLinker,
			"mmap of %d bytes failed: %v", size, err)
	}
	return mapping, nil
}

// protectExecutable drops the write permission and adds execute, so the
// mapping is never writable and executable at the same time.
func protectExecutable(mapping []byte) error {
	if err := unix.Mprotect(mapping, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return diag.New(diag.KindDynamicLibraryLoad, diag.CategoryLinker,
			"mprotect to read+execute failed: %v", err)
	}
	return nil
}

func releaseMapping(mapping []byte) error {
	return unix.Munmap(mapping)
}
