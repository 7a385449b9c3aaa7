//go:build linux || darwin || freebsd

// Package platform is the virtual-memory facade: executable code regions
// are reserved with mmap and flipped to read-execute after the bytes are
// written, since some hosts refuse writable+executable pages.
package platform

import "golang.org/x/sys/unix"

// MmapCodeSegment returns a writable anonymous mapping of at least size
// bytes for the code being assembled.
func MmapCodeSegment(size int) ([]byte, error) {
	if size == 0 {
		panic("BUG: mmap of empty code segment")
	}
	return unix.Mmap(-1, 0, alignUp(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
}

// MprotectRX remaps the region read-execute once the code is written.
func MprotectRX(b []byte) error {
	return unix.Mprotect(b, unix.PROT_READ|unix.PROT_EXEC)
}

// MunmapCodeSegment releases the region.
func MunmapCodeSegment(b []byte) error {
	return unix.Munmap(b)
}

func alignUp(size int) int {
	const page = 4096
	return (size + page - 1) &^ (page - 1)
}
