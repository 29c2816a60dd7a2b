//go:build linux

package hugetlbfs

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Region is a shared, writable mapping of a backing file.
type Region struct {
	Addr []byte
	Fd   int
	Size int
}

// MapOptions describes a scratch mapping of a backing file.
type MapOptions struct {
	File *os.File
	// Size is rounded up to PageSize before the file is extended and mapped.
	Size     uint64
	PageSize uint64
}

// MapRegion extends the file to the aligned size and maps it shared and
// writable at an address chosen by the kernel.
func MapRegion(opts MapOptions) (*Region, error) {
	if opts.PageSize == 0 {
		opts.PageSize = uint64(os.Getpagesize())
	}
	size := (opts.Size + opts.PageSize - 1) / opts.PageSize * opts.PageSize
	if size == 0 {
		return nil, fmt.Errorf("map region: empty size")
	}
	fd := int(opts.File.Fd())
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		return nil, fmt.Errorf("ftruncate: %w", err)
	}
	addr, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &Region{Addr: addr, Fd: fd, Size: int(size)}, nil
}

// Unmap releases the mapping. The backing file stays open.
func (r *Region) Unmap() error {
	if r == nil || r.Addr == nil {
		return nil
	}
	if err := unix.Munmap(r.Addr); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	r.Addr = nil
	return nil
}
