//go:build linux

package hugetlbfs

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/moby/sys/reexec"
	"golang.org/x/sys/unix"
)

// ReserveCommand is the reexec entry point of the reservation child.
// Programs that enable child reservation must call reexec.Init first thing
// in main.
const ReserveCommand = "hugeremap-reserve"

// reservedFd is the descriptor number of the first ExtraFiles entry.
const reservedFd = 3

var ErrReserveFailed = errors.New("hugetlbfs: huge page reservation failed in child")

func init() {
	reexec.Register(ReserveCommand, reserveChild)
}

// Reserve faults in every page of the first size bytes of f from a short
// lived child process. Pages of a hugetlbfs file stay allocated to the file,
// so the parent maps them later without risk of SIGBUS; a child that cannot
// get its pages dies alone and leaves the parent's address space untouched.
func Reserve(f *os.File, size, pageSize uint64) error {
	cmd := reexec.Command(ReserveCommand,
		strconv.FormatUint(size, 10), strconv.FormatUint(pageSize, 10))
	cmd.ExtraFiles = []*os.File{f}
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %v", ErrReserveFailed, err)
	}
	return nil
}

func reserveChild() {
	if len(os.Args) != 3 {
		os.Exit(2)
	}
	size, err1 := strconv.ParseUint(os.Args[1], 10, 64)
	pageSize, err2 := strconv.ParseUint(os.Args[2], 10, 64)
	if err1 != nil || err2 != nil || pageSize == 0 {
		os.Exit(2)
	}
	if err := touchPages(reservedFd, size, pageSize); err != nil {
		fmt.Fprintf(os.Stderr, "hugeremap: reserve: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func touchPages(fd int, size, pageSize uint64) error {
	size = (size + pageSize - 1) / pageSize * pageSize
	if size == 0 {
		return nil
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		return fmt.Errorf("ftruncate: %w", err)
	}
	mem, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap: %w", err)
	}
	if err := unix.Madvise(mem, unix.MADV_POPULATE_WRITE); err != nil {
		// Kernels before 5.14 lack MADV_POPULATE_WRITE.
		for off := uint64(0); off < size; off += pageSize {
			b := mem[off]
			mem[off] = b
		}
	}
	return unix.Munmap(mem)
}
