//go:build linux

// Package hugetlbfs locates huge page filesystems and creates, maps and
// reserves the files that back remapped segments.
package hugetlbfs

import (
	"errors"
	"fmt"
	"os"

	"github.com/moby/sys/mountinfo"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sys/unix"
)

const fsType = "hugetlbfs"

var (
	ErrNoMount      = errors.New("hugetlbfs: no hugetlbfs mount found")
	ErrNotHugetlbfs = errors.New("hugetlbfs: path is not a hugetlbfs mount")
)

// IsHugetlbfs reports whether path lives on a hugetlbfs mount.
func IsHugetlbfs(path string) (bool, error) {
	var sb unix.Statfs_t
	if err := unix.Statfs(path, &sb); err != nil {
		return false, fmt.Errorf("statfs %s: %w", path, err)
	}
	return uint32(sb.Type) == unix.HUGETLBFS_MAGIC, nil
}

// FindMount returns override when it is a hugetlbfs mount, or the first
// hugetlbfs mount point of the system when override is empty.
func FindMount(override string) (string, error) {
	if override != "" {
		ok, err := IsHugetlbfs(override)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrNotHugetlbfs, override)
		}
		return override, nil
	}

	mounts, err := mountinfo.GetMounts(mountinfo.FSTypeFilter(fsType))
	if err != nil {
		return "", fmt.Errorf("read mountinfo: %w", err)
	}
	for _, m := range mounts {
		if ok, err := IsHugetlbfs(m.Mountpoint); err == nil && ok {
			return m.Mountpoint, nil
		}
	}
	return "", ErrNoMount
}

// PageSize returns the size of the pages backing files created under dir:
// the huge page size of a hugetlbfs mount, the base page size elsewhere.
func PageSize(dir string) (uint64, error) {
	var sb unix.Statfs_t
	if err := unix.Statfs(dir, &sb); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", dir, err)
	}
	if uint32(sb.Type) == unix.HUGETLBFS_MAGIC && sb.Bsize > 0 {
		return uint64(sb.Bsize), nil
	}
	return uint64(os.Getpagesize()), nil
}

// DefaultHugePageSize reports the kernel's default huge page size.
func DefaultHugePageSize() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("read meminfo: %w", err)
	}
	if vm.HugePageSize == 0 {
		return 0, errors.New("hugetlbfs: kernel reports no huge page size")
	}
	return vm.HugePageSize, nil
}

// FilePageSize is PageSize for an open file.
func FilePageSize(f *os.File) (uint64, error) {
	var sb unix.Statfs_t
	if err := unix.Fstatfs(int(f.Fd()), &sb); err != nil {
		return 0, fmt.Errorf("fstatfs %s: %w", f.Name(), err)
	}
	if uint32(sb.Type) == unix.HUGETLBFS_MAGIC && sb.Bsize > 0 {
		return uint64(sb.Bsize), nil
	}
	return uint64(os.Getpagesize()), nil
}
