//go:build linux

package hugetlbfs

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
)

const (
	tempPattern  = "hugeremap.tmp."
	sharedPrefix = "hugeremap-"
)

// CanCreate reports whether dir has room for size more bytes. Errors from
// the usage query are treated as "unknown" and allow the attempt.
func CanCreate(dir string, size uint64) bool {
	stat, err := disk.Usage(dir)
	if err != nil {
		return true
	}
	return stat.Free >= size
}

// UnlinkedFile creates a file under dir and removes its name at once, so
// the descriptor is the only way to reach it.
func UnlinkedFile(dir string) (*os.File, error) {
	f, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return nil, fmt.Errorf("create backing file in %s: %w", dir, err)
	}
	if err := os.Remove(f.Name()); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("unlink backing file %s: %w", f.Name(), err)
	}
	return f, nil
}

// ShareDir is the per-user directory holding shared segment files under
// base.
func ShareDir(base string) string {
	return filepath.Join(base, fmt.Sprintf("hugeremap-share-%d", os.Getuid()))
}

// SharedFileName names the shared file for one segment of one executable.
// Names make lookup easy; they are not a security boundary.
func SharedFileName(identity, vaddr uint64) string {
	return fmt.Sprintf("%s%016x-%016x", sharedPrefix, identity, vaddr)
}
