//go:build linux

package share

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sys/unix"
)

// Identity hashes what makes two executables interchangeable for sharing:
// the resolved path, the word size, and the device, inode, size and
// modification time of the file. Rebuilding the binary changes the identity,
// so a stale shared file is never reused.
func Identity(path string) (uint64, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return 0, fmt.Errorf("resolve %s: %w", path, err)
	}
	resolved, err = filepath.Abs(resolved)
	if err != nil {
		return 0, fmt.Errorf("resolve %s: %w", path, err)
	}
	var st unix.Stat_t
	if err := unix.Stat(resolved, &st); err != nil {
		return 0, fmt.Errorf("stat %s: %w", resolved, err)
	}

	var b []byte
	b = append(b, resolved...)
	b = append(b, 0)
	b = strconv.AppendInt(b, int64(unsafe.Sizeof(uintptr(0))*8), 10)
	for _, v := range []uint64{
		uint64(st.Dev), uint64(st.Ino), uint64(st.Size),
		uint64(st.Mtim.Sec), uint64(st.Mtim.Nsec),
	} {
		b = append(b, ':')
		b = strconv.AppendUint(b, v, 16)
	}
	return xxhash.Sum64(b), nil
}

// SelfIdentity is the identity of the running executable.
func SelfIdentity() (uint64, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("locate executable: %w", err)
	}
	return Identity(exe)
}
