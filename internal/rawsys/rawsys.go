//go:build linux && (amd64 || arm64 || ppc64 || ppc64le || riscv64 || loong64)

// Package rawsys is the critical remap window.
//
// Between the moment a live segment is released and the moment its huge page
// replacement is installed, nothing that depends on the process's static
// data may run: no allocation, no formatted output, no logging, no calls
// through other packages. Everything in this package is built from direct
// system calls and stack memory only, and the package imports nothing but
// syscall and unsafe. Every function the window runs is nosplit, so no stack
// growth reaches the runtime either. A test enforces both.
package rawsys

import (
	"syscall"
)

// Supported reports whether the critical section is available on this
// platform.
const Supported = true

// MaxMappings bounds the number of segments remapped in one pass.
const MaxMappings = 3

// Mapping is one prepared segment ready to be installed at Addr.
type Mapping struct {
	// Addr is the live segment start, aligned to the backing page size.
	Addr uintptr
	// Live is the length of the live range released before remapping.
	Live uintptr
	// Length is the length of the replacement mapping.
	Length uintptr
	// Prot carries PROT_* bits of the original segment.
	Prot int
	// Fd is the prepared backing file.
	Fd int
}

// Table holds the mappings for one remap. It is filled before the window
// opens and passed by pointer so the window never allocates.
type Table struct {
	Maps [MaxMappings]Mapping
	N    int
}

// Add appends a mapping. It reports false when the table is full.
func (t *Table) Add(m Mapping) bool {
	if t.N >= MaxMappings {
		return false
	}
	t.Maps[t.N] = m
	t.N++
	return true
}

// Remap installs every mapping of t at its original address with its
// original protection. With unmapFirst all live ranges are released before
// the first replacement is mapped; otherwise each MAP_FIXED mapping replaces
// its live range atomically.
//
// Remap does not return on failure: it reports through raw writes to stderr
// and kills the process.
//
//go:nosplit
func Remap(t *Table, unmapFirst bool) {
	if unmapFirst {
		for i := 0; i < t.N; i++ {
			m := &t.Maps[i]
			syscall.RawSyscall(syscall.SYS_MUNMAP, m.Addr, m.Live, 0)
		}
	}

	for i := 0; i < t.N; i++ {
		m := &t.Maps[i]
		p, _, errno := syscall.RawSyscall6(syscall.SYS_MMAP,
			m.Addr, m.Length, uintptr(m.Prot),
			uintptr(syscall.MAP_PRIVATE|syscall.MAP_FIXED), uintptr(m.Fd), 0)
		if errno != 0 {
			failedMap(i, m, uint64(errno))
		}
		if p != m.Addr {
			wrongAddress(i, m, p)
		}
	}
}

//go:nosplit
func failedMap(i int, m *Mapping, errno uint64) {
	writeString("hugeremap: failed to map hugepage segment ")
	writeUint(uint64(i), 10)
	writeString(": 0x")
	writeUint(uint64(m.Addr), 16)
	writeString("-0x")
	writeUint(uint64(m.Addr+m.Length), 16)
	writeString(" (errno=")
	writeUint(errno, 10)
	writeString(")\n")
	Abort()
}

//go:nosplit
func wrongAddress(i int, m *Mapping, p uintptr) {
	writeString("hugeremap: mapped hugepage segment ")
	writeUint(uint64(i), 10)
	writeString(" (0x")
	writeUint(uint64(m.Addr), 16)
	writeString("-0x")
	writeUint(uint64(m.Addr+m.Length), 16)
	writeString(") at wrong address 0x")
	writeUint(uint64(p), 16)
	writeString("\n")
	Abort()
}
