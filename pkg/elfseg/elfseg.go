// Package elfseg finds the loadable segments of an ELF image that are marked
// for huge page backing and works out how much of each segment has to be
// copied before it can be remapped.
//
// An Image is a set of program headers plus a reader over the image's memory
// at run time. Self builds one for the running process; tests and tools can
// build one from any ELF file and any io.ReaderAt.
package elfseg

import (
	"debug/elf"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// PFHugetlb is the p_flags bit that marks a PT_LOAD header for huge pages.
// It sits in the PF_MASKOS range reserved for operating system use.
const PFHugetlb elf.ProgFlag = 0x100000

// MaxSegments bounds the number of segments remapped per process.
const MaxSegments = 3

var (
	// ErrNotApplicable means the image has nothing to remap and the program
	// runs unmodified.
	ErrNotApplicable = errors.New("elfseg: no segments to remap")
	// ErrNoDynamic is returned by the minimal-copy calculator when the
	// dynamic symbol table cannot be located.
	ErrNoDynamic = errors.New("elfseg: dynamic symbol table not found")
)

// Segment describes one PT_LOAD segment selected for huge page backing.
// Addresses are run-time addresses, with the load bias applied.
type Segment struct {
	// Index is the position of the segment in the remap order.
	Index int
	// Phdr is the index of the program header the segment came from.
	Phdr     int
	Vaddr    uint64
	FileSize uint64
	MemSize  uint64
	// ExtraSize is the part of the bss tail that must be copied along with
	// the file-backed bytes.
	ExtraSize uint64
	// Prot holds PROT_* bits derived from PF_R, PF_W and PF_X.
	Prot int
	// Fd is the backing file, -1 until one is provisioned.
	Fd int
}

// CopySize is the number of bytes copied from the live segment.
func (s *Segment) CopySize() uint64 {
	n := s.FileSize + s.ExtraSize
	if n > s.MemSize {
		return s.MemSize
	}
	return n
}

// End returns the first address past the segment.
func (s *Segment) End() uint64 {
	return s.Vaddr + s.MemSize
}

// Writable reports whether the segment is mapped with PROT_WRITE.
func (s *Segment) Writable() bool {
	return s.Prot&unix.PROT_WRITE != 0
}

func (s Segment) String() string {
	return fmt.Sprintf("segment %d (phdr %d): %#x-%#x filesz=%#x extra=%#x prot=%s",
		s.Index, s.Phdr, s.Vaddr, s.End(), s.FileSize, s.ExtraSize, protString(s.Prot))
}

// ProtFromFlags converts ELF segment permissions to mmap protection bits.
func ProtFromFlags(f elf.ProgFlag) int {
	prot := 0
	if f&elf.PF_R != 0 {
		prot |= unix.PROT_READ
	}
	if f&elf.PF_W != 0 {
		prot |= unix.PROT_WRITE
	}
	if f&elf.PF_X != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}

func protString(prot int) string {
	b := []byte("---")
	if prot&unix.PROT_READ != 0 {
		b[0] = 'r'
	}
	if prot&unix.PROT_WRITE != 0 {
		b[1] = 'w'
	}
	if prot&unix.PROT_EXEC != 0 {
		b[2] = 'x'
	}
	return string(b)
}
