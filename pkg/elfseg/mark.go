package elfseg

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// headerTable returns e_phoff and e_phentsize, which debug/elf does not
// expose.
func headerTable(r io.ReaderAt, class elf.Class, bo binary.ByteOrder) (off, entsize uint64, err error) {
	var b [8]byte
	switch class {
	case elf.ELFCLASS64:
		if _, err := r.ReadAt(b[:8], 32); err != nil {
			return 0, 0, err
		}
		off = bo.Uint64(b[:8])
		if _, err := r.ReadAt(b[:2], 54); err != nil {
			return 0, 0, err
		}
	case elf.ELFCLASS32:
		if _, err := r.ReadAt(b[:4], 28); err != nil {
			return 0, 0, err
		}
		off = uint64(bo.Uint32(b[:4]))
		if _, err := r.ReadAt(b[:2], 42); err != nil {
			return 0, 0, err
		}
	default:
		return 0, 0, fmt.Errorf("unknown ELF class %v", class)
	}
	return off, uint64(bo.Uint16(b[:2])), nil
}

// Mark sets (or with on false, clears) PFHugetlb on the PT_LOAD headers of
// the ELF file at path that pick selects. It rewrites the flags in place
// and returns the indexes of the headers that changed.
func Mark(path string, pick func(elf.ProgHeader) bool, on bool) ([]int, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ef, err := elf.NewFile(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	off, entsize, err := headerTable(f, ef.Class, ef.ByteOrder)
	if err != nil {
		return nil, fmt.Errorf("read program header table of %s: %w", path, err)
	}
	// p_flags follows p_type in 64-bit headers and p_memsz in 32-bit ones.
	flagsAt := uint64(4)
	if ef.Class == elf.ELFCLASS32 {
		flagsAt = 24
	}

	var changed []int
	for i, p := range ef.Progs {
		if p.Type != elf.PT_LOAD || !pick(p.ProgHeader) {
			continue
		}
		flags := p.Flags &^ PFHugetlb
		if on {
			flags |= PFHugetlb
		}
		if flags == p.Flags {
			continue
		}
		var b [4]byte
		ef.ByteOrder.PutUint32(b[:], uint32(flags))
		if _, err := f.WriteAt(b[:], int64(off+uint64(i)*entsize+flagsAt)); err != nil {
			return changed, fmt.Errorf("write header %d of %s: %w", i, path, err)
		}
		changed = append(changed, i)
	}
	if err := f.Sync(); err != nil {
		return changed, err
	}
	return changed, nil
}

// Misaligned returns the PT_LOAD headers of img whose address is not a
// multiple of pageSize. Such segments cannot be remapped onto pages of that
// size; the binary has to be linked with a larger segment alignment.
func Misaligned(img *Image, pageSize uint64) []elf.ProgHeader {
	var bad []elf.ProgHeader
	for _, p := range img.Progs {
		if p.Type == elf.PT_LOAD && p.Flags&PFHugetlb != 0 && (p.Vaddr+img.Bias)%pageSize != 0 {
			bad = append(bad, p)
		}
	}
	return bad
}
