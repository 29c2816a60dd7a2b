package elfseg

import (
	"debug/elf"
	"fmt"

	"github.com/srediag/hugeremap/internal/arch"
)

// maxSymbols bounds the symbol table size derived from table addresses.
const maxSymbols = 1 << 22

type dynInfo struct {
	symtab, strtab, syment uint64
	pltgot, pltrelsz       uint64
}

type symbol struct {
	value, size uint64
	bind        elf.SymBind
	typ         elf.SymType
}

// FullCopy makes seg copy its whole bss tail.
func FullCopy(seg *Segment) {
	if seg.MemSize > seg.FileSize {
		seg.ExtraSize = seg.MemSize - seg.FileSize
	} else {
		seg.ExtraSize = 0
	}
}

// MinimalCopy shrinks the part of seg's bss tail that has to be copied to
// what ends at the last dynamic object symbol inside it, plus any PLT the
// dynamic linker builds there. The tail is assumed untouched by the program
// so far; everything past the computed end is zero in the live image too.
//
// seg.ExtraSize always holds a safe value on return. On error it is the
// full tail and the error says why the table walk gave up.
func MinimalCopy(img *Image, seg *Segment, s arch.Strategy) error {
	FullCopy(seg)
	if seg.ExtraSize == 0 {
		return nil
	}

	dyn, err := readDynamic(img)
	if err != nil {
		return err
	}
	syms, err := readSymbols(img, dyn)
	if err != nil {
		return err
	}

	start := seg.Vaddr + seg.FileSize
	end := seg.Vaddr + seg.MemSize
	last := start
	for _, sym := range syms {
		if sym.size == 0 || sym.typ != elf.STT_OBJECT {
			continue
		}
		if sym.bind != elf.STB_GLOBAL && sym.bind != elf.STB_WEAK {
			continue
		}
		v := img.runtime(sym.value)
		if v < start || v >= end {
			continue
		}
		last = max(last, min(v+sym.size, end))
	}
	if dyn.pltgot != 0 {
		if tail := s.PLTTail(img.runtime(dyn.pltgot), dyn.pltrelsz); tail > start {
			last = max(last, min(tail, end))
		}
	}

	seg.ExtraSize = last - start
	return nil
}

func readDynamic(img *Image) (dynInfo, error) {
	var info dynInfo
	var dynamic *elf.ProgHeader
	for i := range img.Progs {
		if img.Progs[i].Type == elf.PT_DYNAMIC {
			dynamic = &img.Progs[i]
			break
		}
	}
	if dynamic == nil {
		return info, fmt.Errorf("%w: no PT_DYNAMIC header", ErrNoDynamic)
	}

	raw, err := img.read(dynamic.Vaddr+img.Bias, dynamic.Memsz)
	if err != nil {
		return info, fmt.Errorf("%w: %v", ErrNoDynamic, err)
	}
	entSize, word := 16, 8
	if img.Class == elf.ELFCLASS32 {
		entSize, word = 8, 4
	}
	bo := img.ByteOrder
	for off := 0; off+entSize <= len(raw); off += entSize {
		var tag elf.DynTag
		var val uint64
		if word == 8 {
			tag = elf.DynTag(int64(bo.Uint64(raw[off:])))
			val = bo.Uint64(raw[off+8:])
		} else {
			tag = elf.DynTag(int32(bo.Uint32(raw[off:])))
			val = uint64(bo.Uint32(raw[off+4:]))
		}
		if tag == elf.DT_NULL {
			break
		}
		switch tag {
		case elf.DT_SYMTAB:
			info.symtab = img.runtime(val)
		case elf.DT_STRTAB:
			info.strtab = img.runtime(val)
		case elf.DT_SYMENT:
			info.syment = val
		case elf.DT_PLTGOT:
			info.pltgot = val
		case elf.DT_PLTRELSZ:
			info.pltrelsz = val
		}
	}
	if info.symtab == 0 || info.strtab == 0 {
		return info, fmt.Errorf("%w: missing DT_SYMTAB or DT_STRTAB", ErrNoDynamic)
	}
	return info, nil
}

// readSymbols reads the dynamic symbol table. Its length is not recorded
// anywhere; the string table is laid out right after it.
func readSymbols(img *Image, dyn dynInfo) ([]symbol, error) {
	symSize := uint64(elf.Sym64Size)
	if img.Class == elf.ELFCLASS32 {
		symSize = elf.Sym32Size
	}
	if dyn.syment != 0 && dyn.syment != symSize {
		return nil, fmt.Errorf("%w: DT_SYMENT %d, want %d", ErrNoDynamic, dyn.syment, symSize)
	}
	if dyn.strtab <= dyn.symtab {
		return nil, fmt.Errorf("%w: string table at %#x does not follow symbol table at %#x",
			ErrNoDynamic, dyn.strtab, dyn.symtab)
	}
	n := (dyn.strtab - dyn.symtab) / symSize
	if n > maxSymbols {
		return nil, fmt.Errorf("%w: implausible symbol count %d", ErrNoDynamic, n)
	}

	raw, err := img.read(dyn.symtab, n*symSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDynamic, err)
	}
	bo := img.ByteOrder
	syms := make([]symbol, 0, n)
	for off := uint64(0); off+symSize <= uint64(len(raw)); off += symSize {
		b := raw[off : off+symSize]
		var sym symbol
		var info byte
		if img.Class == elf.ELFCLASS32 {
			// st_name, st_value, st_size, st_info, st_other, st_shndx
			sym.value = uint64(bo.Uint32(b[4:]))
			sym.size = uint64(bo.Uint32(b[8:]))
			info = b[12]
		} else {
			// st_name, st_info, st_other, st_shndx, st_value, st_size
			info = b[4]
			sym.value = bo.Uint64(b[8:])
			sym.size = bo.Uint64(b[16:])
		}
		sym.bind = elf.ST_BIND(info)
		sym.typ = elf.ST_TYPE(info)
		syms = append(syms, sym)
	}
	return syms, nil
}
