package elfseg

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"unsafe"
)

// Image is the view of a loaded ELF object the scanner works on.
type Image struct {
	Class     elf.Class
	ByteOrder binary.ByteOrder
	Progs     []elf.ProgHeader
	// Bias is added to every link-time address to get a run-time address.
	Bias uint64
	// Mem reads memory at run-time addresses.
	Mem io.ReaderAt
	// Pristine is set when the bss tails in Mem hold only what the loader
	// put there. Minimal copies are only correct for pristine images.
	Pristine bool
	// Running is set when Mem is the static data of the calling Go program.
	// The runtime writes its writable segments at any moment, so a copy of
	// them is stale before it can be mapped back.
	Running bool
}

// FromFile builds an image of f as the loader would lay it out at bias 0.
// Bytes past each segment's file size read as zero.
func FromFile(f *elf.File) *Image {
	img := &Image{
		Class:     f.Class,
		ByteOrder: f.ByteOrder,
		Pristine:  true,
	}
	fm := &fileMemory{}
	for _, p := range f.Progs {
		img.Progs = append(img.Progs, p.ProgHeader)
		if p.Type == elf.PT_LOAD {
			fm.loads = append(fm.loads, p)
		}
	}
	img.Mem = fm
	return img
}

// runtime converts an address found in dynamic data to a run-time address.
// The dynamic linker relocates some entries in place and leaves others at
// their link-time value; link-time values of a biased image fall below the
// bias.
func (img *Image) runtime(addr uint64) uint64 {
	if img.Bias != 0 && addr < img.Bias {
		return addr + img.Bias
	}
	return addr
}

func (img *Image) read(addr uint64, n uint64) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := img.Mem.ReadAt(buf, int64(addr)); err != nil {
		return nil, fmt.Errorf("read %d bytes at %#x: %w", n, addr, err)
	}
	return buf, nil
}

// LiveMemory reads the calling process's own address space. Reading an
// unmapped address faults.
type LiveMemory struct{}

func (LiveMemory) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(off))), len(p))
	return copy(p, src), nil
}

// fileMemory serves run-time addresses out of the PT_LOAD segments of an
// ELF file.
type fileMemory struct {
	loads []*elf.Prog
}

func (m *fileMemory) ReadAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	for _, l := range m.loads {
		if addr < l.Vaddr || addr+uint64(len(p)) > l.Vaddr+l.Memsz {
			continue
		}
		rel := addr - l.Vaddr
		clear(p)
		if rel >= l.Filesz {
			return len(p), nil
		}
		n := min(uint64(len(p)), l.Filesz-rel)
		if _, err := l.ReadAt(p[:n], int64(rel)); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	return 0, fmt.Errorf("address range %#x+%d is not loaded", addr, len(p))
}
