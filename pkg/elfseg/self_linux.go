//go:build linux

package elfseg

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const (
	selfExe = "/proc/self/exe"

	// AT_PHDR, not exported by x/sys.
	atPhdr = 3
)

// Self returns the image of the running executable. Program headers come
// from the executable file; memory is read live. The image is not pristine:
// the Go runtime has written its bss before any user code runs, and it keeps
// writing the writable segments.
func Self() (*Image, error) {
	f, err := elf.Open(selfExe)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrNotApplicable, selfExe, err)
	}
	defer f.Close()

	img := &Image{
		Class:     f.Class,
		ByteOrder: f.ByteOrder,
		Mem:       LiveMemory{},
		Running:   true,
	}
	for _, p := range f.Progs {
		img.Progs = append(img.Progs, p.ProgHeader)
	}
	if f.Type == elf.ET_DYN {
		phdr, err := auxvValue(atPhdr)
		if err != nil {
			return nil, err
		}
		bias, err := loadBias(f, img.Progs, phdr)
		if err != nil {
			return nil, err
		}
		img.Bias = bias
	}
	return img, nil
}

// loadBias derives the load bias of a position independent executable from
// the run-time address of its program header table.
func loadBias(f *elf.File, progs []elf.ProgHeader, phdrAddr uint64) (uint64, error) {
	for _, p := range progs {
		if p.Type == elf.PT_PHDR {
			return phdrAddr - p.Vaddr, nil
		}
	}
	phoff, err := readPhoff(f)
	if err != nil {
		return 0, err
	}
	for _, p := range progs {
		if p.Type == elf.PT_LOAD && phoff >= p.Off && phoff < p.Off+p.Filesz {
			return phdrAddr - (p.Vaddr - p.Off + phoff), nil
		}
	}
	return 0, fmt.Errorf("%w: program headers are not loaded", ErrNotApplicable)
}

func readPhoff(f *elf.File) (uint64, error) {
	r, err := os.Open(selfExe)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	off, _, err := headerTable(r, f.Class, f.ByteOrder)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNotApplicable, err)
	}
	return off, nil
}

// auxvValue returns an entry of the process's auxiliary vector.
func auxvValue(key uintptr) (uint64, error) {
	vec, err := unix.Auxv()
	if err != nil {
		return 0, fmt.Errorf("read auxv: %w", err)
	}
	for _, kv := range vec {
		if kv[0] == key {
			return uint64(kv[1]), nil
		}
	}
	return 0, errors.New("elfseg: auxv entry not found")
}
