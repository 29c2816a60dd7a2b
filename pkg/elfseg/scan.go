package elfseg

import (
	"debug/elf"
	"fmt"

	"github.com/srediag/hugeremap/internal/arch"
)

// ScanOptions selects how segments are picked.
type ScanOptions struct {
	// Force remaps the aligned interior of every PT_LOAD segment of an
	// image that carries no huge page marker.
	Force bool
	// Granularity is the smallest range that can change page size, used
	// to trim forced segments. See arch.Strategy.Granularity.
	Granularity uint64
}

// Marked reports whether any loadable segment of img carries PFHugetlb.
// This is the capability query for binaries prepared by hugeseg-mark.
func Marked(img *Image) bool {
	for _, p := range img.Progs {
		if p.Type == elf.PT_LOAD && p.Flags&PFHugetlb != 0 {
			return true
		}
	}
	return false
}

// Scan returns the segments of img to remap, in program header order, with
// Fd set to -1 and ExtraSize zero. It returns an error wrapping
// ErrNotApplicable when nothing should be remapped.
func Scan(img *Image, opts ScanOptions) ([]Segment, error) {
	if img == nil || len(img.Progs) == 0 {
		return nil, fmt.Errorf("%w: no program headers", ErrNotApplicable)
	}

	var segs []Segment
	switch {
	case Marked(img):
		segs = scanMarked(img)
	case opts.Force:
		if opts.Granularity == 0 || opts.Granularity&(opts.Granularity-1) != 0 {
			return nil, fmt.Errorf("%w: bad remap granularity %#x", ErrNotApplicable, opts.Granularity)
		}
		segs = scanForced(img, opts.Granularity)
	default:
		return nil, fmt.Errorf("%w: executable is not linked for huge page segments", ErrNotApplicable)
	}

	if len(segs) == 0 {
		return nil, fmt.Errorf("%w: no eligible segment", ErrNotApplicable)
	}
	if len(segs) > MaxSegments {
		return nil, fmt.Errorf("%w: %d segments marked for huge pages (max %d)",
			ErrNotApplicable, len(segs), MaxSegments)
	}
	return segs, nil
}

func scanMarked(img *Image) []Segment {
	var segs []Segment
	for i, p := range img.Progs {
		if p.Type != elf.PT_LOAD || p.Flags&PFHugetlb == 0 {
			continue
		}
		segs = append(segs, Segment{
			Index:    len(segs),
			Phdr:     i,
			Vaddr:    p.Vaddr + img.Bias,
			FileSize: p.Filesz,
			MemSize:  p.Memsz,
			Prot:     ProtFromFlags(p.Flags),
			Fd:       -1,
		})
	}
	return segs
}

// scanForced trims each loadable segment to its granularity-aligned
// interior. The whole interior is copied, bss included, because a boundary
// inside it cannot be split.
func scanForced(img *Image, g uint64) []Segment {
	var segs []Segment
	for i, p := range img.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		start := arch.AlignUp(p.Vaddr+img.Bias, g)
		end := arch.AlignDown(p.Vaddr+img.Bias+p.Memsz, g)
		if end <= start {
			continue
		}
		segs = append(segs, Segment{
			Index:    len(segs),
			Phdr:     i,
			Vaddr:    start,
			FileSize: end - start,
			MemSize:  end - start,
			Prot:     ProtFromFlags(p.Flags),
			Fd:       -1,
		})
	}
	return segs
}
