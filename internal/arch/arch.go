// Package arch holds the per-architecture boundary arithmetic used by the
// scanner, the minimal-copy calculator and the remapper. Exactly one
// implementation file is compiled per GOARCH.
package arch

// Strategy describes how segments are sized and remapped on this CPU.
type Strategy struct {
	// Name is the GOARCH family the strategy was built for.
	Name string
	// UnmapFirst requires every segment to be unmapped before the first one
	// is mapped again. Otherwise each segment is replaced in place.
	UnmapFirst bool
}

// Current returns the strategy compiled into this binary.
func Current() Strategy {
	return Strategy{
		Name:       name,
		UnmapFirst: unmapFirst,
	}
}

// Granularity is the smallest address range that can switch to huge pages.
// Partial remaps must start and end on this boundary.
func (s Strategy) Granularity(hpageSize uint64) uint64 {
	return granularity(hpageSize)
}

// PLTTail returns the end address of a procedure linkage table that lives in
// the bss tail and is filled in by the dynamic linker, or 0 when the
// architecture keeps its PLT in file-backed data.
func (s Strategy) PLTTail(pltgot, pltrelsz uint64) uint64 {
	return pltTail(pltgot, pltrelsz)
}

// AlignUp rounds v up to a multiple of a, a power of two.
func AlignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

// AlignDown rounds v down to a multiple of a, a power of two.
func AlignDown(v, a uint64) uint64 {
	return v &^ (a - 1)
}
