//go:build ppc64 || ppc64le

package arch

const (
	name = "ppc64"

	// The hash MMU switches page size per 1TiB slice above 4GiB, and a slice
	// holding normal pages must be emptied before it can take huge pages.
	unmapFirst = true

	sliceShift = 40

	pltEntrySize  = 24
	pltHeaderSize = 24
	relaSize      = 24
)

func granularity(_ uint64) uint64 {
	return 1 << sliceShift
}

// ELFv1 keeps .plt as NOBITS after .bss, populated by ld.so.
func pltTail(pltgot, pltrelsz uint64) uint64 {
	if pltgot == 0 || pltrelsz == 0 {
		return 0
	}
	return pltgot + pltHeaderSize + pltrelsz/relaSize*pltEntrySize
}
