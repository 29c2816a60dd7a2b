//go:build !(linux && (amd64 || arm64 || ppc64 || ppc64le || riscv64 || loong64))

package rawsys

// Supported reports whether the critical section is available on this
// platform.
const Supported = false

// MaxMappings bounds the number of segments remapped in one pass.
const MaxMappings = 3

type Mapping struct {
	Addr   uintptr
	Live   uintptr
	Length uintptr
	Prot   int
	Fd     int
}

type Table struct {
	Maps [MaxMappings]Mapping
	N    int
}

func (t *Table) Add(m Mapping) bool {
	if t.N >= MaxMappings {
		return false
	}
	t.Maps[t.N] = m
	t.N++
	return true
}

// Remap is never reached on unsupported platforms; callers check Supported.
func Remap(_ *Table, _ bool) {
	panic("rawsys: remap is not supported on this platform")
}

func Abort() {
	panic("rawsys: abort is not supported on this platform")
}
