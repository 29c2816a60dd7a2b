//go:build !ppc64 && !ppc64le

package arch

import "runtime"

const (
	unmapFirst = false
)

var name = runtime.GOARCH

func granularity(hpageSize uint64) uint64 {
	return hpageSize
}

func pltTail(_, _ uint64) uint64 {
	return 0
}
