//go:build linux && (amd64 || arm64 || ppc64 || ppc64le || riscv64 || loong64)

package rawsys

import (
	"syscall"
	"unsafe"
)

const stderrFd = 2

const digits = "0123456789abcdef"

//go:nosplit
func writeString(s string) {
	if len(s) == 0 {
		return
	}
	syscall.RawSyscall(syscall.SYS_WRITE, stderrFd,
		uintptr(unsafe.Pointer(unsafe.StringData(s))), uintptr(len(s)))
}

// writeUint formats v in base 10 or 16 into a stack buffer.
//
//go:nosplit
func writeUint(v uint64, base uint64) {
	var buf [20]byte
	i := len(buf)
	if v == 0 {
		i--
		buf[i] = '0'
	}
	for v != 0 {
		i--
		buf[i] = digits[v%base]
		v /= base
	}
	syscall.RawSyscall(syscall.SYS_WRITE, stderrFd,
		uintptr(unsafe.Pointer(&buf[i])), uintptr(len(buf)-i))
}

// Abort terminates the process with SIGABRT. The Go runtime's handler is
// replaced by the default action first, since running it would touch the
// segments being remapped. SIGKILL and exit_group back it up.
//
//go:nosplit
func Abort() {
	// Zeroed kernel sigaction: SIG_DFL, no flags, empty mask.
	var act [4]uint64
	syscall.RawSyscall6(syscall.SYS_RT_SIGACTION, uintptr(syscall.SIGABRT),
		uintptr(unsafe.Pointer(&act[0])), 0, 8, 0, 0)

	pid, _, _ := syscall.RawSyscall(syscall.SYS_GETPID, 0, 0, 0)
	syscall.RawSyscall(syscall.SYS_KILL, pid, uintptr(syscall.SIGABRT), 0)
	syscall.RawSyscall(syscall.SYS_KILL, pid, uintptr(syscall.SIGKILL), 0)
	for {
		syscall.RawSyscall(syscall.SYS_EXIT_GROUP, 134, 0, 0)
	}
}
