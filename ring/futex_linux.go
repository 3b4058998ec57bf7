//go:build linux

package ring

import (
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Raw futex op numbers from <linux/futex.h>. The private flag is not set
// because the segment is shared across processes.
const (
	futexOpWait = 0
	futexOpWake = 1
)

// futexWait parks on addr until its value differs from val, the timeout
// elapses, or a spurious wake occurs. Callers always re-check their condition.
func futexWait(addr *uint32, val uint32, timeout time.Duration) {
	var ts *unix.Timespec
	if timeout > 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	_, _, _ = unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexOpWait),
		uintptr(val),
		uintptr(unsafe.Pointer(ts)),
		0, 0)
}

// futexWakeAll bumps the word and wakes every waiter.
func futexWakeAll(addr *uint32) {
	atomic.AddUint32(addr, 1)
	_, _, _ = unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexOpWake),
		uintptr(^uint32(0)>>1), // INT_MAX waiters
		0, 0, 0)
}
