// Package kernel32 wraps the thread pool wait functions of kernel32.dll.
package kernel32

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Do the interface allocations only once for common
// Errno values.
const (
	errnoERROR_IO_PENDING = 997
)

// Flags for RegisterWaitForSingleObject.
const (
	WT_EXECUTEDEFAULT         = 0x00000000
	WT_EXECUTEINWAITTHREAD    = 0x00000004
	WT_EXECUTEONLYONCE        = 0x00000008
	WT_EXECUTELONGFUNCTION    = 0x00000010
	WT_TRANSFER_IMPERSONATION = 0x00000100
)

// INFINITE disables the wait timeout.
const INFINITE = 0xFFFFFFFF

var (
	errERROR_IO_PENDING error = syscall.Errno(errnoERROR_IO_PENDING)
	errERROR_EINVAL     error = syscall.EINVAL

	modkernel32                     = windows.NewLazySystemDLL("kernel32.dll")
	procRegisterWaitForSingleObject = modkernel32.NewProc("RegisterWaitForSingleObject")
	procUnregisterWait              = modkernel32.NewProc("UnregisterWait")
)

// errnoErr returns common boxed Errno values, to prevent
// allocations at runtime.
func errnoErr(e syscall.Errno) error {
	switch e {
	case 0:
		return errERROR_EINVAL
	case errnoERROR_IO_PENDING:
		return errERROR_IO_PENDING
	}
	return e
}

// RegisterWaitForSingleObject directs a wait thread in the system thread pool to
// call callback with context once object is signaled or the timeout elapses.
// callback must have been created with [windows.NewCallback].
func RegisterWaitForSingleObject(waitHandle *windows.Handle, object windows.Handle, callback, context uintptr, milliseconds, flags uint32) error {
	r1, _, e1 := syscall.SyscallN(procRegisterWaitForSingleObject.Addr(),
		uintptr(unsafe.Pointer(waitHandle)),
		uintptr(object),
		callback,
		context,
		uintptr(milliseconds),
		uintptr(flags),
	)
	if r1 == 0 {
		return errnoErr(e1)
	}
	return nil
}

// UnregisterWait cancels a registered wait.
//
// If the callback is running, the wait is still unregistered and
// ERROR_IO_PENDING is returned.
func UnregisterWait(waitHandle windows.Handle) error {
	r1, _, e1 := syscall.SyscallN(procUnregisterWait.Addr(), uintptr(waitHandle))
	if r1 == 0 {
		return errnoErr(e1)
	}
	return nil
}
