package pipebridge

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"syscall"

	"github.com/containerd/errdefs"
)

// Windows error codes the engine inspects or reports itself.
// They are declared here so that the engine logic builds on every platform.
const (
	errnoInvalidHandle    syscall.Errno = 6
	errnoBusy             syscall.Errno = 170
	errnoPipeConnected    syscall.Errno = 535
	errnoOperationAborted syscall.Errno = 995
	errnoIOIncomplete     syscall.Errno = 996
	errnoIOPending        syscall.Errno = 997
)

var (
	ErrPlatformUnsupported = fmt.Errorf("pipebridge does not support named pipes on this platform: %w", errdefs.ErrNotImplemented)
	ErrInvalidHandle       = fmt.Errorf("invalid pipe handle: %w", errdefs.ErrInvalidArgument)
	ErrBusy                = fmt.Errorf("another operation is outstanding in the same direction: %w", errdefs.ErrConflict)
)

// OpError is the error delivered to a [Responder].
type OpError struct {
	// Op is the operation that failed.
	Op OpKind

	// Code is the operating system error code.
	Code uint32

	// Hint is a short human-readable description, such as "ReadFile failed".
	Hint string

	// Err is the underlying error.
	Err error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return e.Op.String() + ": " + e.Hint
	}
	return e.Op.String() + ": " + e.Hint + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// CodeString returns Code in decimal, the form used on the wire.
func (e *OpError) CodeString() string {
	return strconv.FormatUint(uint64(e.Code), 10)
}

// IsOperationAborted reports whether err is the result of a cancelled operation.
func IsOperationAborted(err error) bool {
	return errors.Is(err, errnoOperationAborted)
}

func wrapSyscallError(name string, err error) error {
	if _, ok := err.(syscall.Errno); ok {
		err = os.NewSyscallError(name, err)
	}
	return err
}

// newOpError builds the error for a failed OS call. The code is taken from the
// syscall.Errno in err's chain; errors without one are reported as ERROR_GEN_FAILURE.
func newOpError(op OpKind, call, hint string, err error) *OpError {
	code := uint32(31)
	var errno syscall.Errno
	switch {
	case errors.As(err, &errno):
		code = uint32(errno)
	case errors.Is(err, ErrPlatformUnsupported):
		code = 50 // ERROR_NOT_SUPPORTED
	}
	return &OpError{
		Op:   op,
		Code: code,
		Hint: hint,
		Err:  wrapSyscallError(call, err),
	}
}

func invalidHandleError(op OpKind) *OpError {
	return &OpError{
		Op:   op,
		Code: uint32(errnoInvalidHandle),
		Hint: "Invalid pipe handle",
		Err:  ErrInvalidHandle,
	}
}

func busyError(op OpKind) *OpError {
	return &OpError{
		Op:   op,
		Code: uint32(errnoBusy),
		Hint: "Operation already in progress",
		Err:  ErrBusy,
	}
}
