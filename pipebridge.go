// Package pipebridge drives duplex byte-stream pipes with overlapped I/O on behalf of
// a caller that cannot block: every operation reports its outcome to a [Responder],
// either before the call returns or later, from the operating system's wait thread pool.
//
// The five operations are Accept, Connect, Read, Write and Close. Accept, Read and
// Write may complete asynchronously. Connect and Close always complete before they return.
//
// Pipe handles are not tracked by the engine. A [Handle] is returned to the caller by
// Accept and Connect and passed back for every other operation, until Close is called on it.
//
// Only Windows is supported. On other platforms every operation fails with
// [ErrPlatformUnsupported], unless a custom [System] is supplied in [Config].
package pipebridge

import (
	"fmt"
	"strconv"
)

// Handle is an operating system pipe handle.
type Handle uintptr

// InvalidHandle is the platform's invalid handle sentinel.
const InvalidHandle = ^Handle(0)

// HandleFromToken converts a wire token back into a handle.
func HandleFromToken(token int64) Handle {
	return Handle(uintptr(token))
}

// Token returns the integer representation of h handed across the method boundary.
func (h Handle) Token() int64 {
	return int64(h)
}

// Valid reports whether h is neither 0 nor [InvalidHandle].
func (h Handle) Valid() bool {
	return h != 0 && h != InvalidHandle
}

func (h Handle) String() string {
	if h == InvalidHandle {
		return "INVALID_HANDLE_VALUE"
	}
	return "0x" + strconv.FormatUint(uint64(h), 16)
}

// Value is the success value of an operation.
//
// It is one of [Handle], [Bytes], [Count] or [Empty].
type Value interface {
	isValue()
}

// Bytes is the data returned by Read.
type Bytes []byte

// Count is the number of bytes accepted by Write.
type Count int

// Empty is the value returned by Close.
type Empty struct{}

func (Handle) isValue() {}
func (Bytes) isValue()  {}
func (Count) isValue()  {}
func (Empty) isValue()  {}

// OpKind identifies an operation.
type OpKind uint8

const (
	OpAccept OpKind = iota
	OpConnect
	OpRead
	OpWrite
	OpClose
)

func (k OpKind) String() string {
	switch k {
	case OpAccept:
		return "accept"
	case OpConnect:
		return "connect"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpClose:
		return "close"
	default:
		return fmt.Sprintf("OpKind(%d)", uint8(k))
	}
}
