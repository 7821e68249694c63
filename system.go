package pipebridge

import "time"

// PipeConfig describes the server end of a pipe created by Accept.
type PipeConfig struct {
	// BufferSize is used for both the input and the output buffer.
	BufferSize int

	// DefaultTimeout is the per-client timeout of the pipe.
	DefaultTimeout time.Duration

	// MaxInstances limits the number of instances. 0 means unlimited.
	MaxInstances int

	// SecurityDescriptor is an optional SDDL string.
	SecurityDescriptor string
}

// System is the operating system surface the engine drives.
//
// Methods that take an [Overlapped] return an error wrapping ERROR_IO_PENDING
// when the operation was queued instead of completed.
type System interface {
	// CreatePipe creates the server end of a duplex byte-mode pipe.
	CreatePipe(path string, cfg *PipeConfig) (Handle, error)

	// OpenPipe opens the client end of an existing pipe.
	OpenPipe(path string) (Handle, error)

	// Close releases h.
	Close(h Handle) error

	// NewOverlapped allocates an overlapped descriptor with its own
	// manual-reset, initially unsignaled event.
	NewOverlapped() (Overlapped, error)

	// ConnectPipe waits for a client to connect to the server handle h.
	ConnectPipe(h Handle, ov Overlapped) error

	// ReadFile reads into b.
	ReadFile(h Handle, b []byte, ov Overlapped) (int, error)

	// WriteFile writes b in a single call.
	WriteFile(h Handle, b []byte, ov Overlapped) (int, error)
}

// Overlapped is one overlapped I/O descriptor together with its completion event.
//
// It must stay reachable until Release returns.
type Overlapped interface {
	// Result returns the final status of the operation issued on h.
	// It does not wait.
	Result(h Handle) (int, error)

	// Notify arranges for fn to be called once, on an arbitrary goroutine,
	// after the event is signaled.
	Notify(fn func()) error

	// Release cancels any notification registration, closes the event and
	// frees the descriptor. It is called exactly once.
	Release() error
}

// Canceler is implemented by systems that can cancel outstanding I/O on a handle.
type Canceler interface {
	CancelIO(h Handle) error
}
