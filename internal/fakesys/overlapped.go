package fakesys

import (
	"sync"

	"github.com/database64128/pipebridge-go"
)

// Overlapped is the fake descriptor. Its completion is delivered on a new goroutine.
type Overlapped struct {
	sys *System
	id  int

	mu       sync.Mutex
	pending  bool
	signaled bool
	released bool
	notify   func()

	n   int
	err error

	// Set by pending faults.
	data []byte
	buf  []byte
}

func (ov *Overlapped) begin() {
	ov.mu.Lock()
	ov.pending = true
	ov.mu.Unlock()
}

func (ov *Overlapped) signal(n int, err error) {
	ov.mu.Lock()
	if ov.signaled {
		ov.mu.Unlock()
		return
	}
	ov.signaled = true
	ov.n, ov.err = n, err
	fn := ov.notify
	ov.notify = nil
	ov.mu.Unlock()

	if fn != nil {
		go fn()
	}
}

// Result implements [pipebridge.Overlapped].
func (ov *Overlapped) Result(_ pipebridge.Handle) (int, error) {
	ov.mu.Lock()
	defer ov.mu.Unlock()
	if ov.pending && !ov.signaled {
		return 0, ERROR_IO_INCOMPLETE
	}
	return ov.n, ov.err
}

// Notify implements [pipebridge.Overlapped].
func (ov *Overlapped) Notify(fn func()) error {
	ov.sys.mu.Lock()
	f, ok := ov.sys.fault(CallNotify)
	ov.sys.mu.Unlock()
	if ok && f.Err != nil {
		return f.Err
	}

	ov.mu.Lock()
	if ov.signaled {
		ov.mu.Unlock()
		go fn()
		return nil
	}
	ov.notify = fn
	ov.mu.Unlock()
	return nil
}

// Release implements [pipebridge.Overlapped].
func (ov *Overlapped) Release() error {
	ov.mu.Lock()
	double := ov.released
	ov.released = true
	ov.notify = nil
	ov.mu.Unlock()

	ov.sys.mu.Lock()
	defer ov.sys.mu.Unlock()
	if double {
		ov.sys.stats.DoubleReleases++
		return ERROR_INVALID_HANDLE
	}
	ov.sys.stats.OverlappedReleased++
	return nil
}
