// Package fakesys is an in-memory [pipebridge.System] for tests.
//
// It models a pipe namespace: Accept-created server ends wait for clients, Connect
// pairs a client with a waiting server, and bytes written on one end are read on the
// other. Reads with nothing to deliver and connect-waits with no client go pending and
// are completed when the peer acts, on a separate goroutine, as the Windows thread pool would.
//
// Faults can be injected per call, and every overlapped descriptor is accounted for.
package fakesys

import (
	"strings"
	"sync"
	"syscall"

	"github.com/database64128/pipebridge-go"
)

// Windows error codes produced by the fake.
const (
	ERROR_FILE_NOT_FOUND    syscall.Errno = 2
	ERROR_INVALID_HANDLE    syscall.Errno = 6
	ERROR_BROKEN_PIPE       syscall.Errno = 109
	ERROR_INVALID_NAME      syscall.Errno = 123
	ERROR_PIPE_BUSY         syscall.Errno = 231
	ERROR_NO_DATA           syscall.Errno = 232
	ERROR_PIPE_CONNECTED    syscall.Errno = 535
	ERROR_PIPE_LISTENING    syscall.Errno = 536
	ERROR_OPERATION_ABORTED syscall.Errno = 995
	ERROR_IO_INCOMPLETE     syscall.Errno = 996
	ERROR_IO_PENDING        syscall.Errno = 997
	ERROR_NOT_FOUND         syscall.Errno = 1168
	ERROR_NOT_ENOUGH_MEMORY syscall.Errno = 8
	ERROR_ACCESS_DENIED     syscall.Errno = 5
	ERROR_INVALID_PARAMETER syscall.Errno = 87
)

// PipePrefix is the namespace every pipe path must start with.
const PipePrefix = `\\.\pipe\`

// Call names an operation of the fake that faults can be injected into.
type Call string

const (
	CallCreatePipe    Call = "CreateNamedPipe"
	CallOpenPipe      Call = "CreateFile"
	CallClose         Call = "CloseHandle"
	CallNewOverlapped Call = "CreateEvent"
	CallNotify        Call = "RegisterWaitForSingleObject"
	CallConnectPipe   Call = "ConnectNamedPipe"
	CallReadFile      Call = "ReadFile"
	CallWriteFile     Call = "WriteFile"
)

// Fault replaces the behavior of the next call of one kind.
//
// Without Pending, the call returns N and Err immediately.
// With Pending, the call returns ERROR_IO_PENDING and its descriptor is held until
// [System.FireHeld], which completes it with N and Err. Data is copied from Data into
// a held read's buffer when it completes.
type Fault struct {
	N       int
	Err     error
	Pending bool
	Data    []byte
}

// Stats accounts for the resources handed out by the fake.
type Stats struct {
	OverlappedCreated  int
	OverlappedReleased int
	DoubleReleases     int
	OpenHandles        int
	Calls              map[Call]int
}

// System is the fake. The zero value is not usable; create one with [New].
type System struct {
	mu sync.Mutex

	next      pipebridge.Handle
	endpoints map[pipebridge.Handle]*endpoint
	listeners map[string][]*endpoint

	faults map[Call][]Fault
	held   []*Overlapped

	// WriteLimit caps the bytes accepted by a single WriteFile when positive.
	WriteLimit int

	stats Stats
}

type endpoint struct {
	h      pipebridge.Handle
	path   string
	server bool
	peer   *endpoint
	closed bool

	inbox []byte

	connect *Overlapped
	read    *pendingRead
}

type pendingRead struct {
	b  []byte
	ov *Overlapped
}

// New returns an empty namespace.
func New() *System {
	return &System{
		next:      0x100,
		endpoints: make(map[pipebridge.Handle]*endpoint),
		listeners: make(map[string][]*endpoint),
		faults:    make(map[Call][]Fault),
		stats:     Stats{Calls: make(map[Call]int)},
	}
}

// Inject queues f for the next call of c. Faults are consumed in order.
func (s *System) Inject(c Call, f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[c] = append(s.faults[c], f)
}

// Stats returns a snapshot of the accounting.
func (s *System) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Calls = make(map[Call]int, len(s.stats.Calls))
	for k, v := range s.stats.Calls {
		st.Calls[k] = v
	}
	for _, ep := range s.endpoints {
		if !ep.closed {
			st.OpenHandles++
		}
	}
	return st
}

// Held returns the number of descriptors held by pending faults.
func (s *System) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

// FireHeld completes every descriptor held by a pending fault.
func (s *System) FireHeld() {
	s.mu.Lock()
	held := s.held
	s.held = nil
	s.mu.Unlock()

	for _, ov := range held {
		n := ov.n
		if len(ov.data) > 0 {
			n = copy(ov.buf, ov.data)
		}
		ov.signal(n, ov.err)
	}
}

// fault pops the next fault for c. The caller holds s.mu.
func (s *System) fault(c Call) (Fault, bool) {
	s.stats.Calls[c]++
	q := s.faults[c]
	if len(q) == 0 {
		return Fault{}, false
	}
	s.faults[c] = q[1:]
	return q[0], true
}

// hold parks ov for FireHeld. The caller holds s.mu.
func (s *System) hold(ov *Overlapped, f Fault, buf []byte) error {
	ov.begin()
	ov.n, ov.err, ov.data, ov.buf = f.N, f.Err, f.Data, buf
	s.held = append(s.held, ov)
	return ERROR_IO_PENDING
}

func (s *System) lookup(h pipebridge.Handle) (*endpoint, error) {
	ep, ok := s.endpoints[h]
	if !ok || ep.closed {
		return nil, ERROR_INVALID_HANDLE
	}
	return ep, nil
}

func (s *System) newEndpoint(path string, server bool) *endpoint {
	s.next += 4
	ep := &endpoint{h: s.next, path: path, server: server}
	s.endpoints[ep.h] = ep
	return ep
}

// CreatePipe implements [pipebridge.System].
func (s *System) CreatePipe(path string, cfg *pipebridge.PipeConfig) (pipebridge.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.fault(CallCreatePipe); ok && f.Err != nil {
		return 0, f.Err
	}
	if !strings.HasPrefix(path, PipePrefix) || len(path) == len(PipePrefix) {
		return 0, ERROR_INVALID_NAME
	}
	if cfg.MaxInstances > 0 && s.instances(path) >= cfg.MaxInstances {
		return 0, ERROR_PIPE_BUSY
	}

	ep := s.newEndpoint(path, true)
	s.listeners[path] = append(s.listeners[path], ep)
	return ep.h, nil
}

func (s *System) instances(path string) int {
	var n int
	for _, ep := range s.endpoints {
		if ep.server && !ep.closed && ep.path == path {
			n++
		}
	}
	return n
}

// OpenPipe implements [pipebridge.System].
func (s *System) OpenPipe(path string) (pipebridge.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.fault(CallOpenPipe); ok && f.Err != nil {
		return 0, f.Err
	}

	q := s.listeners[path]
	if len(q) == 0 {
		if s.instances(path) > 0 {
			return 0, ERROR_PIPE_BUSY
		}
		return 0, ERROR_FILE_NOT_FOUND
	}
	srv := q[0]
	s.listeners[path] = q[1:]

	cli := s.newEndpoint(path, false)
	cli.peer, srv.peer = srv, cli
	if ov := srv.connect; ov != nil {
		srv.connect = nil
		ov.signal(0, nil)
	}
	return cli.h, nil
}

// Close implements [pipebridge.System].
func (s *System) Close(h pipebridge.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.fault(CallClose); ok && f.Err != nil {
		return f.Err
	}
	ep, err := s.lookup(h)
	if err != nil {
		return err
	}
	ep.closed = true
	s.unlisten(ep)

	if ov := ep.connect; ov != nil {
		ep.connect = nil
		ov.signal(0, ERROR_OPERATION_ABORTED)
	}
	if r := ep.read; r != nil {
		ep.read = nil
		r.ov.signal(0, ERROR_OPERATION_ABORTED)
	}
	if p := ep.peer; p != nil && p.read != nil {
		r := p.read
		p.read = nil
		r.ov.signal(0, ERROR_BROKEN_PIPE)
	}
	return nil
}

func (s *System) unlisten(ep *endpoint) {
	q := s.listeners[ep.path]
	for i, l := range q {
		if l == ep {
			s.listeners[ep.path] = append(q[:i:i], q[i+1:]...)
			return
		}
	}
}

// CancelIO implements [pipebridge.Canceler].
func (s *System) CancelIO(h pipebridge.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ep, err := s.lookup(h)
	if err != nil {
		return err
	}
	var cancelled bool
	if ov := ep.connect; ov != nil {
		ep.connect = nil
		ov.signal(0, ERROR_OPERATION_ABORTED)
		cancelled = true
	}
	if r := ep.read; r != nil {
		ep.read = nil
		r.ov.signal(0, ERROR_OPERATION_ABORTED)
		cancelled = true
	}
	if !cancelled {
		return ERROR_NOT_FOUND
	}
	return nil
}

// NewOverlapped implements [pipebridge.System].
func (s *System) NewOverlapped() (pipebridge.Overlapped, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.fault(CallNewOverlapped); ok && f.Err != nil {
		return nil, f.Err
	}
	s.stats.OverlappedCreated++
	return &Overlapped{sys: s, id: s.stats.OverlappedCreated}, nil
}

// ConnectPipe implements [pipebridge.System].
func (s *System) ConnectPipe(h pipebridge.Handle, pov pipebridge.Overlapped) error {
	ov := pov.(*Overlapped)

	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.fault(CallConnectPipe); ok {
		if f.Pending {
			return s.hold(ov, f, nil)
		}
		return f.Err
	}
	ep, err := s.lookup(h)
	if err != nil {
		return err
	}
	if !ep.server || ep.connect != nil {
		return ERROR_INVALID_PARAMETER
	}
	if ep.peer != nil {
		return ERROR_PIPE_CONNECTED
	}
	ov.begin()
	ep.connect = ov
	return ERROR_IO_PENDING
}

// ReadFile implements [pipebridge.System].
func (s *System) ReadFile(h pipebridge.Handle, b []byte, pov pipebridge.Overlapped) (int, error) {
	ov := pov.(*Overlapped)

	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.fault(CallReadFile); ok {
		if f.Pending {
			return 0, s.hold(ov, f, b)
		}
		if f.Err != nil {
			return 0, f.Err
		}
		return copy(b, f.Data), nil
	}
	ep, err := s.lookup(h)
	if err != nil {
		return 0, err
	}
	if len(ep.inbox) > 0 {
		n := copy(b, ep.inbox)
		ep.inbox = ep.inbox[n:]
		return n, nil
	}
	switch {
	case ep.peer == nil && ep.server:
		return 0, ERROR_PIPE_LISTENING
	case ep.peer == nil || ep.peer.closed:
		return 0, ERROR_BROKEN_PIPE
	}
	ov.begin()
	ep.read = &pendingRead{b: b, ov: ov}
	return 0, ERROR_IO_PENDING
}

// WriteFile implements [pipebridge.System].
func (s *System) WriteFile(h pipebridge.Handle, b []byte, pov pipebridge.Overlapped) (int, error) {
	ov := pov.(*Overlapped)

	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.fault(CallWriteFile); ok {
		if f.Pending {
			return 0, s.hold(ov, f, nil)
		}
		return f.N, f.Err
	}
	ep, err := s.lookup(h)
	if err != nil {
		return 0, err
	}
	switch {
	case ep.peer == nil && ep.server:
		return 0, ERROR_PIPE_LISTENING
	case ep.peer == nil || ep.peer.closed:
		return 0, ERROR_NO_DATA
	}

	n := len(b)
	if s.WriteLimit > 0 && n > s.WriteLimit {
		n = s.WriteLimit
	}
	p := ep.peer
	data := b[:n]
	if r := p.read; r != nil {
		p.read = nil
		m := copy(r.b, data)
		data = data[m:]
		r.ov.signal(m, nil)
	}
	p.inbox = append(p.inbox, data...)
	return n, nil
}
