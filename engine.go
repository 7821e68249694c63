package pipebridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/sirupsen/logrus"
)

// Engine issues pipe operations and routes their completions to responders.
//
// Operations run on the calling goroutine until the operating system either
// completes them or queues them. Queued operations are finished by a dispatcher
// goroutine once the system signals their event. An Engine is safe for concurrent use.
type Engine struct {
	sys             System
	pipe            *PipeConfig
	bufs            *bufferPool
	logger          logrus.FieldLogger
	metrics         *Metrics
	allowConcurrent bool

	mu      sync.Mutex
	busy    map[slot]struct{}
	pending int
	idle    chan struct{}
}

type direction uint8

const (
	dirRead direction = iota
	dirWrite
)

// slot is one direction of one handle. At most one Read and one Write may be outstanding per handle.
type slot struct {
	h   Handle
	dir direction
}

// operation is the context of one overlapped request. It owns the descriptor,
// the event behind it and, for reads, the buffer, until finish releases them.
type operation struct {
	kind   OpKind
	handle Handle
	resp   Responder
	ov     Overlapped
	buf    *[]byte
	data   []byte
	done   chan struct{}
}

// pollInterval paces the fallback used when a completion notification cannot be registered.
const pollInterval = 10 * time.Millisecond

// NewEngine returns an engine configured by cfg.
func NewEngine(cfg Config) *Engine {
	sys := cfg.System
	if sys == nil {
		sys = platformSystem()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{
		sys:             sys,
		pipe:            cfg.pipeConfig(),
		bufs:            newBufferPool(cfg.maxTransferSize()),
		logger:          logger,
		metrics:         cfg.Metrics,
		allowConcurrent: cfg.AllowConcurrent,
		busy:            make(map[slot]struct{}),
	}
}

func (e *Engine) guard(op OpKind, r Responder) Responder {
	if r == nil {
		panic("pipebridge: nil Responder")
	}
	return &onceResponder{r: r, op: op, logger: e.logger}
}

// Accept creates a new server end of the pipe at path and waits for a client to connect.
// On success, r receives the server handle.
func (e *Engine) Accept(path string, r Responder) {
	r = e.guard(OpAccept, r)

	h, err := e.sys.CreatePipe(path, e.pipe)
	if err != nil {
		e.fail(r, newOpError(OpAccept, "CreateNamedPipe", "CreateNamedPipe failed", err))
		return
	}

	e.start(&operation{kind: OpAccept, handle: h, resp: r}, func(op *operation) (int, error) {
		err := e.sys.ConnectPipe(op.handle, op.ov)
		if errors.Is(err, errnoPipeConnected) {
			// The client connected between CreateNamedPipe and ConnectNamedPipe.
			err = nil
		}
		return 0, err
	})
}

// Connect opens the client end of the existing pipe at path.
// It always completes before returning.
func (e *Engine) Connect(path string, r Responder) {
	r = e.guard(OpConnect, r)

	h, err := e.sys.OpenPipe(path)
	if err != nil {
		e.fail(r, newOpError(OpConnect, "CreateFile", "CreateFile failed", err))
		return
	}
	e.metrics.observe(OpConnect, "success")
	r.Success(h)
}

// Read reads up to the configured maximum transfer size from h.
// On success, r receives the bytes actually read, possibly none.
func (e *Engine) Read(h Handle, r Responder) {
	r = e.guard(OpRead, r)

	if !h.Valid() {
		e.fail(r, invalidHandleError(OpRead))
		return
	}

	e.start(&operation{kind: OpRead, handle: h, resp: r}, func(op *operation) (int, error) {
		op.buf = e.bufs.get()
		return e.sys.ReadFile(op.handle, *op.buf, op.ov)
	})
}

// Write writes b to h in a single call. On success, r receives the number of bytes
// the system accepted, which may be less than len(b). No retry is made.
//
// b must not be modified until r has been called.
func (e *Engine) Write(h Handle, b []byte, r Responder) {
	r = e.guard(OpWrite, r)

	if !h.Valid() {
		e.fail(r, invalidHandleError(OpWrite))
		return
	}

	e.start(&operation{kind: OpWrite, handle: h, resp: r, data: b}, func(op *operation) (int, error) {
		return e.sys.WriteFile(op.handle, op.data, op.ov)
	})
}

// Close releases h. It always completes before returning.
// The handle must not be used afterwards.
func (e *Engine) Close(h Handle, r Responder) {
	r = e.guard(OpClose, r)

	if err := e.sys.Close(h); err != nil {
		e.fail(r, newOpError(OpClose, "CloseHandle", "CloseHandle failed", err))
		return
	}
	e.metrics.observe(OpClose, "success")
	r.Success(Empty{})
}

// Cancel asks the system to abort every outstanding operation on h.
// The affected operations still complete through their responders, with an error
// for which [IsOperationAborted] reports true.
func (e *Engine) Cancel(h Handle) error {
	c, ok := e.sys.(Canceler)
	if !ok {
		return fmt.Errorf("cancellation: %w", errdefs.ErrNotImplemented)
	}
	if err := c.CancelIO(h); err != nil {
		return wrapSyscallError("CancelIoEx", err)
	}
	return nil
}

// Pending returns the number of operations waiting for the system to signal completion.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

// Wait blocks until no operation is pending or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	e.mu.Lock()
	if e.pending == 0 {
		e.mu.Unlock()
		return nil
	}
	idle := e.idle
	e.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) fail(r Responder, err *OpError) {
	e.metrics.observe(err.Op, "error")
	e.logger.WithFields(logrus.Fields{
		"op":   err.Op,
		"code": err.Code,
	}).WithError(err.Err).Debug(err.Hint)
	r.Error(err)
}

func (e *Engine) acquire(op *operation) bool {
	if e.allowConcurrent {
		return true
	}
	s, ok := op.slot()
	if !ok {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, taken := e.busy[s]; taken {
		return false
	}
	e.busy[s] = struct{}{}
	return true
}

func (e *Engine) releaseSlot(op *operation) {
	if e.allowConcurrent {
		return
	}
	if s, ok := op.slot(); ok {
		e.mu.Lock()
		delete(e.busy, s)
		e.mu.Unlock()
	}
}

func (op *operation) slot() (slot, bool) {
	switch op.kind {
	case OpRead:
		return slot{op.handle, dirRead}, true
	case OpWrite:
		return slot{op.handle, dirWrite}, true
	default:
		// Accept works on a handle nobody else knows about yet.
		return slot{}, false
	}
}

// start allocates the descriptor, issues the request and either finishes it
// right away or hands it over to the dispatcher.
func (e *Engine) start(op *operation, issue func(*operation) (int, error)) {
	if !e.acquire(op) {
		e.fail(op.resp, busyError(op.kind))
		return
	}

	ov, err := e.sys.NewOverlapped()
	if err != nil {
		e.releaseSlot(op)
		if op.kind == OpAccept {
			e.closeOrphan(op.handle)
		}
		e.fail(op.resp, newOpError(op.kind, "CreateEvent", "CreateEvent failed", err))
		return
	}
	op.ov = ov

	n, err := issue(op)
	if errors.Is(err, errnoIOPending) {
		e.suspend(op)
		return
	}
	e.finish(op, n, err, false)
}

func (e *Engine) suspend(op *operation) {
	op.done = make(chan struct{})

	e.mu.Lock()
	if e.pending == 0 {
		e.idle = make(chan struct{})
	}
	e.pending++
	e.mu.Unlock()

	e.metrics.observe(op.kind, "pending")
	e.metrics.suspended()
	e.logger.WithFields(logrus.Fields{
		"op":     op.kind,
		"handle": op.handle,
	}).Debug("Operation pending")

	done := op.done
	if err := op.ov.Notify(func() { close(done) }); err != nil {
		e.logger.WithFields(logrus.Fields{
			"op":     op.kind,
			"handle": op.handle,
		}).WithError(err).Warn("Failed to register completion notification, falling back to polling")
		go e.poll(op)
		return
	}
	go e.dispatch(op)
}

// dispatch waits for the completion signal of a pending operation and finishes it.
func (e *Engine) dispatch(op *operation) {
	<-op.done
	n, err := op.ov.Result(op.handle)
	e.resume(op, n, err)
}

// poll finishes a pending operation whose event could not be waited on.
func (e *Engine) poll(op *operation) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		n, err := op.ov.Result(op.handle)
		if !errors.Is(err, errnoIOIncomplete) {
			e.resume(op, n, err)
			return
		}
		<-ticker.C
	}
}

func (e *Engine) resume(op *operation, n int, err error) {
	e.finish(op, n, err, true)

	e.metrics.resumed()
	e.mu.Lock()
	e.pending--
	if e.pending == 0 {
		close(e.idle)
	}
	e.mu.Unlock()
}

// finish builds the response, releases everything the operation owns and
// then responds. It runs exactly once per operation that reached the system.
func (e *Engine) finish(op *operation, n int, err error, async bool) {
	var v Value
	if err == nil {
		switch op.kind {
		case OpAccept:
			v = op.handle
		case OpRead:
			v = Bytes(bytes.Clone((*op.buf)[:n]))
		case OpWrite:
			v = Count(n)
		}
	}

	if rerr := op.ov.Release(); rerr != nil {
		e.logger.WithFields(logrus.Fields{
			"op":     op.kind,
			"handle": op.handle,
		}).WithError(rerr).Error("Failed to release overlapped descriptor")
	}
	op.ov = nil
	if op.buf != nil {
		e.bufs.put(op.buf)
		op.buf = nil
	}
	op.data = nil
	e.releaseSlot(op)

	if err != nil {
		if op.kind == OpAccept {
			// The caller never saw this handle.
			e.closeOrphan(op.handle)
		}
		call, hint := op.kind.call()
		if async {
			call, hint = "GetOverlappedResult", "Operation failed"
		}
		e.fail(op.resp, newOpError(op.kind, call, hint, err))
		return
	}

	e.metrics.observe(op.kind, "success")
	e.metrics.transferred(op.kind, n)
	e.logger.WithFields(logrus.Fields{
		"op":     op.kind,
		"handle": op.handle,
		"bytes":  n,
		"async":  async,
	}).Debug("Operation completed")
	op.resp.Success(v)
}

func (e *Engine) closeOrphan(h Handle) {
	if err := e.sys.Close(h); err != nil {
		e.logger.WithField("handle", h).WithError(err).Warn("Failed to close pipe of failed accept")
	}
}

func (k OpKind) call() (name, hint string) {
	switch k {
	case OpAccept:
		return "ConnectNamedPipe", "ConnectNamedPipe failed"
	case OpRead:
		return "ReadFile", "ReadFile failed"
	case OpWrite:
		return "WriteFile", "WriteFile failed"
	default:
		return k.String(), "Operation failed"
	}
}
