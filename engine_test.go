package pipebridge_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/database64128/pipebridge-go"
	"github.com/database64128/pipebridge-go/internal/fakesys"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPipe = `\\.\pipe\test`

func newEngine(t *testing.T, sys *fakesys.System, mutate ...func(*pipebridge.Config)) *pipebridge.Engine {
	t.Helper()
	logger, _ := test.NewNullLogger()
	cfg := pipebridge.Config{
		System: sys,
		Logger: logger,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return pipebridge.NewEngine(cfg)
}

func settle(t *testing.T, f *pipebridge.Future) pipebridge.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o, err := f.Wait(ctx)
	require.NoError(t, err, "operation never completed")
	return o
}

func settled(f *pipebridge.Future) bool {
	select {
	case <-f.Done():
		return true
	default:
		return false
	}
}

func requireSuccess(t *testing.T, f *pipebridge.Future) pipebridge.Value {
	t.Helper()
	o := settle(t, f)
	require.Nil(t, o.Err)
	require.False(t, o.NotImplemented)
	require.NotNil(t, o.Value)
	return o.Value
}

func requireError(t *testing.T, f *pipebridge.Future, code uint32) *pipebridge.OpError {
	t.Helper()
	o := settle(t, f)
	require.NotNil(t, o.Err, "expected an error, got %#v", o.Value)
	assert.Equal(t, code, o.Err.Code)
	return o.Err
}

// requireNoLeaks asserts that every descriptor and buffer has been released exactly once.
func requireNoLeaks(t *testing.T, e *pipebridge.Engine, sys *fakesys.System) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Wait(ctx))

	st := sys.Stats()
	assert.Equal(t, st.OverlappedCreated, st.OverlappedReleased, "descriptors created vs released")
	assert.Zero(t, st.DoubleReleases)
	assert.Zero(t, e.BuffersInUse())
	assert.Zero(t, e.Pending())
}

// connectPair accepts and connects on testPipe and returns the server and client handles.
func connectPair(t *testing.T, e *pipebridge.Engine) (server, client pipebridge.Handle) {
	t.Helper()
	accept := pipebridge.NewFuture()
	e.Accept(testPipe, accept)
	require.False(t, settled(accept), "accept completed without a client")

	connect := pipebridge.NewFuture()
	e.Connect(testPipe, connect)
	require.True(t, settled(connect), "connect must complete synchronously")

	client = requireSuccess(t, connect).(pipebridge.Handle)
	server = requireSuccess(t, accept).(pipebridge.Handle)
	require.NotEqual(t, server, client)
	return server, client
}

func TestEndToEnd(t *testing.T) {
	sys := fakesys.New()
	e := newEngine(t, sys)

	server, client := connectPair(t, e)

	write := pipebridge.NewFuture()
	e.Write(client, []byte{1, 2, 3}, write)
	assert.Equal(t, pipebridge.Count(3), requireSuccess(t, write))

	read := pipebridge.NewFuture()
	e.Read(server, read)
	assert.Equal(t, pipebridge.Bytes{1, 2, 3}, requireSuccess(t, read))

	for _, h := range []pipebridge.Handle{server, client} {
		c := pipebridge.NewFuture()
		e.Close(h, c)
		assert.Equal(t, pipebridge.Empty{}, requireSuccess(t, c))
	}

	requireNoLeaks(t, e, sys)
	assert.Zero(t, sys.Stats().OpenHandles)
}

func TestPendingReadCompletesOnWrite(t *testing.T) {
	sys := fakesys.New()
	e := newEngine(t, sys)
	server, client := connectPair(t, e)

	read := pipebridge.NewFuture()
	e.Read(server, read)
	require.False(t, settled(read))
	assert.Equal(t, 1, e.Pending())
	assert.EqualValues(t, 1, e.BuffersInUse())

	write := pipebridge.NewFuture()
	e.Write(client, []byte("hello"), write)
	assert.Equal(t, pipebridge.Count(5), requireSuccess(t, write))
	assert.Equal(t, pipebridge.Bytes("hello"), requireSuccess(t, read))

	requireNoLeaks(t, e, sys)
}

func TestDuplexReadAndWriteOnSameHandle(t *testing.T) {
	sys := fakesys.New()
	e := newEngine(t, sys)
	server, client := connectPair(t, e)

	read := pipebridge.NewFuture()
	e.Read(server, read)
	require.False(t, settled(read))

	// A write in the other direction is not serialized behind the pending read.
	write := pipebridge.NewFuture()
	e.Write(server, []byte{9}, write)
	assert.Equal(t, pipebridge.Count(1), requireSuccess(t, write))

	back := pipebridge.NewFuture()
	e.Read(client, back)
	assert.Equal(t, pipebridge.Bytes{9}, requireSuccess(t, back))

	reply := pipebridge.NewFuture()
	e.Write(client, []byte{7, 7}, reply)
	requireSuccess(t, reply)
	assert.Equal(t, pipebridge.Bytes{7, 7}, requireSuccess(t, read))

	requireNoLeaks(t, e, sys)
}

// TestNoLeaks drives every operation that can go pending through each of its four outcomes.
func TestNoLeaks(t *testing.T) {
	errAccessDenied := fakesys.ERROR_ACCESS_DENIED

	for _, c := range []struct {
		name  string
		call  fakesys.Call
		fault fakesys.Fault
		run   func(e *pipebridge.Engine, h pipebridge.Handle, r pipebridge.Responder)
		code  uint32
	}{
		{"Accept/SyncSuccess", fakesys.CallConnectPipe, fakesys.Fault{}, accept, 0},
		{"Accept/SyncFailure", fakesys.CallConnectPipe, fakesys.Fault{Err: errAccessDenied}, accept, 5},
		{"Accept/PendingSuccess", fakesys.CallConnectPipe, fakesys.Fault{Pending: true}, accept, 0},
		{"Accept/PendingFailure", fakesys.CallConnectPipe, fakesys.Fault{Pending: true, Err: errAccessDenied}, accept, 5},
		{"Read/SyncSuccess", fakesys.CallReadFile, fakesys.Fault{Data: []byte{1}}, read, 0},
		{"Read/SyncFailure", fakesys.CallReadFile, fakesys.Fault{Err: errAccessDenied}, read, 5},
		{"Read/PendingSuccess", fakesys.CallReadFile, fakesys.Fault{Pending: true, Data: []byte{1}}, read, 0},
		{"Read/PendingFailure", fakesys.CallReadFile, fakesys.Fault{Pending: true, Err: errAccessDenied}, read, 5},
		{"Write/SyncSuccess", fakesys.CallWriteFile, fakesys.Fault{N: 1}, write, 0},
		{"Write/SyncFailure", fakesys.CallWriteFile, fakesys.Fault{Err: errAccessDenied}, write, 5},
		{"Write/PendingSuccess", fakesys.CallWriteFile, fakesys.Fault{Pending: true, N: 1}, write, 0},
		{"Write/PendingFailure", fakesys.CallWriteFile, fakesys.Fault{Pending: true, Err: errAccessDenied}, write, 5},
	} {
		t.Run(c.name, func(t *testing.T) {
			sys := fakesys.New()
			e := newEngine(t, sys)
			h := pipebridge.Handle(0x40)

			sys.Inject(c.call, c.fault)
			f := pipebridge.NewFuture()
			c.run(e, h, f)

			if c.fault.Pending {
				require.False(t, settled(f), "completed before the system signaled")
				require.Equal(t, 1, e.Pending())
				sys.FireHeld()
			}

			if c.code == 0 {
				requireSuccess(t, f)
			} else {
				requireError(t, f, c.code)
			}
			requireNoLeaks(t, e, sys)
			assert.Equal(t, 1, sys.Stats().OverlappedCreated)
		})
	}
}

func accept(e *pipebridge.Engine, _ pipebridge.Handle, r pipebridge.Responder) {
	e.Accept(testPipe, r)
}

func read(e *pipebridge.Engine, h pipebridge.Handle, r pipebridge.Responder) {
	e.Read(h, r)
}

func write(e *pipebridge.Engine, h pipebridge.Handle, r pipebridge.Responder) {
	e.Write(h, []byte{1}, r)
}

func TestAcceptFailureClosesPipe(t *testing.T) {
	sys := fakesys.New()
	e := newEngine(t, sys)

	sys.Inject(fakesys.CallConnectPipe, fakesys.Fault{Pending: true, Err: fakesys.ERROR_ACCESS_DENIED})
	f := pipebridge.NewFuture()
	e.Accept(testPipe, f)
	sys.FireHeld()

	err := requireError(t, f, 5)
	assert.Equal(t, "Operation failed", err.Hint)
	requireNoLeaks(t, e, sys)
	assert.Zero(t, sys.Stats().OpenHandles)
}

func TestAcceptClientAlreadyConnected(t *testing.T) {
	sys := fakesys.New()
	e := newEngine(t, sys)

	sys.Inject(fakesys.CallConnectPipe, fakesys.Fault{Err: fakesys.ERROR_PIPE_CONNECTED})
	f := pipebridge.NewFuture()
	e.Accept(testPipe, f)

	require.True(t, settled(f))
	assert.IsType(t, pipebridge.Handle(0), requireSuccess(t, f))
	requireNoLeaks(t, e, sys)
}

func TestAcceptInvalidPath(t *testing.T) {
	sys := fakesys.New()
	e := newEngine(t, sys)

	f := pipebridge.NewFuture()
	e.Accept("not-a-pipe", f)

	err := requireError(t, f, uint32(fakesys.ERROR_INVALID_NAME))
	assert.Equal(t, "CreateNamedPipe failed", err.Hint)
	assert.Equal(t, pipebridge.OpAccept, err.Op)
	assert.Zero(t, sys.Stats().OverlappedCreated)
}

func TestConnectWithoutServer(t *testing.T) {
	sys := fakesys.New()
	e := newEngine(t, sys)

	f := pipebridge.NewFuture()
	e.Connect(testPipe, f)

	require.True(t, settled(f))
	err := requireError(t, f, uint32(fakesys.ERROR_FILE_NOT_FOUND))
	assert.Equal(t, "CreateFile failed", err.Hint)
	assert.Zero(t, sys.Stats().OverlappedCreated)
}

func TestInvalidHandleGuard(t *testing.T) {
	for _, h := range []pipebridge.Handle{0, pipebridge.InvalidHandle} {
		sys := fakesys.New()
		e := newEngine(t, sys)

		r := pipebridge.NewFuture()
		e.Read(h, r)
		err := requireError(t, r, 6)
		assert.Equal(t, "Invalid pipe handle", err.Hint)
		assert.ErrorIs(t, err, pipebridge.ErrInvalidHandle)
		assert.True(t, errdefs.IsInvalidArgument(err))

		w := pipebridge.NewFuture()
		e.Write(h, []byte{1}, w)
		requireError(t, w, 6)

		st := sys.Stats()
		assert.Zero(t, st.Calls[fakesys.CallNewOverlapped], "handle %v", h)
		assert.Zero(t, st.Calls[fakesys.CallReadFile], "handle %v", h)
		assert.Zero(t, st.Calls[fakesys.CallWriteFile], "handle %v", h)
		assert.Zero(t, e.BuffersInUse())
	}
}

func TestReadTruncation(t *testing.T) {
	for _, n := range []int{0, 1, 5, 8} {
		sys := fakesys.New()
		e := newEngine(t, sys, func(c *pipebridge.Config) { c.MaxTransferSize = 8 })

		data := []byte("abcdefgh")[:n]
		sys.Inject(fakesys.CallReadFile, fakesys.Fault{Pending: true, Data: data, N: n})
		f := pipebridge.NewFuture()
		e.Read(0x40, f)
		sys.FireHeld()

		v := requireSuccess(t, f).(pipebridge.Bytes)
		assert.Len(t, v, n)
		assert.Equal(t, data, []byte(v))
		requireNoLeaks(t, e, sys)
	}
}

func TestReadAsksForMaxTransferSize(t *testing.T) {
	sys := fakesys.New()
	e := newEngine(t, sys, func(c *pipebridge.Config) { c.MaxTransferSize = 16 })
	server, client := connectPair(t, e)

	w := pipebridge.NewFuture()
	e.Write(client, make([]byte, 40), w)
	requireSuccess(t, w)

	for _, want := range []int{16, 16, 8} {
		r := pipebridge.NewFuture()
		e.Read(server, r)
		assert.Len(t, requireSuccess(t, r), want)
	}
	requireNoLeaks(t, e, sys)
}

func TestWritePartialTransfer(t *testing.T) {
	sys := fakesys.New()
	sys.WriteLimit = 2
	e := newEngine(t, sys)
	server, client := connectPair(t, e)

	w := pipebridge.NewFuture()
	e.Write(client, []byte{1, 2, 3}, w)
	assert.Equal(t, pipebridge.Count(2), requireSuccess(t, w))

	r := pipebridge.NewFuture()
	e.Read(server, r)
	assert.Equal(t, pipebridge.Bytes{1, 2}, requireSuccess(t, r))

	assert.Equal(t, 1, sys.Stats().Calls[fakesys.CallWriteFile], "a short write must not be retried")
}

func TestCloseFinality(t *testing.T) {
	sys := fakesys.New()
	e := newEngine(t, sys)
	server, client := connectPair(t, e)

	c := pipebridge.NewFuture()
	e.Close(client, c)
	requireSuccess(t, c)

	r := pipebridge.NewFuture()
	e.Read(client, r)
	assert.Equal(t, "ReadFile failed", requireError(t, r, 6).Hint)

	w := pipebridge.NewFuture()
	e.Write(client, []byte{1}, w)
	requireError(t, w, 6)

	again := pipebridge.NewFuture()
	e.Close(client, again)
	assert.Equal(t, "CloseHandle failed", requireError(t, again, 6).Hint)

	// The server end sees the client gone.
	sr := pipebridge.NewFuture()
	e.Read(server, sr)
	requireError(t, sr, uint32(fakesys.ERROR_BROKEN_PIPE))

	requireNoLeaks(t, e, sys)
}

func TestClosingPeerFailsPendingRead(t *testing.T) {
	sys := fakesys.New()
	e := newEngine(t, sys)
	server, client := connectPair(t, e)

	r := pipebridge.NewFuture()
	e.Read(server, r)
	require.False(t, settled(r))

	c := pipebridge.NewFuture()
	e.Close(client, c)
	requireSuccess(t, c)

	err := requireError(t, r, uint32(fakesys.ERROR_BROKEN_PIPE))
	assert.Equal(t, "Operation failed", err.Hint)
	requireNoLeaks(t, e, sys)
}

func TestConcurrentReadRejected(t *testing.T) {
	sys := fakesys.New()
	e := newEngine(t, sys)
	server, client := connectPair(t, e)

	first := pipebridge.NewFuture()
	e.Read(server, first)
	require.False(t, settled(first))

	second := pipebridge.NewFuture()
	e.Read(server, second)
	err := requireError(t, second, 170)
	assert.ErrorIs(t, err, pipebridge.ErrBusy)
	assert.True(t, errdefs.IsConflict(err))
	assert.Equal(t, 1, sys.Stats().Calls[fakesys.CallReadFile])

	w := pipebridge.NewFuture()
	e.Write(client, []byte{4}, w)
	requireSuccess(t, w)
	assert.Equal(t, pipebridge.Bytes{4}, requireSuccess(t, first))

	// The slot is free again once the first read completed.
	third := pipebridge.NewFuture()
	e.Read(server, third)
	require.False(t, settled(third))
	e.Write(client, []byte{5}, pipebridge.NewFuture())
	assert.Equal(t, pipebridge.Bytes{5}, requireSuccess(t, third))

	requireNoLeaks(t, e, sys)
}

func TestConcurrentReadAllowed(t *testing.T) {
	sys := fakesys.New()
	e := newEngine(t, sys, func(c *pipebridge.Config) { c.AllowConcurrent = true })

	sys.Inject(fakesys.CallReadFile, fakesys.Fault{Pending: true, Data: []byte{1}})
	sys.Inject(fakesys.CallReadFile, fakesys.Fault{Pending: true, Data: []byte{2}})

	first, second := pipebridge.NewFuture(), pipebridge.NewFuture()
	e.Read(0x40, first)
	e.Read(0x40, second)
	assert.Equal(t, 2, e.Pending())

	sys.FireHeld()
	assert.Equal(t, pipebridge.Bytes{1}, requireSuccess(t, first))
	assert.Equal(t, pipebridge.Bytes{2}, requireSuccess(t, second))
	requireNoLeaks(t, e, sys)
}

func TestCreateEventFailure(t *testing.T) {
	sys := fakesys.New()
	e := newEngine(t, sys)

	sys.Inject(fakesys.CallNewOverlapped, fakesys.Fault{Err: fakesys.ERROR_NOT_ENOUGH_MEMORY})
	w := pipebridge.NewFuture()
	e.Write(0x40, []byte{1}, w)
	err := requireError(t, w, 8)
	assert.Equal(t, "CreateEvent failed", err.Hint)
	assert.Zero(t, sys.Stats().Calls[fakesys.CallWriteFile])

	// The accept's pipe is closed when its event cannot be created.
	sys.Inject(fakesys.CallNewOverlapped, fakesys.Fault{Err: fakesys.ERROR_NOT_ENOUGH_MEMORY})
	a := pipebridge.NewFuture()
	e.Accept(testPipe, a)
	requireError(t, a, 8)
	assert.Zero(t, sys.Stats().OpenHandles)

	// A failed write does not keep its slot.
	w = pipebridge.NewFuture()
	sys.Inject(fakesys.CallWriteFile, fakesys.Fault{N: 1})
	e.Write(0x40, []byte{1}, w)
	requireSuccess(t, w)

	requireNoLeaks(t, e, sys)
}

func TestNotifyFailureFallsBackToPolling(t *testing.T) {
	sys := fakesys.New()
	e := newEngine(t, sys)

	sys.Inject(fakesys.CallNotify, fakesys.Fault{Err: fakesys.ERROR_NOT_ENOUGH_MEMORY})
	sys.Inject(fakesys.CallReadFile, fakesys.Fault{Pending: true, Data: []byte("late")})
	f := pipebridge.NewFuture()
	e.Read(0x40, f)

	time.Sleep(25 * time.Millisecond)
	require.False(t, settled(f))

	sys.FireHeld()
	assert.Equal(t, pipebridge.Bytes("late"), requireSuccess(t, f))
	requireNoLeaks(t, e, sys)
}

func TestCancel(t *testing.T) {
	sys := fakesys.New()
	e := newEngine(t, sys)

	accept := pipebridge.NewFuture()
	e.Accept(testPipe, accept)
	require.False(t, settled(accept))

	// The pending accept's handle is not known to the caller, but the fake hands
	// out handles in order, so it is the only open one.
	var h pipebridge.Handle = 0x104
	require.NoError(t, e.Cancel(h))

	err := requireError(t, accept, 995)
	assert.True(t, pipebridge.IsOperationAborted(err))
	requireNoLeaks(t, e, sys)
	assert.Zero(t, sys.Stats().OpenHandles)

	assert.Error(t, e.Cancel(h))
}

func TestResponderCalledOnceAcrossPaths(t *testing.T) {
	sys := fakesys.New()
	e := newEngine(t, sys)
	server, client := connectPair(t, e)

	var rs []*countingResponder
	for i := 0; i < 4; i++ {
		r := newCountingResponder()
		rs = append(rs, r)
		e.Read(server, r)
		e.Write(client, []byte{byte(i)}, pipebridge.NewFuture())
		<-r.done
	}
	requireNoLeaks(t, e, sys)
	for _, r := range rs {
		assert.Equal(t, 1, r.total())
	}
}

type countingResponder struct {
	done  chan struct{}
	calls atomic.Int32
}

func newCountingResponder() *countingResponder {
	return &countingResponder{done: make(chan struct{})}
}

func (c *countingResponder) record() {
	if c.calls.Add(1) == 1 {
		close(c.done)
	}
}

func (c *countingResponder) Success(pipebridge.Value)  { c.record() }
func (c *countingResponder) Error(*pipebridge.OpError) { c.record() }
func (c *countingResponder) NotImplemented()           { c.record() }

func (c *countingResponder) total() int {
	return int(c.calls.Load())
}

func TestMetrics(t *testing.T) {
	sys := fakesys.New()
	reg := prometheus.NewPedanticRegistry()
	m := pipebridge.NewMetrics(reg)
	e := newEngine(t, sys, func(c *pipebridge.Config) { c.Metrics = m })

	server, client := connectPair(t, e)

	read := pipebridge.NewFuture()
	e.Read(server, read)
	write := pipebridge.NewFuture()
	e.Write(client, []byte("abc"), write)
	requireSuccess(t, write)
	requireSuccess(t, read)
	requireNoLeaks(t, e, sys)

	bad := pipebridge.NewFuture()
	e.Read(0, bad)
	settle(t, bad)

	n, err := testutil.GatherAndCount(reg, "pipebridge_operations_total")
	require.NoError(t, err)
	assert.Positive(t, n)

	assert.Zero(t, testutil.ToFloat64(m.PendingGauge()))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.BytesCounter("read")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.BytesCounter("write")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.OperationsCounter("accept", "pending")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.OperationsCounter("accept", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.OperationsCounter("read", "error")))
}
