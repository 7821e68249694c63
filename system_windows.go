package pipebridge

import (
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/Microsoft/go-winio"
	"github.com/database64128/pipebridge-go/kernel32"
	"golang.org/x/sys/windows"
)

const (
	pipeAccessDuplex       = 0x00000003
	pipeTypeByte           = 0x00000000
	pipeReadmodeByte       = 0x00000000
	pipeWait               = 0x00000000
	pipeUnlimitedInstances = 255
)

func platformSystem() System {
	return winSystem{}
}

type winSystem struct{}

func (winSystem) CreatePipe(path string, cfg *PipeConfig) (Handle, error) {
	name, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}

	var (
		sa *windows.SecurityAttributes
		sd []byte
	)
	if cfg.SecurityDescriptor != "" {
		sd, err = winio.SddlToSecurityDescriptor(cfg.SecurityDescriptor)
		if err != nil {
			return 0, err
		}
		sa = &windows.SecurityAttributes{
			SecurityDescriptor: (*windows.SECURITY_DESCRIPTOR)(unsafe.Pointer(&sd[0])),
		}
		sa.Length = uint32(unsafe.Sizeof(*sa))
	}

	maxInstances := uint32(pipeUnlimitedInstances)
	if cfg.MaxInstances > 0 && cfg.MaxInstances < pipeUnlimitedInstances {
		maxInstances = uint32(cfg.MaxInstances)
	}

	h, err := windows.CreateNamedPipe(
		name,
		pipeAccessDuplex|windows.FILE_FLAG_OVERLAPPED,
		pipeTypeByte|pipeReadmodeByte|pipeWait,
		maxInstances,
		uint32(cfg.BufferSize),
		uint32(cfg.BufferSize),
		uint32(cfg.DefaultTimeout.Milliseconds()),
		sa,
	)
	runtime.KeepAlive(sd)
	if err != nil {
		return 0, err
	}
	return Handle(h), nil
}

func (winSystem) OpenPipe(path string) (Handle, error) {
	name, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}
	h, err := windows.CreateFile(
		name,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		0,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_FLAG_OVERLAPPED,
		0,
	)
	if err != nil {
		return 0, err
	}
	return Handle(h), nil
}

func (winSystem) Close(h Handle) error {
	return windows.CloseHandle(windows.Handle(h))
}

func (winSystem) CancelIO(h Handle) error {
	return windows.CancelIoEx(windows.Handle(h), nil)
}

func (winSystem) NewOverlapped() (Overlapped, error) {
	ev, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		return nil, err
	}
	ov := &overlapped{}
	ov.o.HEvent = ev
	return ov, nil
}

func (winSystem) ConnectPipe(h Handle, ov Overlapped) error {
	return windows.ConnectNamedPipe(windows.Handle(h), &ov.(*overlapped).o)
}

func (winSystem) ReadFile(h Handle, b []byte, ov Overlapped) (int, error) {
	var n uint32
	err := windows.ReadFile(windows.Handle(h), b, &n, &ov.(*overlapped).o)
	return int(n), err
}

func (winSystem) WriteFile(h Handle, b []byte, ov Overlapped) (int, error) {
	var n uint32
	err := windows.WriteFile(windows.Handle(h), b, &n, &ov.(*overlapped).o)
	return int(n), err
}

// overlapped is heap allocated and referenced by its operation until Release,
// so the kernel always writes into live memory.
type overlapped struct {
	o windows.Overlapped

	// mu orders Release after a Notify that is still storing the wait handle
	// when the callback has already fired.
	mu     sync.Mutex
	wait   windows.Handle
	cookie uintptr
}

func (ov *overlapped) Result(h Handle) (int, error) {
	var n uint32
	err := windows.GetOverlappedResult(windows.Handle(h), &ov.o, &n, false)
	return int(n), err
}

func (ov *overlapped) Notify(fn func()) error {
	ov.mu.Lock()
	defer ov.mu.Unlock()

	// Go pointers cannot be handed to the thread pool, so the callback
	// receives a cookie and looks fn up.
	ov.cookie = nextWaiter.Add(1)
	waiters.Store(ov.cookie, fn)

	err := kernel32.RegisterWaitForSingleObject(&ov.wait, ov.o.HEvent, waitCallback(), ov.cookie, kernel32.INFINITE, kernel32.WT_EXECUTEONLYONCE)
	if err != nil {
		waiters.Delete(ov.cookie)
		ov.cookie = 0
		return os.NewSyscallError("RegisterWaitForSingleObject", err)
	}
	return nil
}

func (ov *overlapped) Release() error {
	ov.mu.Lock()
	defer ov.mu.Unlock()

	var err error
	if ov.wait != 0 {
		if uerr := kernel32.UnregisterWait(ov.wait); uerr != nil && uerr != windows.ERROR_IO_PENDING {
			err = os.NewSyscallError("UnregisterWait", uerr)
		}
		ov.wait = 0
	}
	if ov.cookie != 0 {
		waiters.Delete(ov.cookie)
		ov.cookie = 0
	}
	if cerr := windows.CloseHandle(ov.o.HEvent); cerr != nil && err == nil {
		err = os.NewSyscallError("CloseHandle", cerr)
	}
	ov.o.HEvent = 0
	return err
}

var (
	// waiters maps a wait cookie to the function to run when its event is signaled.
	waiters    sync.Map
	nextWaiter atomic.Uintptr

	waitCallbackOnce sync.Once
	waitCallbackPtr  uintptr
)

// waitCallback returns the single WAITORTIMERCALLBACK shared by all waits.
// The number of callbacks a process can create is limited.
func waitCallback() uintptr {
	waitCallbackOnce.Do(func() {
		waitCallbackPtr = windows.NewCallback(func(context, timerOrWaitFired uintptr) uintptr {
			if fn, ok := waiters.LoadAndDelete(context); ok {
				fn.(func())()
			}
			return 0
		})
	})
	return waitCallbackPtr
}
