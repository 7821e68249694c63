// Package channel exposes a [pipebridge.Engine] through named method calls with
// loosely typed arguments, the shape used by plugin method channels.
package channel

import (
	"github.com/containerd/errdefs"
	"github.com/database64128/pipebridge-go"
	"github.com/pkg/errors"
)

// Method names.
const (
	MethodAccept  = "accept"
	MethodConnect = "connect"
	MethodRead    = "read"
	MethodWrite   = "write"
	MethodClose   = "close"
)

// Argument names.
const (
	ArgPath   = "path"
	ArgHandle = "pipeHandlePtr"
	ArgData   = "data"
)

// codeInvalidParameter is ERROR_INVALID_PARAMETER, reported for malformed arguments.
const codeInvalidParameter = "87"

// MethodCall is one incoming call.
type MethodCall struct {
	Method    string
	Arguments map[string]any
}

// Result receives the outcome of a [MethodCall]. Exactly one method is called, once.
//
// Success values are an int64 handle token for accept and connect, []byte for read,
// int64 for write and nil for close.
type Result interface {
	Success(value any)
	Error(code, message string, details any)
	NotImplemented()
}

// Handler routes method calls to an engine.
type Handler struct {
	Engine *pipebridge.Engine
}

// HandleMethodCall starts the operation named by call. result may be called before
// HandleMethodCall returns or later from another goroutine.
func (h *Handler) HandleMethodCall(call *MethodCall, result Result) {
	var (
		r   = responder{result}
		err error
	)
	switch call.Method {
	case MethodAccept:
		var path string
		if path, err = stringArg(call.Arguments, ArgPath); err == nil {
			h.Engine.Accept(path, r)
		}
	case MethodConnect:
		var path string
		if path, err = stringArg(call.Arguments, ArgPath); err == nil {
			h.Engine.Connect(path, r)
		}
	case MethodRead:
		var handle pipebridge.Handle
		if handle, err = handleArg(call.Arguments); err == nil {
			h.Engine.Read(handle, r)
		}
	case MethodWrite:
		var (
			handle pipebridge.Handle
			data   []byte
		)
		if handle, err = handleArg(call.Arguments); err == nil {
			if data, err = bytesArg(call.Arguments, ArgData); err == nil {
				h.Engine.Write(handle, data, r)
			}
		}
	case MethodClose:
		var handle pipebridge.Handle
		if handle, err = handleArg(call.Arguments); err == nil {
			h.Engine.Close(handle, r)
		}
	default:
		result.NotImplemented()
		return
	}
	if err != nil {
		result.Error(codeInvalidParameter, err.Error(), nil)
	}
}

// responder adapts a Result to the engine's typed outcomes.
type responder struct {
	r Result
}

func (a responder) Success(v pipebridge.Value) {
	switch v := v.(type) {
	case pipebridge.Handle:
		a.r.Success(v.Token())
	case pipebridge.Bytes:
		a.r.Success([]byte(v))
	case pipebridge.Count:
		a.r.Success(int64(v))
	default:
		a.r.Success(nil)
	}
}

func (a responder) Error(err *pipebridge.OpError) {
	a.r.Error(err.CodeString(), err.Hint, nil)
}

func (a responder) NotImplemented() {
	a.r.NotImplemented()
}

func lookup(args map[string]any, name string) (any, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return nil, errors.Wrapf(errdefs.ErrInvalidArgument, "missing argument %q", name)
	}
	return v, nil
}

func stringArg(args map[string]any, name string) (string, error) {
	v, err := lookup(args, name)
	if err != nil {
		return "", err
	}
	switch v := v.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	}
	return "", errors.Wrapf(errdefs.ErrInvalidArgument, "argument %q: expected string, got %T", name, v)
}

func bytesArg(args map[string]any, name string) ([]byte, error) {
	v, err := lookup(args, name)
	if err != nil {
		return nil, err
	}
	switch v := v.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case []any:
		b := make([]byte, len(v))
		for i, e := range v {
			n, ok := toInt64(e)
			if !ok || n < 0 || n > 0xff {
				return nil, errors.Wrapf(errdefs.ErrInvalidArgument, "argument %q: element %d is not a byte", name, i)
			}
			b[i] = byte(n)
		}
		return b, nil
	}
	return nil, errors.Wrapf(errdefs.ErrInvalidArgument, "argument %q: expected bytes, got %T", name, v)
}

func handleArg(args map[string]any) (pipebridge.Handle, error) {
	v, err := lookup(args, ArgHandle)
	if err != nil {
		return 0, err
	}
	n, ok := toInt64(v)
	if !ok {
		return 0, errors.Wrapf(errdefs.ErrInvalidArgument, "argument %q: expected integer, got %T", ArgHandle, v)
	}
	return pipebridge.HandleFromToken(n), nil
}

// toInt64 accepts any integer type. Unsigned values keep their bit pattern.
func toInt64(v any) (int64, bool) {
	switch v := v.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint:
		return int64(v), true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		return int64(v), true
	case uintptr:
		return int64(v), true
	}
	return 0, false
}
