package channel

import (
	"context"
	"io"
	"sync"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Reply statuses.
const (
	StatusSuccess        = "success"
	StatusError          = "error"
	StatusNotImplemented = "notImplemented"
)

// Request is a method call on the wire.
type Request struct {
	ID     uint64         `codec:"id"`
	Method string         `codec:"method"`
	Args   map[string]any `codec:"args"`
}

// Reply answers the [Request] with the same ID. Replies are written in completion order.
type Reply struct {
	ID      uint64 `codec:"id"`
	Status  string `codec:"status"`
	Value   any    `codec:"value,omitempty"`
	Code    string `codec:"code,omitempty"`
	Message string `codec:"message,omitempty"`
}

// NewCodecHandle returns the msgpack handle used on both ends of the stream.
// Strings and byte slices are kept distinct.
func NewCodecHandle() *codec.MsgpackHandle {
	var mh codec.MsgpackHandle
	mh.WriteExt = true
	return &mh
}

// Serve decodes requests from r, hands them to h and encodes the replies to w.
//
// It returns nil once r is exhausted and every request has been answered, or the first
// decoding or encoding error. Cancelling ctx stops Serve; replies of operations still
// pending at that point are discarded. A blocked read on r is not interrupted.
func Serve(ctx context.Context, r io.Reader, w io.Writer, h *Handler) error {
	mh := NewCodecHandle()
	dec := codec.NewDecoder(r, mh)
	enc := codec.NewEncoder(w, mh)

	g, ctx := errgroup.WithContext(ctx)
	replies := make(chan *Reply)

	var outstanding sync.WaitGroup

	g.Go(func() error {
		defer func() {
			go func() {
				outstanding.Wait()
				close(replies)
			}()
		}()
		for {
			var req Request
			if err := dec.Decode(&req); err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return errors.Wrap(err, "failed to decode request")
			}
			outstanding.Add(1)
			h.HandleMethodCall(&MethodCall{Method: req.Method, Arguments: req.Args}, &streamResult{
				id:      req.ID,
				ctx:     ctx,
				replies: replies,
				done:    outstanding.Done,
			})
			if ctx.Err() != nil {
				return nil
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case rep, ok := <-replies:
				if !ok {
					return nil
				}
				if err := enc.Encode(rep); err != nil {
					return errors.Wrapf(err, "failed to encode reply %d", rep.ID)
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	return g.Wait()
}

// streamResult turns one outcome into a Reply.
type streamResult struct {
	id      uint64
	ctx     context.Context
	replies chan<- *Reply
	done    func()
}

func (s *streamResult) send(rep *Reply) {
	defer s.done()
	rep.ID = s.id
	select {
	case s.replies <- rep:
	case <-s.ctx.Done():
	}
}

func (s *streamResult) Success(value any) {
	s.send(&Reply{Status: StatusSuccess, Value: value})
}

func (s *streamResult) Error(code, message string, _ any) {
	s.send(&Reply{Status: StatusError, Code: code, Message: message})
}

func (s *streamResult) NotImplemented() {
	s.send(&Reply{Status: StatusNotImplemented})
}
