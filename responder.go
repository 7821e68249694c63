package pipebridge

import (
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Responder receives the outcome of exactly one operation.
//
// Exactly one of its methods is called, exactly once. The call may come from the
// goroutine that started the operation or, for operations that went pending, from
// another goroutine.
type Responder interface {
	Success(v Value)
	Error(err *OpError)
	NotImplemented()
}

// onceResponder enforces the single-fire contract on a caller-supplied Responder.
// Extra completions are dropped and logged.
type onceResponder struct {
	r      Responder
	op     OpKind
	logger logrus.FieldLogger
	fired  atomic.Bool
}

func (o *onceResponder) claim(outcome string) bool {
	if o.fired.CompareAndSwap(false, true) {
		return true
	}
	o.logger.WithFields(logrus.Fields{
		"op":      o.op,
		"outcome": outcome,
	}).Error("Dropped second completion of a response")
	return false
}

func (o *onceResponder) Success(v Value) {
	if o.claim("success") {
		o.r.Success(v)
	}
}

func (o *onceResponder) Error(err *OpError) {
	if o.claim("error") {
		o.r.Error(err)
	}
}

func (o *onceResponder) NotImplemented() {
	if o.claim("notImplemented") {
		o.r.NotImplemented()
	}
}

// Outcome is the settled result of an operation.
// Exactly one of Value, Err and NotImplemented is set.
type Outcome struct {
	Value          Value
	Err            *OpError
	NotImplemented bool
}

// Future is a [Responder] that hands its outcome over a channel.
// The zero value is not usable; create one with [NewFuture].
type Future struct {
	done    chan struct{}
	outcome Outcome
	settled atomic.Bool
}

// NewFuture returns an unsettled future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) settle(o Outcome) {
	if !f.settled.CompareAndSwap(false, true) {
		return
	}
	f.outcome = o
	close(f.done)
}

// Success implements [Responder].
func (f *Future) Success(v Value) { f.settle(Outcome{Value: v}) }

// Error implements [Responder].
func (f *Future) Error(err *OpError) { f.settle(Outcome{Err: err}) }

// NotImplemented implements [Responder].
func (f *Future) NotImplemented() { f.settle(Outcome{NotImplemented: true}) }

// Done is closed once the future has settled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Outcome returns the settled outcome. It must only be called after Done is closed.
func (f *Future) Outcome() Outcome {
	return f.outcome
}

// Wait blocks until the future settles or ctx is done.
func (f *Future) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-f.done:
		return f.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
