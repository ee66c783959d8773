// Package irrecoverable provides the error escalation path for faults that a
// component cannot recover from. Components receive a SignalerContext on
// Start and call Throw instead of panicking; the parent decides whether to
// restart or shut down.
package irrecoverable

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/atomic"
)

// Signaler sends the error out.
type Signaler struct {
	errChan   chan error
	errThrown *atomic.Bool
}

func NewSignaler() (*Signaler, <-chan error) {
	s := &Signaler{
		errChan:   make(chan error, 1),
		errThrown: atomic.NewBool(false),
	}
	return s, s.errChan
}

// Throw is a narrow drop-in replacement for panic or log.Fatal anywhere
// there is something connected to the error channel. It only delivers the
// first error thrown and never returns.
func (s *Signaler) Throw(err error) {
	defer runtime.Goexit()
	if s.errThrown.CompareAndSwap(false, true) {
		s.errChan <- err
		close(s.errChan)
	}
}

// SignalerContext is a constrained drop-in replacement for context.Context
// that can escalate irrecoverable errors.
type SignalerContext interface {
	context.Context
	Throw(err error) // delegates to the signaler
	sealed()         // private, constrains construction to WithSignaler
}

type signalerCtx struct {
	context.Context
	*Signaler
}

func (signalerCtx) sealed() {}

// WithSignaler is the One True Way of getting a SignalerContext.
func WithSignaler(parent context.Context) (SignalerContext, <-chan error) {
	sig, errChan := NewSignaler()
	return &signalerCtx{parent, sig}, errChan
}

// Throw enables throwing an irrecoverable error from any context.Context that
// is secretly a SignalerContext. If it is not, the process has no escalation
// path and panics.
func Throw(ctx context.Context, err error) {
	signalerAbleContext, ok := ctx.(SignalerContext)
	if ok {
		signalerAbleContext.Throw(err)
	}
	panic(fmt.Sprintf("irrecoverable error signaler not found for context, unhandled error: %v", err))
}

// exception marks an unexpected error: one that does not match any of the
// documented sentinel errors of the failing function and therefore must not
// be handled as benign by callers.
type exception struct {
	err error
}

func (e exception) Unwrap() error { return e.err }
func (e exception) Error() string { return "[exception!] " + e.err.Error() }

// NewException wraps the input error as an exception, stripping any sentinel
// information from it.
func NewException(err error) error {
	return exception{err: err}
}

// NewExceptionf is NewException with formatting.
func NewExceptionf(msg string, args ...any) error {
	return NewException(fmt.Errorf(msg, args...))
}
