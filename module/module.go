package module

import (
	"errors"

	"github.com/custodian-labs/custodian-go/module/irrecoverable"
)

// ErrMultipleStartup is panicked by startable components when Start is called
// more than once.
var ErrMultipleStartup = errors.New("component may only be started once")

// ReadyDoneAware provides an interface for checking if a module is ready.
//
// All errors encountered during startup are considered irrecoverable and
// surfaced through the SignalerContext passed to Start.
type ReadyDoneAware interface {
	// Ready returns a channel that is closed once startup has completed.
	Ready() <-chan struct{}

	// Done returns a channel that is closed once shutdown has completed.
	Done() <-chan struct{}
}

// Startable provides an interface to start a component. Once started, the
// component can be stopped by cancelling the given context.
type Startable interface {
	// Start starts the component. Any irrecoverable errors encountered while
	// the component is running are thrown with the given context.
	Start(irrecoverable.SignalerContext)
}

// NoopReadyDone closes the given channel lazily; helper for trivially ready
// modules.
type NoopReadyDone struct{}

func (NoopReadyDone) Ready() <-chan struct{} { return closedChan }
func (NoopReadyDone) Done() <-chan struct{}  { return closedChan }

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()
