// Package executor issues single outbound calls against collaborator
// services, with per-call timeout, bounded retries with exponential backoff,
// circuit breaking, and normalized error classification. All collaborator
// traffic funnels through one Executor instance.
package executor

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"

	"github.com/custodian-labs/custodian-go/model/custody"
	"github.com/custodian-labs/custodian-go/module"
)

const (
	// MaxRetries bounds the configured retry count per call.
	MaxRetries = 3

	retryBaseDelay = 100 * time.Millisecond
	retryMaxDelay  = 2 * time.Second

	defaultCallTimeout = 5 * time.Second
)

// ErrCollaboratorIsolated is returned while a collaborator has been isolated
// by an emergency response.
var ErrCollaboratorIsolated = errors.New("collaborator is isolated")

// Call describes one outbound collaborator call.
type Call struct {
	Collaborator string
	Function     string

	// Timeout bounds a single attempt; zero selects the executor default.
	// The caller must keep it at or below the remaining operation timeout.
	Timeout time.Duration

	// Retries in 0..MaxRetries; only Transport and Timeout classes retry.
	Retries uint64

	// CorrelationID threads the call's event into the initiating operation.
	CorrelationID uint64
	User          string

	// Do performs the call and returns the reply value, the gas the
	// collaborator reports, and any error.
	Do func(ctx context.Context) (interface{}, uint64, error)
}

// CallResult is the structured outcome of one executed call.
type CallResult struct {
	OK         bool
	Value      interface{}
	ErrorClass custody.ErrorClass
	Err        error
	Elapsed    time.Duration
	GasUsed    uint64
}

// EventSink decouples the executor from the event bus implementation.
type EventSink interface {
	Publish(ev custody.Event) custody.Event
}

// Executor executes collaborator calls. Safe for concurrent use.
type Executor struct {
	log     zerolog.Logger
	metrics module.ExecutorMetrics
	sink    EventSink

	defaultTimeout time.Duration

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	isolated map[string]struct{}
}

func New(log zerolog.Logger, metrics module.ExecutorMetrics, sink EventSink) *Executor {
	return &Executor{
		log:            log.With().Str("component", "call_executor").Logger(),
		metrics:        metrics,
		sink:           sink,
		defaultTimeout: defaultCallTimeout,
		breakers:       make(map[string]*gobreaker.CircuitBreaker),
		isolated:       make(map[string]struct{}),
	}
}

// Isolate short-circuits all calls to the named collaborator. Used by the
// contract-isolation emergency response.
func (e *Executor) Isolate(collaborator string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.isolated[collaborator] = struct{}{}
	e.log.Warn().Str("collaborator", collaborator).Msg("collaborator isolated")
}

// Restore lifts the isolation of the named collaborator.
func (e *Executor) Restore(collaborator string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.isolated, collaborator)
	e.log.Info().Str("collaborator", collaborator).Msg("collaborator isolation lifted")
}

// IsIsolated reports whether the collaborator is currently isolated.
func (e *Executor) IsIsolated(collaborator string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.isolated[collaborator]
	return ok
}

// Execute runs one call to completion: bounded retries for transient
// classes, a hard timeout per attempt, and exactly one
// contract_call_executed event regardless of outcome.
func (e *Executor) Execute(ctx context.Context, call Call) CallResult {
	start := time.Now()

	result, attempts := e.execute(ctx, call)
	result.Elapsed = time.Since(start)

	e.metrics.CallExecuted(call.Collaborator, call.Function, result.ErrorClass, result.Elapsed, result.GasUsed)
	e.emitCallEvent(call, result, attempts)

	return result
}

func (e *Executor) execute(ctx context.Context, call Call) (CallResult, int) {
	if e.IsIsolated(call.Collaborator) {
		return CallResult{
			ErrorClass: custody.ClassTransport,
			Err:        custody.NewCollaboratorError(call.Collaborator, custody.ClassTransport, ErrCollaboratorIsolated),
		}, 0
	}

	timeout := call.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	retries := call.Retries
	if retries > MaxRetries {
		retries = MaxRetries
	}

	breaker := e.breaker(call.Collaborator)

	var result CallResult
	attempt := 0

	backoff := retry.NewExponential(retryBaseDelay)
	backoff = retry.WithCappedDuration(retryMaxDelay, backoff)
	backoff = retry.WithMaxRetries(retries, backoff)

	retryErr := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if attempt > 0 {
			e.metrics.CallRetried(call.Collaborator)
		}
		attempt++

		value, gas, err := e.attempt(ctx, breaker, call, timeout)
		result.GasUsed += gas
		if err == nil {
			result.OK = true
			result.Value = value
			result.ErrorClass = custody.ClassNone
			result.Err = nil
			return nil
		}

		class := classify(err)
		result.ErrorClass = class
		result.Err = custody.NewCollaboratorError(call.Collaborator, class, err)
		if class.Retryable() {
			return retry.RetryableError(result.Err)
		}
		return result.Err
	})

	if retryErr != nil && result.Err == nil {
		// context cancelled before the first attempt
		result.ErrorClass = classify(retryErr)
		result.Err = custody.NewCollaboratorError(call.Collaborator, result.ErrorClass, retryErr)
	}
	return result, attempt
}

// attempt runs a single attempt under its own deadline. On expiry the
// in-flight call is abandoned: its goroutine may still be running, but no
// partial result is surfaced.
func (e *Executor) attempt(ctx context.Context, breaker *gobreaker.CircuitBreaker, call Call, timeout time.Duration) (interface{}, uint64, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type reply struct {
		value interface{}
		gas   uint64
		err   error
	}
	replies := make(chan reply, 1)

	go func() {
		value, err := breaker.Execute(func() (interface{}, error) {
			v, gas, err := call.Do(attemptCtx)
			if err != nil {
				return reply{gas: gas}, err
			}
			return reply{value: v, gas: gas}, nil
		})
		r, _ := value.(reply)
		r.err = err
		replies <- r
	}()

	select {
	case r := <-replies:
		return r.value, r.gas, r.err
	case <-attemptCtx.Done():
		return nil, 0, attemptCtx.Err()
	}
}

func (e *Executor) breaker(collaborator string) *gobreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()

	br, ok := e.breakers[collaborator]
	if !ok {
		br = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: collaborator,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				e.metrics.BreakerStateChanged(name, to == gobreaker.StateOpen)
				e.log.Warn().
					Str("collaborator", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("circuit breaker state changed")
			},
		})
		e.breakers[collaborator] = br
	}
	return br
}

func (e *Executor) emitCallEvent(call Call, result CallResult, attempts int) {
	outcome := "ok"
	if !result.OK {
		outcome = string(result.ErrorClass)
	}
	e.sink.Publish(custody.Event{
		CorrelationID: call.CorrelationID,
		Type:          custody.EventContractCallExecuted,
		User:          call.User,
		Contract:      call.Collaborator,
		Data1:         result.GasUsed,
		Data2:         uint64(result.Elapsed.Milliseconds()),
		Payload: map[string]string{
			"function": call.Function,
			"outcome":  outcome,
			"attempts": strconv.Itoa(attempts),
		},
		Timestamp: time.Now().UTC(),
	})
}

// classify normalizes an arbitrary call error to an ErrorClass.
func classify(err error) custody.ErrorClass {
	switch {
	case err == nil:
		return custody.ClassNone
	case errors.Is(err, context.DeadlineExceeded):
		return custody.ClassTimeout
	case errors.Is(err, context.Canceled):
		return custody.ClassTimeout
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return custody.ClassTransport
	default:
		return custody.ClassOf(err)
	}
}

// Classify is exported for collaborator fakes and tests.
func Classify(err error) custody.ErrorClass {
	return classify(err)
}
