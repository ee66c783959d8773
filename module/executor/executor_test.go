package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodian-labs/custodian-go/model/custody"
	"github.com/custodian-labs/custodian-go/module/metrics"
)

type capturingSink struct {
	mu     sync.Mutex
	events []custody.Event
}

func (s *capturingSink) Publish(ev custody.Event) custody.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return ev
}

func (s *capturingSink) all() []custody.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]custody.Event(nil), s.events...)
}

func newTestExecutor() (*Executor, *capturingSink) {
	sink := &capturingSink{}
	return New(zerolog.Nop(), metrics.NewNoopCollector(), sink), sink
}

func TestExecuteSuccess(t *testing.T) {
	exec, sink := newTestExecutor()

	result := exec.Execute(context.Background(), Call{
		Collaborator: "token",
		Function:     "mint",
		User:         "alice",
		Do: func(ctx context.Context) (interface{}, uint64, error) {
			return "minted", 21000, nil
		},
	})

	require.True(t, result.OK)
	require.NoError(t, result.Err)
	assert.Equal(t, "minted", result.Value)
	assert.Equal(t, uint64(21000), result.GasUsed)
	assert.Equal(t, custody.ClassNone, result.ErrorClass)

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, custody.EventContractCallExecuted, events[0].Type)
	assert.Equal(t, "token", events[0].Contract)
	assert.Equal(t, "ok", events[0].Payload["outcome"])
	assert.Equal(t, "1", events[0].Payload["attempts"])
}

func TestExecuteTerminalClassDoesNotRetry(t *testing.T) {
	exec, sink := newTestExecutor()

	attempts := 0
	result := exec.Execute(context.Background(), Call{
		Collaborator: "kyc",
		Function:     "admit",
		Retries:      3,
		Do: func(ctx context.Context) (interface{}, uint64, error) {
			attempts++
			return nil, 0, custody.NewCollaboratorError("kyc", custody.ClassDenied, errors.New("tier too low"))
		},
	})

	require.False(t, result.OK)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, custody.ClassDenied, result.ErrorClass)

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, string(custody.ClassDenied), events[0].Payload["outcome"])
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	exec, sink := newTestExecutor()

	attempts := 0
	result := exec.Execute(context.Background(), Call{
		Collaborator: "reserve",
		Function:     "register_deposit",
		Retries:      3,
		Do: func(ctx context.Context) (interface{}, uint64, error) {
			attempts++
			if attempts < 3 {
				return nil, 100, custody.NewCollaboratorError("reserve", custody.ClassTransport, errors.New("connection reset"))
			}
			return "registered", 100, nil
		},
	})

	require.True(t, result.OK)
	assert.Equal(t, 3, attempts)
	// gas accumulates across attempts
	assert.Equal(t, uint64(300), result.GasUsed)

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, "3", events[0].Payload["attempts"])
}

func TestExecuteRetriesExhausted(t *testing.T) {
	exec, _ := newTestExecutor()

	attempts := 0
	result := exec.Execute(context.Background(), Call{
		Collaborator: "bitcoin",
		Function:     "send",
		Retries:      2,
		Do: func(ctx context.Context) (interface{}, uint64, error) {
			attempts++
			return nil, 0, custody.NewCollaboratorError("bitcoin", custody.ClassTransport, errors.New("peer unreachable"))
		},
	})

	require.False(t, result.OK)
	assert.Equal(t, 3, attempts) // initial attempt plus two retries
	assert.Equal(t, custody.ClassTransport, result.ErrorClass)
	assert.True(t, custody.IsCollaboratorError(result.Err))
}

func TestExecuteAttemptTimeout(t *testing.T) {
	exec, _ := newTestExecutor()

	result := exec.Execute(context.Background(), Call{
		Collaborator: "oracle",
		Function:     "rate",
		Timeout:      20 * time.Millisecond,
		Do: func(ctx context.Context) (interface{}, uint64, error) {
			<-ctx.Done()
			return nil, 0, ctx.Err()
		},
	})

	require.False(t, result.OK)
	assert.Equal(t, custody.ClassTimeout, result.ErrorClass)
	assert.GreaterOrEqual(t, result.Elapsed, 20*time.Millisecond)
}

func TestExecuteAbandonsHungAttempt(t *testing.T) {
	exec, _ := newTestExecutor()

	release := make(chan struct{})
	defer close(release)

	result := exec.Execute(context.Background(), Call{
		Collaborator: "bitcoin",
		Function:     "send",
		Timeout:      20 * time.Millisecond,
		Do: func(ctx context.Context) (interface{}, uint64, error) {
			// ignores the context entirely
			<-release
			return "late", 0, nil
		},
	})

	require.False(t, result.OK)
	assert.Equal(t, custody.ClassTimeout, result.ErrorClass)
}

func TestIsolationShortCircuits(t *testing.T) {
	exec, sink := newTestExecutor()

	invoked := false
	call := Call{
		Collaborator: "token",
		Function:     "burn",
		Do: func(ctx context.Context) (interface{}, uint64, error) {
			invoked = true
			return nil, 0, nil
		},
	}

	exec.Isolate("token")
	require.True(t, exec.IsIsolated("token"))

	result := exec.Execute(context.Background(), call)
	require.False(t, result.OK)
	assert.False(t, invoked)
	assert.Equal(t, custody.ClassTransport, result.ErrorClass)
	assert.ErrorIs(t, result.Err, ErrCollaboratorIsolated)

	// the failed call is still observable
	require.Len(t, sink.all(), 1)

	exec.Restore("token")
	require.False(t, exec.IsIsolated("token"))

	result = exec.Execute(context.Background(), call)
	require.True(t, result.OK)
	assert.True(t, invoked)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	exec, _ := newTestExecutor()

	invocations := 0
	failing := Call{
		Collaborator: "oracle",
		Function:     "rate",
		Do: func(ctx context.Context) (interface{}, uint64, error) {
			invocations++
			return nil, 0, custody.NewCollaboratorError("oracle", custody.ClassRemote, errors.New("boom"))
		},
	}

	for i := 0; i < 5; i++ {
		result := exec.Execute(context.Background(), failing)
		require.False(t, result.OK)
	}
	require.Equal(t, 5, invocations)

	// open breaker rejects without invoking the call
	result := exec.Execute(context.Background(), failing)
	require.False(t, result.OK)
	assert.Equal(t, 5, invocations)
	assert.Equal(t, custody.ClassTransport, result.ErrorClass)

	// other collaborators have independent breakers
	ok := exec.Execute(context.Background(), Call{
		Collaborator: "token",
		Function:     "balance",
		Do: func(ctx context.Context) (interface{}, uint64, error) {
			return uint64(7), 0, nil
		},
	})
	require.True(t, ok.OK)
}

func TestRetryCountClamped(t *testing.T) {
	exec, _ := newTestExecutor()

	attempts := 0
	result := exec.Execute(context.Background(), Call{
		Collaborator: "reserve",
		Function:     "snapshot",
		Retries:      10,
		Do: func(ctx context.Context) (interface{}, uint64, error) {
			attempts++
			return nil, 0, custody.NewCollaboratorError("reserve", custody.ClassTimeout, errors.New("slow"))
		},
	})

	require.False(t, result.OK)
	assert.Equal(t, int(MaxRetries)+1, attempts)
}
