package events

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodian-labs/custodian-go/model/custody"
	"github.com/custodian-labs/custodian-go/module/counters"
	"github.com/custodian-labs/custodian-go/module/metrics"
	"github.com/custodian-labs/custodian-go/storage"
)

// memCounters is an in-memory storage.Counters for bus tests.
type memCounters struct {
	mu     sync.Mutex
	values map[string]uint64
}

func newMemCounters() *memCounters {
	return &memCounters{values: make(map[string]uint64)}
}

func (m *memCounters) Init(name string, value uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[name]; ok {
		return storage.ErrAlreadyExists
	}
	m.values[name] = value
	return nil
}

func (m *memCounters) Value(name string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[name]
	if !ok {
		return 0, storage.ErrNotFound
	}
	return v, nil
}

func (m *memCounters) Set(name string, value uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[name] = value
	return nil
}

func newTestBus(t *testing.T) (*Bus, *memCounters) {
	store := newMemCounters()
	return busOverStore(t, store), store
}

func busOverStore(t *testing.T, store storage.Counters) *Bus {
	nonce, err := counters.NewPersistentStrictMonotonicCounter(store, "event_nonce", 0)
	require.NoError(t, err)
	return NewBus(zerolog.Nop(), metrics.NewNoopCollector(), nonce)
}

func TestPublishAssignsMonotoneSequence(t *testing.T) {
	bus, _ := newTestBus(t)

	var last uint64
	for i := 0; i < 10; i++ {
		ev := bus.Publish(custody.Event{Type: custody.EventOperationSubmitted, User: "alice"})
		require.Greater(t, ev.Sequence, last)
		last = ev.Sequence
		// correlation id defaults to the event's own sequence
		assert.Equal(t, ev.Sequence, ev.CorrelationID)
		assert.False(t, ev.Timestamp.IsZero())
	}
	assert.Equal(t, last, bus.LastSequence())
}

func TestPublishKeepsExplicitCorrelation(t *testing.T) {
	bus, _ := newTestBus(t)

	root := bus.Publish(custody.Event{Type: custody.EventOperationSubmitted, User: "bob"})
	child := bus.Publish(custody.Event{
		Type:          custody.EventContractCallExecuted,
		User:          "bob",
		CorrelationID: root.Sequence,
	})

	assert.Equal(t, root.Sequence, child.CorrelationID)
	assert.NotEqual(t, child.Sequence, child.CorrelationID)

	trail := bus.ByCorrelation(root.Sequence)
	require.Len(t, trail, 2)
	assert.Equal(t, root.Sequence, trail[0].Sequence)
	assert.Equal(t, child.Sequence, trail[1].Sequence)
}

func TestSequenceSurvivesRestart(t *testing.T) {
	store := newMemCounters()

	bus := busOverStore(t, store)
	var last uint64
	for i := 0; i < 5; i++ {
		last = bus.Publish(custody.Event{Type: custody.EventSystemPausedType}).Sequence
	}

	// a new bus over the same store continues after the persisted nonce
	restarted := busOverStore(t, store)
	next := restarted.Publish(custody.Event{Type: custody.EventSystemResumedType})
	assert.Greater(t, next.Sequence, last)
}

func TestSubscriberFiltering(t *testing.T) {
	bus, _ := newTestBus(t)

	var aliceEvents, failureEvents []custody.Event
	err := bus.Subscribe("alice-watcher", Filter{User: "alice"}, func(ev custody.Event) error {
		aliceEvents = append(aliceEvents, ev)
		return nil
	})
	require.NoError(t, err)
	err = bus.Subscribe("failure-watcher", Filter{
		Types: []custody.EventType{custody.EventOperationFailed, custody.EventOperationTimedOut},
	}, func(ev custody.Event) error {
		failureEvents = append(failureEvents, ev)
		return nil
	})
	require.NoError(t, err)

	bus.Publish(custody.Event{Type: custody.EventOperationSubmitted, User: "alice"})
	bus.Publish(custody.Event{Type: custody.EventOperationFailed, User: "bob"})
	bus.Publish(custody.Event{Type: custody.EventOperationSubmitted, User: "carol"})

	require.Len(t, aliceEvents, 1)
	assert.Equal(t, "alice", aliceEvents[0].User)
	require.Len(t, failureEvents, 1)
	assert.Equal(t, custody.EventOperationFailed, failureEvents[0].Type)
}

func TestFailingSubscriberDoesNotBlockOthers(t *testing.T) {
	bus, _ := newTestBus(t)

	require.NoError(t, bus.Subscribe("broken", Filter{}, func(custody.Event) error {
		return errors.New("consumer exploded")
	}))
	delivered := 0
	require.NoError(t, bus.Subscribe("healthy", Filter{}, func(custody.Event) error {
		delivered++
		return nil
	}))

	bus.Publish(custody.Event{Type: custody.EventOperationSubmitted})
	bus.Publish(custody.Event{Type: custody.EventOperationFailed})

	assert.Equal(t, 2, delivered)
}

func TestSubscribeRejectsDuplicateID(t *testing.T) {
	bus, _ := newTestBus(t)

	noop := func(custody.Event) error { return nil }
	require.NoError(t, bus.Subscribe("one", Filter{}, noop))
	require.Error(t, bus.Subscribe("one", Filter{}, noop))

	bus.Unsubscribe("one")
	require.NoError(t, bus.Subscribe("one", Filter{}, noop))
}

func TestGlobalHistoryEviction(t *testing.T) {
	bus, _ := newTestBus(t)

	total := GlobalHistory + 50
	for i := 0; i < total; i++ {
		bus.Publish(custody.Event{Type: custody.EventOperationSubmitted, User: fmt.Sprintf("user-%d", i)})
	}

	recent := bus.Recent(0)
	require.Len(t, recent, GlobalHistory)
	// oldest retained entry is the 51st published event
	assert.Equal(t, uint64(51), recent[0].Sequence)
	assert.Equal(t, uint64(total), recent[len(recent)-1].Sequence)

	limited := bus.Recent(10)
	require.Len(t, limited, 10)
	assert.Equal(t, uint64(total), limited[9].Sequence)
}

func TestPerTypeHistoryCap(t *testing.T) {
	bus, _ := newTestBus(t)

	for i := 0; i < TypeHistory+25; i++ {
		bus.Publish(custody.Event{Type: custody.EventContractCallExecuted})
	}
	bus.Publish(custody.Event{Type: custody.EventProofGenerated})

	calls := bus.ByType(custody.EventContractCallExecuted, 0)
	assert.Len(t, calls, TypeHistory)
	proofs := bus.ByType(custody.EventProofGenerated, 0)
	assert.Len(t, proofs, 1)
	assert.Nil(t, bus.ByType(custody.EventLimitViolation, 0))
}

func TestQueryTimeRange(t *testing.T) {
	bus, _ := newTestBus(t)

	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)
	bus.Publish(custody.Event{Type: custody.EventOperationSubmitted, Timestamp: early})
	bus.Publish(custody.Event{Type: custody.EventOperationSubmitted, Timestamp: late})

	got := bus.Query(Filter{After: early.Add(time.Minute)}, 0)
	require.Len(t, got, 1)
	assert.Equal(t, late, got[0].Timestamp)

	got = bus.Query(Filter{Before: early.Add(time.Minute)}, 0)
	require.Len(t, got, 1)
	assert.Equal(t, early, got[0].Timestamp)
}
