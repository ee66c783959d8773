// Package counters provides the strict monotonic counters backing operation
// and event nonces. The persistent variant survives restarts through the
// storage layer, which is what makes operation ids and correlation ids
// globally unique for the lifetime of the deployment.
package counters

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"github.com/custodian-labs/custodian-go/storage"
)

// StrictMonotonicCounter is an in-memory counter that only moves forward.
type StrictMonotonicCounter struct {
	value *atomic.Uint64
}

func NewMonotonicCounter(initial uint64) StrictMonotonicCounter {
	return StrictMonotonicCounter{value: atomic.NewUint64(initial)}
}

// Set updates the value only if the new value is strictly larger; it reports
// whether the update took place.
func (c StrictMonotonicCounter) Set(v uint64) bool {
	for {
		cur := c.value.Load()
		if v <= cur {
			return false
		}
		if c.value.CompareAndSwap(cur, v) {
			return true
		}
	}
}

// Increment advances the counter by one and returns the new value.
func (c StrictMonotonicCounter) Increment() uint64 {
	return c.value.Add(1)
}

// Value returns the current value.
func (c StrictMonotonicCounter) Value() uint64 {
	return c.value.Load()
}

// PersistentStrictMonotonicCounter is a named strict monotonic counter whose
// value is durably persisted on every advance. The storage entry must not be
// written outside of calls to the returned object, otherwise the in-memory
// and persisted views diverge.
type PersistentStrictMonotonicCounter struct {
	mu      sync.Mutex
	name    string
	store   storage.Counters
	counter StrictMonotonicCounter
}

// NewPersistentStrictMonotonicCounter syncs with storage and initializes the
// counter to the persisted value, or to defaultValue when the counter has
// never been stored.
//
// No errors are expected during normal operation.
func NewPersistentStrictMonotonicCounter(store storage.Counters, name string, defaultValue uint64) (*PersistentStrictMonotonicCounter, error) {
	m := &PersistentStrictMonotonicCounter{
		name:  name,
		store: store,
	}

	value, err := store.Value(name)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("could not read counter %s: %w", name, err)
		}
		err = store.Init(name, defaultValue)
		if err != nil {
			return nil, fmt.Errorf("could not init counter %s: %w", name, err)
		}
		value = defaultValue
	}

	m.counter = NewMonotonicCounter(value)
	return m, nil
}

// Next advances the counter by one, persists the new value, and returns it.
// The persisted write happens before the value is handed out, so a crash
// never reissues a nonce.
func (m *PersistentStrictMonotonicCounter) Next() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.counter.Value() + 1
	err := m.store.Set(m.name, next)
	if err != nil {
		return 0, fmt.Errorf("could not persist counter %s: %w", m.name, err)
	}
	m.counter.Set(next)
	return next, nil
}

// Value loads the current value.
func (m *PersistentStrictMonotonicCounter) Value() uint64 {
	return m.counter.Value()
}
