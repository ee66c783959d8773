// Package events implements the in-process event bus. Every state change in
// the platform is published here as a structured event with a globally unique
// sequence number drawn from a persisted monotonic nonce.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/custodian-labs/custodian-go/model/custody"
	"github.com/custodian-labs/custodian-go/module"
	"github.com/custodian-labs/custodian-go/module/counters"
)

const (
	// GlobalHistory is the capacity of the global event ring.
	GlobalHistory = 1000
	// TypeHistory is the capacity of each per-type event ring.
	TypeHistory = 100
)

// Filter scopes a subscription or query. Zero-valued fields match anything.
type Filter struct {
	Types         []custody.EventType
	User          string
	Contract      string
	CorrelationID uint64
	After         time.Time
	Before        time.Time
}

// Match reports whether the event passes the filter.
func (f Filter) Match(ev custody.Event) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if ev.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.User != "" && ev.User != f.User {
		return false
	}
	if f.Contract != "" && ev.Contract != f.Contract {
		return false
	}
	if f.CorrelationID != 0 && ev.CorrelationID != f.CorrelationID {
		return false
	}
	if !f.After.IsZero() && ev.Timestamp.Before(f.After) {
		return false
	}
	if !f.Before.IsZero() && ev.Timestamp.After(f.Before) {
		return false
	}
	return true
}

// Subscriber consumes one event. A returned error is logged and counted; the
// delivery is not retried and later events keep flowing.
type Subscriber func(ev custody.Event) error

type subscription struct {
	id     string
	filter Filter
	fn     Subscriber
}

// Bus fans published events out to subscribers and retains bounded history
// for queries. Safe for concurrent use.
type Bus struct {
	log     zerolog.Logger
	metrics module.EventMetrics
	nonce   *counters.PersistentStrictMonotonicCounter

	// shadow tracks the last issued sequence so publication stays strictly
	// monotone even if a nonce persist fails mid-flight.
	shadow counters.StrictMonotonicCounter

	mu     sync.RWMutex
	global *ring
	byType map[custody.EventType]*ring
	subs   map[string]subscription
}

func NewBus(log zerolog.Logger, metrics module.EventMetrics, nonce *counters.PersistentStrictMonotonicCounter) *Bus {
	return &Bus{
		log:     log.With().Str("component", "event_bus").Logger(),
		metrics: metrics,
		nonce:   nonce,
		shadow:  counters.NewMonotonicCounter(nonce.Value()),
		global:  newRing(GlobalHistory),
		byType:  make(map[custody.EventType]*ring),
		subs:    make(map[string]subscription),
	}
}

// Publish assigns the event its sequence, records it, and delivers it to all
// matching subscribers. A zero CorrelationID is replaced with the event's own
// sequence. Returns the completed event.
func (b *Bus) Publish(ev custody.Event) custody.Event {
	seq, err := b.nonce.Next()
	if err != nil {
		// storage write failed; keep the stream monotone from the shadow
		seq = b.shadow.Increment()
		b.log.Error().Err(err).Uint64("sequence", seq).Msg("could not persist event nonce")
	} else {
		b.shadow.Set(seq)
	}

	ev.Sequence = seq
	if ev.CorrelationID == 0 {
		ev.CorrelationID = seq
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	if b.global.push(ev) {
		b.metrics.EventDropped(ev.Type)
	}
	tr, ok := b.byType[ev.Type]
	if !ok {
		tr = newRing(TypeHistory)
		b.byType[ev.Type] = tr
	}
	tr.push(ev)
	subs := make([]subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.filter.Match(ev) {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()

	b.metrics.EventPublished(ev.Type)

	// delivery happens outside the lock so subscribers may publish or query
	for _, sub := range subs {
		err := sub.fn(ev)
		if err != nil {
			b.metrics.SubscriberFailed(sub.id)
			b.log.Warn().
				Err(err).
				Str("subscriber", sub.id).
				Str("event", ev.String()).
				Msg("subscriber failed to consume event")
		}
	}

	return ev
}

// Subscribe registers fn under the given id. Each id holds at most one
// subscription.
func (b *Bus) Subscribe(id string, filter Filter, fn Subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.subs[id]; exists {
		return fmt.Errorf("subscriber %s is already registered", id)
	}
	b.subs[id] = subscription{id: id, filter: filter, fn: fn}
	return nil
}

// Unsubscribe removes the subscription with the given id, if any.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// LastSequence returns the sequence of the most recently published event.
func (b *Bus) LastSequence() uint64 {
	return b.shadow.Value()
}

// Recent returns up to limit events from the global history, oldest first.
// A non-positive limit returns the full retained history.
func (b *Bus) Recent(limit int) []custody.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return tail(b.global.snapshot(), limit)
}

// ByType returns up to limit retained events of the given type, oldest first.
func (b *Bus) ByType(eventType custody.EventType, limit int) []custody.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	tr, ok := b.byType[eventType]
	if !ok {
		return nil
	}
	return tail(tr.snapshot(), limit)
}

// Query returns retained events from the global history matching the filter,
// oldest first, up to limit.
func (b *Bus) Query(filter Filter, limit int) []custody.Event {
	b.mu.RLock()
	snapshot := b.global.snapshot()
	b.mu.RUnlock()

	matched := snapshot[:0:0]
	for _, ev := range snapshot {
		if filter.Match(ev) {
			matched = append(matched, ev)
		}
	}
	return tail(matched, limit)
}

// ByCorrelation returns the retained event trail of one operation.
func (b *Bus) ByCorrelation(correlationID uint64) []custody.Event {
	return b.Query(Filter{CorrelationID: correlationID}, 0)
}

func tail(events []custody.Event, limit int) []custody.Event {
	if limit > 0 && len(events) > limit {
		return events[len(events)-limit:]
	}
	return events
}

// ring is a fixed-capacity circular buffer of events.
type ring struct {
	buf  []custody.Event
	next int
	full bool
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]custody.Event, capacity)}
}

// push appends the event, reporting whether an older event was evicted.
func (r *ring) push(ev custody.Event) bool {
	evicted := r.full
	r.buf[r.next] = ev
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
	return evicted
}

// snapshot copies the retained events in publication order.
func (r *ring) snapshot() []custody.Event {
	if !r.full {
		return append([]custody.Event(nil), r.buf[:r.next]...)
	}
	out := make([]custody.Event, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}
