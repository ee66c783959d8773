package orchestrator

import (
	"sync"
	"time"

	"github.com/custodian-labs/custodian-go/model/custody"
)

// reservationSet holds the short-lived compare-and-set reservations of
// in-flight operations. Only the acquiring operation may release a hold.
type reservationSet struct {
	mu   sync.Mutex
	held map[string]custody.Reservation
}

func newReservationSet() *reservationSet {
	return &reservationSet{held: make(map[string]custody.Reservation)}
}

func reservationKey(kind custody.ReservationKind, key string) string {
	return kind.String() + "/" + key
}

// Acquire takes the hold for the given operation, reporting false if any
// operation already holds it.
func (s *reservationSet) Acquire(kind custody.ReservationKind, key string, opID custody.Identifier) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := reservationKey(kind, key)
	if _, taken := s.held[k]; taken {
		return false
	}
	s.held[k] = custody.Reservation{
		Kind:        kind,
		Key:         key,
		OperationID: opID,
		AcquiredAt:  time.Now().UTC(),
	}
	return true
}

// Release drops the hold if and only if opID is the holder.
func (s *reservationSet) Release(kind custody.ReservationKind, key string, opID custody.Identifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := reservationKey(kind, key)
	if r, taken := s.held[k]; taken && r.OperationID == opID {
		delete(s.held, k)
	}
}

// Rebind moves a hold acquired under a placeholder id to the operation's
// final id once the record exists.
func (s *reservationSet) Rebind(kind custody.ReservationKind, key string, from, to custody.Identifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := reservationKey(kind, key)
	if r, taken := s.held[k]; taken && r.OperationID == from {
		r.OperationID = to
		s.held[k] = r
	}
}

// Holder returns the operation currently holding the key, if any.
func (s *reservationSet) Holder(kind custody.ReservationKind, key string) (custody.Identifier, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, taken := s.held[reservationKey(kind, key)]
	return r.OperationID, taken
}
