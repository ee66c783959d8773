package badger

import (
	"fmt"

	"github.com/dgraph-io/badger/v2"

	"github.com/custodian-labs/custodian-go/model/custody"
	"github.com/custodian-labs/custodian-go/storage"
	"github.com/custodian-labs/custodian-go/storage/badger/operation"
)

// SystemState implements persistent storage for the process-wide flag
// snapshot.
type SystemState struct {
	db *badger.DB
}

var _ storage.SystemState = (*SystemState)(nil)

func NewSystemState(db *badger.DB) *SystemState {
	return &SystemState{db: db}
}

func (s *SystemState) Save(state *custody.SystemState) error {
	return s.db.Update(operation.UpsertSystemState(state))
}

func (s *SystemState) Retrieve() (*custody.SystemState, error) {
	var state custody.SystemState
	err := s.db.View(operation.RetrieveSystemState(&state))
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// EmergencyResponses implements persistent storage for protective measures.
type EmergencyResponses struct {
	db *badger.DB
}

var _ storage.EmergencyResponses = (*EmergencyResponses)(nil)

func NewEmergencyResponses(db *badger.DB) *EmergencyResponses {
	return &EmergencyResponses{db: db}
}

func (e *EmergencyResponses) Insert(r *custody.EmergencyResponse) error {
	return e.db.Update(operation.InsertEmergencyResponse(r))
}

func (e *EmergencyResponses) Save(r *custody.EmergencyResponse) error {
	return e.db.Update(operation.UpsertEmergencyResponse(r))
}

func (e *EmergencyResponses) ByID(id custody.Identifier) (*custody.EmergencyResponse, error) {
	var r custody.EmergencyResponse
	err := e.db.View(operation.RetrieveEmergencyResponse(id, &r))
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (e *EmergencyResponses) Active() ([]custody.EmergencyResponse, error) {
	var active []custody.EmergencyResponse
	err := e.db.View(operation.IterateEmergencyResponses(func(r custody.EmergencyResponse) error {
		if r.Status == custody.EmergencyActive {
			active = append(active, r)
		}
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("could not scan emergency responses: %w", err)
	}
	return active, nil
}

// UpgradePlans implements persistent storage for upgrade plans.
type UpgradePlans struct {
	db *badger.DB
}

var _ storage.UpgradePlans = (*UpgradePlans)(nil)

func NewUpgradePlans(db *badger.DB) *UpgradePlans {
	return &UpgradePlans{db: db}
}

func (u *UpgradePlans) Insert(p *custody.UpgradePlan) error {
	return u.db.Update(operation.InsertUpgradePlan(p))
}

func (u *UpgradePlans) Save(p *custody.UpgradePlan) error {
	return u.db.Update(operation.UpsertUpgradePlan(p))
}

func (u *UpgradePlans) ByID(id custody.Identifier) (*custody.UpgradePlan, error) {
	var p custody.UpgradePlan
	err := u.db.View(operation.RetrieveUpgradePlan(id, &p))
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Counters implements persistent storage for named monotonic counters.
type Counters struct {
	db *badger.DB
}

var _ storage.Counters = (*Counters)(nil)

func NewCounters(db *badger.DB) *Counters {
	return &Counters{db: db}
}

func (c *Counters) Init(name string, value uint64) error {
	return c.db.Update(operation.InitCounter(name, value))
}

func (c *Counters) Value(name string) (uint64, error) {
	var value uint64
	err := c.db.View(operation.RetrieveCounter(name, &value))
	if err != nil {
		return 0, err
	}
	return value, nil
}

func (c *Counters) Set(name string, value uint64) error {
	return c.db.Update(operation.UpdateCounter(name, value))
}
