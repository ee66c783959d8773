// Package storage defines the persistence interfaces for every admin-visible
// entity. All implementations must be crash-durable: a state transition that
// was acknowledged survives a process restart.
package storage

import (
	"github.com/custodian-labs/custodian-go/model/custody"
)

// Operations persists operations and their append-only step logs.
type Operations interface {
	// Insert stores a new operation. Returns ErrAlreadyExists if the id is
	// already present.
	Insert(op *custody.Operation) error

	// Save upserts an operation after a state transition.
	Save(op *custody.Operation) error

	// ByID retrieves an operation. Returns ErrNotFound if unknown.
	ByID(id custody.Identifier) (*custody.Operation, error)

	// IndexByBtcTxHash indexes a deposit operation by its bitcoin tx hash so
	// duplicate submissions can be detected across restarts. The index is
	// overwritten when a later operation legitimately reuses the hash (prior
	// attempt reached a failed terminal state).
	IndexByBtcTxHash(txHash string, opID custody.Identifier) error

	// ByBtcTxHash resolves the operation currently indexed for the tx hash.
	ByBtcTxHash(txHash string) (*custody.Operation, error)

	// InsertStep appends one entry to an operation's step log.
	InsertStep(step *custody.OperationStep) error

	// Steps returns the full step log of an operation in index order.
	Steps(opID custody.Identifier) ([]custody.OperationStep, error)

	// Unfinalized returns all operations not yet in a terminal state, for
	// watchdog recovery after a restart.
	Unfinalized() ([]*custody.Operation, error)
}

// LimitWindows persists the per-user, per-kind rolling limit counters.
type LimitWindows interface {
	Save(w *custody.LimitWindow) error
	ByUser(user string, kind custody.OperationKind) (*custody.LimitWindow, error)
}

// ExchangeRates persists the last-known quote per ordered pair.
type ExchangeRates interface {
	Save(r *custody.ExchangeRate) error
	ByPair(from, to string) (*custody.ExchangeRate, error)
}

// ReconciliationRecords persists the append-only reconciliation audit log.
type ReconciliationRecords interface {
	Insert(rec *custody.ReconciliationRecord) error
	ByID(id custody.Identifier) (*custody.ReconciliationRecord, error)
	Latest() (*custody.ReconciliationRecord, error)
	List(limit int) ([]custody.ReconciliationRecord, error)
}

// ProofRecords persists proof-of-reserves snapshots, bounded to the most
// recent maxProofHistory entries by Prune.
type ProofRecords interface {
	Insert(rec *custody.ProofRecord) error
	Save(rec *custody.ProofRecord) error
	ByID(id custody.Identifier) (*custody.ProofRecord, error)
	List(limit int) ([]custody.ProofRecord, error)
	Prune(keep int) error
}

// SystemState persists the process-wide flag snapshot.
type SystemState interface {
	Save(s *custody.SystemState) error
	Retrieve() (*custody.SystemState, error)
}

// EmergencyResponses persists executed protective measures.
type EmergencyResponses interface {
	Insert(r *custody.EmergencyResponse) error
	Save(r *custody.EmergencyResponse) error
	ByID(id custody.Identifier) (*custody.EmergencyResponse, error)
	Active() ([]custody.EmergencyResponse, error)
}

// UpgradePlans persists coordination-only upgrade plans.
type UpgradePlans interface {
	Insert(p *custody.UpgradePlan) error
	Save(p *custody.UpgradePlan) error
	ByID(id custody.Identifier) (*custody.UpgradePlan, error)
}

// Counters persists named strict-monotonic counters (operation and event
// nonces).
type Counters interface {
	// Init stores the default value if the counter does not exist yet.
	Init(name string, value uint64) error

	// Value reads the current value. Returns ErrNotFound if never initialized.
	Value(name string) (uint64, error)

	// Set stores a new value. Monotonicity is enforced by the caller.
	Set(name string, value uint64) error
}
