package badger

import (
	"github.com/dgraph-io/badger/v2"

	"github.com/custodian-labs/custodian-go/storage"
)

// All bundles every store over one database handle.
type All struct {
	Operations            storage.Operations
	LimitWindows          storage.LimitWindows
	ExchangeRates         storage.ExchangeRates
	ReconciliationRecords storage.ReconciliationRecords
	ProofRecords          storage.ProofRecords
	SystemState           storage.SystemState
	EmergencyResponses    storage.EmergencyResponses
	UpgradePlans          storage.UpgradePlans
	Counters              storage.Counters
}

func InitAll(db *badger.DB) *All {
	return &All{
		Operations:            NewOperations(db),
		LimitWindows:          NewLimitWindows(db),
		ExchangeRates:         NewExchangeRates(db),
		ReconciliationRecords: NewReconciliationRecords(db),
		ProofRecords:          NewProofRecords(db),
		SystemState:           NewSystemState(db),
		EmergencyResponses:    NewEmergencyResponses(db),
		UpgradePlans:          NewUpgradePlans(db),
		Counters:              NewCounters(db),
	}
}
