package operation

import (
	"github.com/dgraph-io/badger/v2"

	"github.com/custodian-labs/custodian-go/model/custody"
)

// InsertOperation stores a new operation record.
func InsertOperation(op *custody.Operation) func(*badger.Txn) error {
	return insert(makePrefix(codeOperation, op.ID), op)
}

// UpsertOperation overwrites an operation record after a state transition.
func UpsertOperation(op *custody.Operation) func(*badger.Txn) error {
	return upsert(makePrefix(codeOperation, op.ID), op)
}

// RetrieveOperation loads an operation by id.
func RetrieveOperation(opID custody.Identifier, op *custody.Operation) func(*badger.Txn) error {
	return retrieve(makePrefix(codeOperation, opID), op)
}

// IndexOperationByBtcTxHash points the tx-hash index at the given operation.
func IndexOperationByBtcTxHash(txHash string, opID custody.Identifier) func(*badger.Txn) error {
	return upsert(makePrefix(codeBtcTxHashIndex, txHash), opID)
}

// LookupOperationByBtcTxHash resolves the operation id indexed for a tx hash.
func LookupOperationByBtcTxHash(txHash string, opID *custody.Identifier) func(*badger.Txn) error {
	return retrieve(makePrefix(codeBtcTxHashIndex, txHash), opID)
}

// MarkOperationUnfinalized tracks a non-terminal operation for watchdog
// recovery.
func MarkOperationUnfinalized(opID custody.Identifier) func(*badger.Txn) error {
	return upsert(makePrefix(codeUnfinalized, opID), opID)
}

// UnmarkOperationUnfinalized removes the recovery marker once the operation
// reaches a terminal state.
func UnmarkOperationUnfinalized(opID custody.Identifier) func(*badger.Txn) error {
	return remove(makePrefix(codeUnfinalized, opID))
}

// IterateUnfinalizedOperations walks all recovery markers.
func IterateUnfinalizedOperations(handle func(opID custody.Identifier) error) func(*badger.Txn) error {
	return traverse(makePrefix(codeUnfinalized), func() (checkFunc, createFunc, handleFunc) {
		var id custody.Identifier
		check := func([]byte) bool { return true }
		create := func() interface{} { return &id }
		h := func() error { return handle(id) }
		return check, create, h
	})
}

// InsertOperationStep appends one step-log entry. Step keys embed the index,
// so the log iterates back in index order.
func InsertOperationStep(step *custody.OperationStep) func(*badger.Txn) error {
	return insert(makePrefix(codeOperationStep, step.OperationID, step.Index), step)
}

// IterateOperationSteps walks the step log of one operation in index order.
func IterateOperationSteps(opID custody.Identifier, handle func(step custody.OperationStep) error) func(*badger.Txn) error {
	return traverse(makePrefix(codeOperationStep, opID), func() (checkFunc, createFunc, handleFunc) {
		var step custody.OperationStep
		check := func([]byte) bool { return true }
		create := func() interface{} { return &step }
		h := func() error { return handle(step) }
		return check, create, h
	})
}

// UpsertLimitWindow stores the rolling limit counters for (user, kind).
func UpsertLimitWindow(w *custody.LimitWindow) func(*badger.Txn) error {
	return upsert(makePrefix(codeLimitWindow, w.Kind, w.User), w)
}

// RetrieveLimitWindow loads the rolling limit counters for (user, kind).
func RetrieveLimitWindow(user string, kind custody.OperationKind, w *custody.LimitWindow) func(*badger.Txn) error {
	return retrieve(makePrefix(codeLimitWindow, kind, user), w)
}

// UpsertExchangeRate stores the last-known quote for an ordered pair.
func UpsertExchangeRate(r *custody.ExchangeRate) func(*badger.Txn) error {
	return upsert(makePrefix(codeExchangeRate, r.FromToken+"/"+r.ToToken), r)
}

// RetrieveExchangeRate loads the last-known quote for an ordered pair.
func RetrieveExchangeRate(from, to string, r *custody.ExchangeRate) func(*badger.Txn) error {
	return retrieve(makePrefix(codeExchangeRate, from+"/"+to), r)
}

// InsertReconciliationRecord appends one reconciliation audit record. Keys
// embed the run sequence so iteration yields chronological order.
func InsertReconciliationRecord(rec *custody.ReconciliationRecord) func(*badger.Txn) error {
	return insert(makePrefix(codeReconciliation, rec.Sequence), rec)
}

// RetrieveReconciliationRecord loads one record by sequence.
func RetrieveReconciliationRecord(seq uint64, rec *custody.ReconciliationRecord) func(*badger.Txn) error {
	return retrieve(makePrefix(codeReconciliation, seq), rec)
}

// IterateReconciliationRecords walks all reconciliation records in
// chronological order.
func IterateReconciliationRecords(handle func(rec custody.ReconciliationRecord) error) func(*badger.Txn) error {
	return traverse(makePrefix(codeReconciliation), func() (checkFunc, createFunc, handleFunc) {
		var rec custody.ReconciliationRecord
		check := func([]byte) bool { return true }
		create := func() interface{} { return &rec }
		h := func() error { return handle(rec) }
		return check, create, h
	})
}

// InsertProofRecord appends one proof-of-reserves snapshot.
func InsertProofRecord(rec *custody.ProofRecord) func(*badger.Txn) error {
	return insert(makePrefix(codeProof, rec.Sequence), rec)
}

// UpsertProofRecord overwrites a snapshot after verification.
func UpsertProofRecord(rec *custody.ProofRecord) func(*badger.Txn) error {
	return upsert(makePrefix(codeProof, rec.Sequence), rec)
}

// IterateProofRecords walks all proof snapshots in chronological order.
func IterateProofRecords(handle func(rec custody.ProofRecord) error) func(*badger.Txn) error {
	return traverse(makePrefix(codeProof), func() (checkFunc, createFunc, handleFunc) {
		var rec custody.ProofRecord
		check := func([]byte) bool { return true }
		create := func() interface{} { return &rec }
		h := func() error { return handle(rec) }
		return check, create, h
	})
}

// RemoveProofRecord deletes one snapshot by sequence (history pruning).
func RemoveProofRecord(seq uint64) func(*badger.Txn) error {
	return remove(makePrefix(codeProof, seq))
}

// UpsertSystemState stores the process-wide flag snapshot.
func UpsertSystemState(s *custody.SystemState) func(*badger.Txn) error {
	return upsert(makePrefix(codeSystemState), s)
}

// RetrieveSystemState loads the process-wide flag snapshot.
func RetrieveSystemState(s *custody.SystemState) func(*badger.Txn) error {
	return retrieve(makePrefix(codeSystemState), s)
}

// InsertEmergencyResponse stores one executed protective measure.
func InsertEmergencyResponse(r *custody.EmergencyResponse) func(*badger.Txn) error {
	return insert(makePrefix(codeEmergencyResponse, r.ID), r)
}

// UpsertEmergencyResponse overwrites a response (resolution).
func UpsertEmergencyResponse(r *custody.EmergencyResponse) func(*badger.Txn) error {
	return upsert(makePrefix(codeEmergencyResponse, r.ID), r)
}

// RetrieveEmergencyResponse loads one response by id.
func RetrieveEmergencyResponse(id custody.Identifier, r *custody.EmergencyResponse) func(*badger.Txn) error {
	return retrieve(makePrefix(codeEmergencyResponse, id), r)
}

// IterateEmergencyResponses walks all responses ever executed.
func IterateEmergencyResponses(handle func(r custody.EmergencyResponse) error) func(*badger.Txn) error {
	return traverse(makePrefix(codeEmergencyResponse), func() (checkFunc, createFunc, handleFunc) {
		var r custody.EmergencyResponse
		check := func([]byte) bool { return true }
		create := func() interface{} { return &r }
		h := func() error { return handle(r) }
		return check, create, h
	})
}

// InsertUpgradePlan stores one coordination-only upgrade plan.
func InsertUpgradePlan(p *custody.UpgradePlan) func(*badger.Txn) error {
	return insert(makePrefix(codeUpgradePlan, p.ID), p)
}

// UpsertUpgradePlan overwrites a plan after verification.
func UpsertUpgradePlan(p *custody.UpgradePlan) func(*badger.Txn) error {
	return upsert(makePrefix(codeUpgradePlan, p.ID), p)
}

// RetrieveUpgradePlan loads one plan by id.
func RetrieveUpgradePlan(id custody.Identifier, p *custody.UpgradePlan) func(*badger.Txn) error {
	return retrieve(makePrefix(codeUpgradePlan, id), p)
}

// InitCounter stores a counter default if absent.
func InitCounter(name string, value uint64) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		var present bool
		err := exists(makePrefix(codeCounter, name), &present)(tx)
		if err != nil {
			return err
		}
		if present {
			return nil
		}
		return upsert(makePrefix(codeCounter, name), value)(tx)
	}
}

// RetrieveCounter loads a named counter value.
func RetrieveCounter(name string, value *uint64) func(*badger.Txn) error {
	return retrieve(makePrefix(codeCounter, name), value)
}

// UpdateCounter stores a named counter value.
func UpdateCounter(name string, value uint64) func(*badger.Txn) error {
	return upsert(makePrefix(codeCounter, name), value)
}
