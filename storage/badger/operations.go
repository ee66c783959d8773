package badger

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v2"

	"github.com/custodian-labs/custodian-go/model/custody"
	"github.com/custodian-labs/custodian-go/storage"
	"github.com/custodian-labs/custodian-go/storage/badger/operation"
)

// Operations implements persistent storage for operations and their step logs.
type Operations struct {
	db *badger.DB
}

var _ storage.Operations = (*Operations)(nil)

func NewOperations(db *badger.DB) *Operations {
	return &Operations{db: db}
}

func (o *Operations) Insert(op *custody.Operation) error {
	return o.db.Update(func(tx *badger.Txn) error {
		err := operation.InsertOperation(op)(tx)
		if err != nil {
			return fmt.Errorf("could not insert operation: %w", err)
		}
		// non-terminal operations are tracked for watchdog recovery
		if !op.State.IsTerminal() {
			err = operation.MarkOperationUnfinalized(op.ID)(tx)
			if err != nil {
				return fmt.Errorf("could not mark operation unfinalized: %w", err)
			}
		}
		return nil
	})
}

func (o *Operations) Save(op *custody.Operation) error {
	return o.db.Update(func(tx *badger.Txn) error {
		err := operation.UpsertOperation(op)(tx)
		if err != nil {
			return fmt.Errorf("could not save operation: %w", err)
		}
		if op.State.IsTerminal() {
			err = operation.UnmarkOperationUnfinalized(op.ID)(tx)
			if err != nil {
				return fmt.Errorf("could not clear unfinalized marker: %w", err)
			}
		}
		return nil
	})
}

func (o *Operations) ByID(id custody.Identifier) (*custody.Operation, error) {
	var op custody.Operation
	err := o.db.View(operation.RetrieveOperation(id, &op))
	if err != nil {
		return nil, fmt.Errorf("could not retrieve operation %s: %w", id, err)
	}
	return &op, nil
}

func (o *Operations) IndexByBtcTxHash(txHash string, opID custody.Identifier) error {
	return o.db.Update(operation.IndexOperationByBtcTxHash(txHash, opID))
}

func (o *Operations) ByBtcTxHash(txHash string) (*custody.Operation, error) {
	var op custody.Operation
	err := o.db.View(func(tx *badger.Txn) error {
		var opID custody.Identifier
		err := operation.LookupOperationByBtcTxHash(txHash, &opID)(tx)
		if err != nil {
			return err
		}
		return operation.RetrieveOperation(opID, &op)(tx)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("could not look up operation by tx hash: %w", err)
	}
	return &op, nil
}

func (o *Operations) InsertStep(step *custody.OperationStep) error {
	return o.db.Update(operation.InsertOperationStep(step))
}

func (o *Operations) Steps(opID custody.Identifier) ([]custody.OperationStep, error) {
	var steps []custody.OperationStep
	err := o.db.View(operation.IterateOperationSteps(opID, func(step custody.OperationStep) error {
		steps = append(steps, step)
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("could not iterate operation steps: %w", err)
	}
	return steps, nil
}

func (o *Operations) Unfinalized() ([]*custody.Operation, error) {
	var ops []*custody.Operation
	err := o.db.View(func(tx *badger.Txn) error {
		return operation.IterateUnfinalizedOperations(func(opID custody.Identifier) error {
			var op custody.Operation
			err := operation.RetrieveOperation(opID, &op)(tx)
			if err != nil {
				return err
			}
			ops = append(ops, &op)
			return nil
		})(tx)
	})
	if err != nil {
		return nil, fmt.Errorf("could not collect unfinalized operations: %w", err)
	}
	return ops, nil
}
