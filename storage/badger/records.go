package badger

import (
	"fmt"

	"github.com/dgraph-io/badger/v2"

	"github.com/custodian-labs/custodian-go/model/custody"
	"github.com/custodian-labs/custodian-go/storage"
	"github.com/custodian-labs/custodian-go/storage/badger/operation"
)

// LimitWindows implements persistent storage for rolling limit counters.
type LimitWindows struct {
	db *badger.DB
}

var _ storage.LimitWindows = (*LimitWindows)(nil)

func NewLimitWindows(db *badger.DB) *LimitWindows {
	return &LimitWindows{db: db}
}

func (l *LimitWindows) Save(w *custody.LimitWindow) error {
	return l.db.Update(operation.UpsertLimitWindow(w))
}

func (l *LimitWindows) ByUser(user string, kind custody.OperationKind) (*custody.LimitWindow, error) {
	var w custody.LimitWindow
	err := l.db.View(operation.RetrieveLimitWindow(user, kind, &w))
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// ExchangeRates implements persistent storage for last-known quotes.
type ExchangeRates struct {
	db *badger.DB
}

var _ storage.ExchangeRates = (*ExchangeRates)(nil)

func NewExchangeRates(db *badger.DB) *ExchangeRates {
	return &ExchangeRates{db: db}
}

func (e *ExchangeRates) Save(r *custody.ExchangeRate) error {
	return e.db.Update(operation.UpsertExchangeRate(r))
}

func (e *ExchangeRates) ByPair(from, to string) (*custody.ExchangeRate, error) {
	var r custody.ExchangeRate
	err := e.db.View(operation.RetrieveExchangeRate(from, to, &r))
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ReconciliationRecords implements the append-only reconciliation audit log.
type ReconciliationRecords struct {
	db *badger.DB
}

var _ storage.ReconciliationRecords = (*ReconciliationRecords)(nil)

func NewReconciliationRecords(db *badger.DB) *ReconciliationRecords {
	return &ReconciliationRecords{db: db}
}

func (r *ReconciliationRecords) Insert(rec *custody.ReconciliationRecord) error {
	return r.db.Update(operation.InsertReconciliationRecord(rec))
}

func (r *ReconciliationRecords) ByID(id custody.Identifier) (*custody.ReconciliationRecord, error) {
	var found *custody.ReconciliationRecord
	err := r.db.View(operation.IterateReconciliationRecords(func(rec custody.ReconciliationRecord) error {
		if rec.ID == id {
			cp := rec
			found = &cp
		}
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("could not scan reconciliation records: %w", err)
	}
	if found == nil {
		return nil, storage.ErrNotFound
	}
	return found, nil
}

func (r *ReconciliationRecords) Latest() (*custody.ReconciliationRecord, error) {
	var last *custody.ReconciliationRecord
	err := r.db.View(operation.IterateReconciliationRecords(func(rec custody.ReconciliationRecord) error {
		cp := rec
		last = &cp
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("could not scan reconciliation records: %w", err)
	}
	if last == nil {
		return nil, storage.ErrNotFound
	}
	return last, nil
}

func (r *ReconciliationRecords) List(limit int) ([]custody.ReconciliationRecord, error) {
	var recs []custody.ReconciliationRecord
	err := r.db.View(operation.IterateReconciliationRecords(func(rec custody.ReconciliationRecord) error {
		recs = append(recs, rec)
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("could not list reconciliation records: %w", err)
	}
	if limit > 0 && len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	return recs, nil
}

// ProofRecords implements persistent storage for proof-of-reserves snapshots.
type ProofRecords struct {
	db *badger.DB
}

var _ storage.ProofRecords = (*ProofRecords)(nil)

func NewProofRecords(db *badger.DB) *ProofRecords {
	return &ProofRecords{db: db}
}

func (p *ProofRecords) Insert(rec *custody.ProofRecord) error {
	return p.db.Update(operation.InsertProofRecord(rec))
}

func (p *ProofRecords) Save(rec *custody.ProofRecord) error {
	return p.db.Update(operation.UpsertProofRecord(rec))
}

func (p *ProofRecords) ByID(id custody.Identifier) (*custody.ProofRecord, error) {
	var found *custody.ProofRecord
	err := p.db.View(operation.IterateProofRecords(func(rec custody.ProofRecord) error {
		if rec.ID == id {
			cp := rec
			found = &cp
		}
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("could not scan proof records: %w", err)
	}
	if found == nil {
		return nil, storage.ErrNotFound
	}
	return found, nil
}

func (p *ProofRecords) List(limit int) ([]custody.ProofRecord, error) {
	var recs []custody.ProofRecord
	err := p.db.View(operation.IterateProofRecords(func(rec custody.ProofRecord) error {
		recs = append(recs, rec)
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("could not list proof records: %w", err)
	}
	if limit > 0 && len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	return recs, nil
}

func (p *ProofRecords) Prune(keep int) error {
	recs, err := p.List(0)
	if err != nil {
		return err
	}
	if len(recs) <= keep {
		return nil
	}
	excess := recs[:len(recs)-keep]
	return p.db.Update(func(tx *badger.Txn) error {
		for _, rec := range excess {
			err := operation.RemoveProofRecord(rec.Sequence)(tx)
			if err != nil {
				return fmt.Errorf("could not prune proof record %d: %w", rec.Sequence, err)
			}
		}
		return nil
	})
}
