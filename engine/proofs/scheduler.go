// Package proofs implements the proof-of-reserves scheduler: a daily snapshot
// of the reserve books, signed by the reserve manager, verified on arrival
// and retained as a bounded audit history.
package proofs

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/custodian-labs/custodian-go/collaborator"
	"github.com/custodian-labs/custodian-go/model/custody"
	"github.com/custodian-labs/custodian-go/module"
	"github.com/custodian-labs/custodian-go/module/component"
	"github.com/custodian-labs/custodian-go/module/counters"
	"github.com/custodian-labs/custodian-go/module/events"
	"github.com/custodian-labs/custodian-go/module/irrecoverable"
	"github.com/custodian-labs/custodian-go/storage"
)

// MaxHistory bounds the retained proof records.
const MaxHistory = 100

// Config tunes the proof scheduler.
type Config struct {
	Interval time.Duration
}

// DefaultConfig returns the production default of one proof per day.
func DefaultConfig() Config {
	return Config{Interval: 24 * time.Hour}
}

// Scheduler generates proof-of-reserves snapshots on a fixed interval.
type Scheduler struct {
	component.Component
	cm *component.ComponentManager

	log     zerolog.Logger
	metrics module.ReconciliationMetrics
	cfg     Config

	reserve  collaborator.ReserveClient
	records  storage.ProofRecords
	sequence *counters.PersistentStrictMonotonicCounter
	bus      *events.Bus
}

func New(
	log zerolog.Logger,
	metrics module.ReconciliationMetrics,
	cfg Config,
	reserve collaborator.ReserveClient,
	records storage.ProofRecords,
	sequence *counters.PersistentStrictMonotonicCounter,
	bus *events.Bus,
) *Scheduler {

	s := &Scheduler{
		log:      log.With().Str("component", "proof_scheduler").Logger(),
		metrics:  metrics,
		cfg:      cfg,
		reserve:  reserve,
		records:  records,
		sequence: sequence,
		bus:      bus,
	}

	s.cm = component.NewComponentManagerBuilder().
		AddWorker(s.loop).
		Build()
	s.Component = s.cm

	return s
}

func (s *Scheduler) loop(ctx irrecoverable.SignalerContext, ready component.ReadyFunc) {
	ready()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := s.Generate(ctx)
			if err != nil {
				s.log.Error().Err(err).Msg("proof generation failed")
			}
		}
	}
}

// Generate produces one proof-of-reserves record, verifies it immediately,
// and prunes history beyond MaxHistory. Safe to call on demand between ticks.
func (s *Scheduler) Generate(ctx context.Context) (*custody.ProofRecord, error) {
	snap, err := s.reserve.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not snapshot reserves: %w", err)
	}

	seq, err := s.sequence.Next()
	if err != nil {
		return nil, fmt.Errorf("could not advance proof sequence: %w", err)
	}
	now := time.Now().UTC()

	rec := &custody.ProofRecord{
		ID:          custody.MakeRecordID("proof", seq, now),
		Sequence:    seq,
		Timestamp:   now,
		BtcReserves: snap.ReservesSat,
		TokenSupply: snap.TokenSupply,
		RatioBps:    snap.RatioBps,
		MerkleRoot:  snap.MerkleRoot,
		Signature:   snap.Signature,
		Status:      custody.ProofPending,
	}
	rec.Status = rec.Verify(now)

	err = s.records.Insert(rec)
	if err != nil {
		return nil, fmt.Errorf("could not persist proof record: %w", err)
	}
	err = s.records.Prune(MaxHistory)
	if err != nil {
		s.log.Warn().Err(err).Msg("could not prune proof history")
	}

	s.metrics.ProofGenerated(rec.Status)
	s.bus.Publish(custody.Event{
		Type:  custody.EventProofGenerated,
		Data1: snap.ReservesSat,
		Data2: snap.TokenSupply,
		Payload: map[string]string{
			"proof_id": rec.ID.String(),
			"status":   rec.Status.String(),
		},
	})

	logEvent := s.log.Info()
	if rec.Status != custody.ProofVerified {
		logEvent = s.log.Warn()
	}
	logEvent.
		Uint64("reserves_sat", snap.ReservesSat).
		Uint64("token_supply", snap.TokenSupply).
		Str("status", rec.Status.String()).
		Msg("proof of reserves generated")

	return rec, nil
}

// Reverify re-checks a stored proof against the current time and persists the
// updated status. Verified proofs older than the validity window expire.
func (s *Scheduler) Reverify(id custody.Identifier) (*custody.ProofRecord, error) {
	rec, err := s.records.ByID(id)
	if err != nil {
		return nil, err
	}
	status := rec.Verify(time.Now().UTC())
	if status == rec.Status {
		return rec, nil
	}
	rec.Status = status
	err = s.records.Save(rec)
	if err != nil {
		return nil, fmt.Errorf("could not persist proof status: %w", err)
	}
	return rec, nil
}

// History returns the most recent proof records in sequence order.
func (s *Scheduler) History(limit int) ([]custody.ProofRecord, error) {
	return s.records.List(limit)
}
