// Package reconciler implements periodic reserve reconciliation: comparing
// bitcoin reserves against outstanding token supply, classifying the
// discrepancy, and escalating to protective measures when the backing falls
// too far below the peg.
package reconciler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/custodian-labs/custodian-go/collaborator"
	"github.com/custodian-labs/custodian-go/engine/orchestrator/policy"
	"github.com/custodian-labs/custodian-go/model/custody"
	"github.com/custodian-labs/custodian-go/module"
	"github.com/custodian-labs/custodian-go/module/component"
	"github.com/custodian-labs/custodian-go/module/counters"
	"github.com/custodian-labs/custodian-go/module/events"
	"github.com/custodian-labs/custodian-go/module/irrecoverable"
	"github.com/custodian-labs/custodian-go/storage"
)

// EmergencyResponder executes a protective measure on behalf of the
// reconciler. Implemented by the admin control plane.
type EmergencyResponder interface {
	ExecuteEmergencyResponse(ctx context.Context, responseType custody.EmergencyResponseType, initiator string, reason string) error
}

// Config tunes the reconciliation loop.
type Config struct {
	// Interval is the baseline reconciliation frequency.
	Interval time.Duration

	// CriticalInterval replaces Interval while the last run classified
	// Critical or worse.
	CriticalInterval time.Duration

	// ToleranceBps is the discrepancy treated as rounding noise.
	ToleranceBps uint64

	// MaxBeforeHaltBps is the discrepancy at which the system halts.
	MaxBeforeHaltBps uint64

	// NativeToken is the token whose ledger supply is cross-checked against
	// the reserve snapshot.
	NativeToken string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:         3600 * time.Second,
		CriticalInterval: 300 * time.Second,
		ToleranceBps:     100,
		MaxBeforeHaltBps: 500,
		NativeToken:      "cbtc",
	}
}

// Reconciler periodically snapshots the reserve books and appends one
// immutable ReconciliationRecord per run.
type Reconciler struct {
	component.Component
	cm *component.ComponentManager

	log     zerolog.Logger
	metrics module.ReconciliationMetrics
	cfg     Config

	gate      *policy.Gate
	reserve   collaborator.ReserveClient
	token     collaborator.TokenClient
	records   storage.ReconciliationRecords
	sequence  *counters.PersistentStrictMonotonicCounter
	bus       *events.Bus
	responder EmergencyResponder

	// escalated shortens the ticker while the last severity was >= Critical
	escalated *atomic.Bool
}

func New(
	log zerolog.Logger,
	metrics module.ReconciliationMetrics,
	cfg Config,
	gate *policy.Gate,
	reserve collaborator.ReserveClient,
	token collaborator.TokenClient,
	records storage.ReconciliationRecords,
	sequence *counters.PersistentStrictMonotonicCounter,
	bus *events.Bus,
	responder EmergencyResponder,
) *Reconciler {

	r := &Reconciler{
		log:       log.With().Str("component", "reconciler").Logger(),
		metrics:   metrics,
		cfg:       cfg,
		gate:      gate,
		reserve:   reserve,
		token:     token,
		records:   records,
		sequence:  sequence,
		bus:       bus,
		responder: responder,
		escalated: atomic.NewBool(false),
	}

	r.cm = component.NewComponentManagerBuilder().
		AddWorker(r.loop).
		Build()
	r.Component = r.cm

	return r
}

func (r *Reconciler) loop(ctx irrecoverable.SignalerContext, ready component.ReadyFunc) {
	ready()

	timer := time.NewTimer(r.interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			_, err := r.RunOnce(ctx)
			if err != nil {
				r.log.Error().Err(err).Msg("reconciliation run failed")
			}
			timer.Reset(r.interval())
		}
	}
}

func (r *Reconciler) interval() time.Duration {
	if r.escalated.Load() {
		return r.cfg.CriticalInterval
	}
	return r.cfg.Interval
}

// RunOnce performs one reconciliation pass. The reserve snapshot is taken
// inside the policy-exclusive section so no limit-window commit can move the
// books mid-read. Safe to call on demand between ticks.
func (r *Reconciler) RunOnce(ctx context.Context) (*custody.ReconciliationRecord, error) {
	var snap *collaborator.ReserveSnapshot
	var ledgerSupply uint64
	err := r.gate.Exclusively(func() error {
		var err error
		snap, err = r.reserve.Snapshot(ctx)
		if err != nil {
			return fmt.Errorf("could not snapshot reserves: %w", err)
		}
		ledgerSupply, err = r.token.TotalSupply(ctx, r.cfg.NativeToken)
		if err != nil {
			return fmt.Errorf("could not read ledger supply: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	seq, err := r.sequence.Next()
	if err != nil {
		return nil, fmt.Errorf("could not advance reconciliation sequence: %w", err)
	}
	now := time.Now().UTC()

	actual := custody.ReserveRatioBps(snap.ReservesSat, snap.TokenSupply)
	discrepancyBps := int64(actual) - int64(custody.FullyBackedRatioBps)
	backedSat := snap.TokenSupply / custody.TokenUnitsPerSatoshi
	discrepancySat := int64(snap.ReservesSat) - int64(backedSat)
	severity := custody.ClassifySeverity(discrepancyBps, r.cfg.ToleranceBps, r.cfg.MaxBeforeHaltBps, snap.TokenSupply)

	// the token ledger is the independent source of outstanding supply; a
	// snapshot that disagrees with it is suspect regardless of the ratio
	supplyMismatch := ledgerSupply != snap.TokenSupply
	if supplyMismatch {
		if severity < custody.SeverityWarning {
			severity = custody.SeverityWarning
		}
		r.log.Warn().
			Uint64("ledger_supply", ledgerSupply).
			Uint64("reported_supply", snap.TokenSupply).
			Msg("token ledger supply disagrees with reserve snapshot")
	}

	rec := &custody.ReconciliationRecord{
		ID:                custody.MakeRecordID("reconciliation", seq, now),
		Sequence:          seq,
		Timestamp:         now,
		BtcReserves:       snap.ReservesSat,
		TokenSupply:       snap.TokenSupply,
		ExpectedRatioBps:  custody.FullyBackedRatioBps,
		ActualRatioBps:    actual,
		DiscrepancyBps:    discrepancyBps,
		DiscrepancySat:    discrepancySat,
		Severity:          severity,
		ProtectiveActions: severity >= custody.SeverityCritical,
	}
	err = r.records.Insert(rec)
	if err != nil {
		return nil, fmt.Errorf("could not persist reconciliation record: %w", err)
	}

	r.metrics.ReconciliationCompleted(actual, severity)
	r.escalated.Store(severity >= custody.SeverityCritical)

	payload := map[string]string{
		"record_id":       rec.ID.String(),
		"severity":        severity.String(),
		"discrepancy_bps": strconv.FormatInt(discrepancyBps, 10),
	}
	if supplyMismatch {
		payload["ledger_supply"] = strconv.FormatUint(ledgerSupply, 10)
	}
	r.bus.Publish(custody.Event{
		Type:    custody.EventReconciliationCompleted,
		Data1:   actual,
		Data2:   uint64(severity),
		Payload: payload,
	})

	logEvent := r.log.Info()
	if severity >= custody.SeverityWarning {
		logEvent = r.log.Warn()
	}
	logEvent.
		Uint64("actual_ratio_bps", actual).
		Int64("discrepancy_bps", discrepancyBps).
		Str("severity", severity.String()).
		Msg("reconciliation completed")

	if severity == custody.SeverityEmergency {
		reason := fmt.Sprintf("reserve ratio %d bps, discrepancy %d bps exceeds halt threshold", actual, discrepancyBps)
		err = r.responder.ExecuteEmergencyResponse(ctx, custody.EmergencySystemWideHalt, "reconciler", reason)
		if err != nil {
			r.log.Error().Err(err).Msg("could not execute emergency halt")
		}
	}

	return rec, nil
}
