package reconciler

import (
	"context"
	"sync"
	"testing"

	"github.com/dgraph-io/badger/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodian-labs/custodian-go/engine/orchestrator/policy"
	"github.com/custodian-labs/custodian-go/model/custody"
	"github.com/custodian-labs/custodian-go/module/counters"
	"github.com/custodian-labs/custodian-go/module/events"
	"github.com/custodian-labs/custodian-go/module/metrics"
	"github.com/custodian-labs/custodian-go/module/sysstate"
	bstorage "github.com/custodian-labs/custodian-go/storage/badger"
	"github.com/custodian-labs/custodian-go/utils/unittest"
)

// haltResponder pauses the system on a system-wide halt, standing in for the
// admin control plane.
type haltResponder struct {
	mu     sync.Mutex
	state  *sysstate.Manager
	calls  []custody.EmergencyResponseType
	reason string
}

func (h *haltResponder) ExecuteEmergencyResponse(_ context.Context, responseType custody.EmergencyResponseType, _ string, reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, responseType)
	h.reason = reason
	if responseType == custody.EmergencySystemWideHalt {
		return h.state.SetPaused(true)
	}
	return nil
}

type fixture struct {
	reconciler *Reconciler
	reserve    *unittest.FakeReserve
	token      *unittest.FakeToken
	state      *sysstate.Manager
	responder  *haltResponder
	bus        *events.Bus
	records    *bstorage.All
}

func withReconciler(t *testing.T, f func(fx *fixture)) {
	unittest.RunWithBadgerDB(t, func(db *badger.DB) {
		log := unittest.Logger()
		collector := metrics.NewNoopCollector()
		all := bstorage.InitAll(db)

		eventNonce, err := counters.NewPersistentStrictMonotonicCounter(all.Counters, "event_nonce", 0)
		require.NoError(t, err)
		sequence, err := counters.NewPersistentStrictMonotonicCounter(all.Counters, "reconciliation_sequence", 0)
		require.NoError(t, err)

		bus := events.NewBus(log, collector, eventNonce)
		state, err := sysstate.NewManager(log, all.SystemState)
		require.NoError(t, err)

		reserve := unittest.NewFakeReserve()
		token := unittest.NewFakeToken()
		gate := policy.NewGate(log, collector, unittest.NewFakeKyc(), all.LimitWindows, bus)
		responder := &haltResponder{state: state}

		fx := &fixture{
			reconciler: New(log, collector, DefaultConfig(), gate, reserve, token, all.ReconciliationRecords, sequence, bus, responder),
			reserve:    reserve,
			token:      token,
			state:      state,
			responder:  responder,
			bus:        bus,
			records:    all,
		}
		f(fx)
	})
}

func TestReconcileFullyBacked(t *testing.T) {
	withReconciler(t, func(fx *fixture) {
		supply := uint64(10_000_000_000_000_000) // 1e16 units = 1e8 sat backed
		fx.reserve.ReservesSat = 100_000_000
		fx.reserve.SupplyOf = func() uint64 { return supply }
		fx.token.SetBalance("holders", "cbtc", supply)

		rec, err := fx.reconciler.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(10_000), rec.ActualRatioBps)
		assert.Equal(t, int64(0), rec.DiscrepancyBps)
		assert.Equal(t, custody.SeverityMinor, rec.Severity)
		assert.False(t, rec.ProtectiveActions)
		assert.False(t, fx.state.Paused())
	})
}

func TestReconcileEmptyBooks(t *testing.T) {
	withReconciler(t, func(fx *fixture) {
		// zero supply reports a zero ratio but never halts
		rec, err := fx.reconciler.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(0), rec.ActualRatioBps)
		assert.Equal(t, custody.SeverityMinor, rec.Severity)
		assert.False(t, rec.ProtectiveActions)
		assert.Empty(t, fx.responder.calls)
	})
}

func TestReconcileSeverityLadder(t *testing.T) {
	withReconciler(t, func(fx *fixture) {
		supply := uint64(10_000_000_000_000_000)
		fx.reserve.SupplyOf = func() uint64 { return supply }
		fx.token.SetBalance("holders", "cbtc", supply)

		cases := []struct {
			reserves   uint64
			severity   custody.Severity
			protective bool
		}{
			{99_500_000, custody.SeverityMinor, false},    // -50 bps, within tolerance
			{98_000_000, custody.SeverityWarning, false},  // -200 bps, within 3x
			{96_000_000, custody.SeverityCritical, true},  // -400 bps, below halt threshold
			{95_000_000, custody.SeverityEmergency, true}, // -500 bps, at the threshold
		}
		for _, c := range cases {
			fx.reserve.ReservesSat = c.reserves
			rec, err := fx.reconciler.RunOnce(context.Background())
			require.NoError(t, err)
			assert.Equal(t, c.severity, rec.Severity, "reserves %d", c.reserves)
			assert.Equal(t, c.protective, rec.ProtectiveActions, "reserves %d", c.reserves)
		}
	})
}

func TestReconcileEmergencyHalt(t *testing.T) {
	withReconciler(t, func(fx *fixture) {
		fx.reserve.ReservesSat = 95_000_000
		fx.reserve.SupplyOf = func() uint64 { return 10_000_000_000_000_000 }
		fx.token.SetBalance("holders", "cbtc", 10_000_000_000_000_000)

		rec, err := fx.reconciler.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(9_500), rec.ActualRatioBps)
		assert.Equal(t, int64(-500), rec.DiscrepancyBps)
		assert.Equal(t, custody.SeverityEmergency, rec.Severity)
		assert.True(t, rec.ProtectiveActions)

		// the responder executed a system-wide halt
		require.Equal(t, []custody.EmergencyResponseType{custody.EmergencySystemWideHalt}, fx.responder.calls)
		assert.True(t, fx.state.Paused())
		require.ErrorIs(t, fx.state.RequireNotPaused(), custody.ErrSystemPaused)

		// the record is durable and listed as latest
		latest, err := fx.records.ReconciliationRecords.Latest()
		require.NoError(t, err)
		assert.Equal(t, rec.ID, latest.ID)
	})
}

func TestReconcileEscalatesInterval(t *testing.T) {
	withReconciler(t, func(fx *fixture) {
		supply := uint64(10_000_000_000_000_000)
		fx.reserve.SupplyOf = func() uint64 { return supply }
		fx.token.SetBalance("holders", "cbtc", supply)

		fx.reserve.ReservesSat = 100_000_000
		_, err := fx.reconciler.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, fx.reconciler.cfg.Interval, fx.reconciler.interval())

		fx.reserve.ReservesSat = 96_000_000 // Critical
		_, err = fx.reconciler.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, fx.reconciler.cfg.CriticalInterval, fx.reconciler.interval())

		fx.reserve.ReservesSat = 100_000_000 // recovered
		_, err = fx.reconciler.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, fx.reconciler.cfg.Interval, fx.reconciler.interval())
	})
}

func TestReconcilePublishesEvent(t *testing.T) {
	withReconciler(t, func(fx *fixture) {
		fx.reserve.ReservesSat = 100_000_000
		fx.reserve.SupplyOf = func() uint64 { return 10_000_000_000_000_000 }
		fx.token.SetBalance("holders", "cbtc", 10_000_000_000_000_000)

		rec, err := fx.reconciler.RunOnce(context.Background())
		require.NoError(t, err)

		published := fx.bus.ByType(custody.EventReconciliationCompleted, 10)
		require.Len(t, published, 1)
		assert.Equal(t, rec.ActualRatioBps, published[0].Data1)
		assert.Equal(t, "minor", published[0].Payload["severity"])
	})
}

func TestReconcileSequencesAreMonotone(t *testing.T) {
	withReconciler(t, func(fx *fixture) {
		fx.reserve.ReservesSat = 100_000_000
		fx.reserve.SupplyOf = func() uint64 { return 10_000_000_000_000_000 }
		fx.token.SetBalance("holders", "cbtc", 10_000_000_000_000_000)

		var last uint64
		for i := 0; i < 3; i++ {
			rec, err := fx.reconciler.RunOnce(context.Background())
			require.NoError(t, err)
			assert.Greater(t, rec.Sequence, last)
			last = rec.Sequence
		}

		records, err := fx.records.ReconciliationRecords.List(10)
		require.NoError(t, err)
		assert.Len(t, records, 3)
	})
}

func TestReconcileLedgerSupplyMismatch(t *testing.T) {
	withReconciler(t, func(fx *fixture) {
		// fully backed by the snapshot's own figures, but the token ledger
		// reports a different outstanding supply
		fx.reserve.ReservesSat = 100_000_000
		fx.reserve.SupplyOf = func() uint64 { return 10_000_000_000_000_000 }
		fx.token.SetBalance("holders", "cbtc", 9_000_000_000_000_000)

		rec, err := fx.reconciler.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, custody.SeverityWarning, rec.Severity)
		assert.False(t, rec.ProtectiveActions)

		published := fx.bus.ByType(custody.EventReconciliationCompleted, 10)
		require.Len(t, published, 1)
		assert.Equal(t, "9000000000000000", published[0].Payload["ledger_supply"])

		// agreement clears the escalation
		fx.token.SetBalance("holders", "cbtc", 10_000_000_000_000_000)
		rec, err = fx.reconciler.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, custody.SeverityMinor, rec.Severity)
	})
}
