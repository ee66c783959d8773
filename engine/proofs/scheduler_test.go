package proofs

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodian-labs/custodian-go/model/custody"
	"github.com/custodian-labs/custodian-go/module/counters"
	"github.com/custodian-labs/custodian-go/module/events"
	"github.com/custodian-labs/custodian-go/module/metrics"
	bstorage "github.com/custodian-labs/custodian-go/storage/badger"
	"github.com/custodian-labs/custodian-go/utils/unittest"
)

func withScheduler(t *testing.T, f func(s *Scheduler, reserve *unittest.FakeReserve, bus *events.Bus)) {
	unittest.RunWithBadgerDB(t, func(db *badger.DB) {
		log := unittest.Logger()
		collector := metrics.NewNoopCollector()
		all := bstorage.InitAll(db)

		eventNonce, err := counters.NewPersistentStrictMonotonicCounter(all.Counters, "event_nonce", 0)
		require.NoError(t, err)
		sequence, err := counters.NewPersistentStrictMonotonicCounter(all.Counters, "proof_sequence", 0)
		require.NoError(t, err)

		bus := events.NewBus(log, collector, eventNonce)
		reserve := unittest.NewFakeReserve()

		scheduler := New(log, collector, DefaultConfig(), reserve, all.ProofRecords, sequence, bus)
		f(scheduler, reserve, bus)
	})
}

func TestGenerateVerifiedProof(t *testing.T) {
	withScheduler(t, func(s *Scheduler, reserve *unittest.FakeReserve, bus *events.Bus) {
		supply := uint64(10_000_000_000_000_000)
		reserve.ReservesSat = 100_000_000
		reserve.SupplyOf = func() uint64 { return supply }

		rec, err := s.Generate(context.Background())
		require.NoError(t, err)
		assert.Equal(t, custody.ProofVerified, rec.Status)
		assert.Equal(t, uint64(100_000_000), rec.BtcReserves)
		assert.Equal(t, supply, rec.TokenSupply)
		assert.Equal(t, uint64(10_000), rec.RatioBps)
		assert.NotEmpty(t, rec.Signature)

		published := bus.ByType(custody.EventProofGenerated, 10)
		require.Len(t, published, 1)
		assert.Equal(t, "verified", published[0].Payload["status"])
	})
}

func TestGenerateFailsOnEmptyReserves(t *testing.T) {
	withScheduler(t, func(s *Scheduler, reserve *unittest.FakeReserve, bus *events.Bus) {
		// nonzero supply with zero reserves cannot verify
		reserve.ReservesSat = 0
		reserve.SupplyOf = func() uint64 { return 10_000_000_000_000_000 }

		rec, err := s.Generate(context.Background())
		require.NoError(t, err)
		assert.Equal(t, custody.ProofFailed, rec.Status)
	})
}

func TestProofExpiresAfterValidity(t *testing.T) {
	withScheduler(t, func(s *Scheduler, reserve *unittest.FakeReserve, bus *events.Bus) {
		reserve.ReservesSat = 100_000_000
		reserve.SupplyOf = func() uint64 { return 10_000_000_000_000_000 }

		rec, err := s.Generate(context.Background())
		require.NoError(t, err)
		require.Equal(t, custody.ProofVerified, rec.Status)

		// freshly generated, reverification is a no-op
		same, err := s.Reverify(rec.ID)
		require.NoError(t, err)
		assert.Equal(t, custody.ProofVerified, same.Status)

		// a proof past the validity window expires
		stale := *rec
		stale.Timestamp = time.Now().UTC().Add(-custody.ProofValidity - time.Minute)
		assert.Equal(t, custody.ProofExpired, stale.Verify(time.Now().UTC()))
	})
}

func TestHistoryBounded(t *testing.T) {
	withScheduler(t, func(s *Scheduler, reserve *unittest.FakeReserve, bus *events.Bus) {
		reserve.ReservesSat = 100_000_000
		reserve.SupplyOf = func() uint64 { return 10_000_000_000_000_000 }

		for i := 0; i < MaxHistory+5; i++ {
			_, err := s.Generate(context.Background())
			require.NoError(t, err)
		}

		history, err := s.History(MaxHistory + 10)
		require.NoError(t, err)
		assert.Len(t, history, MaxHistory)

		// the earliest sequences were pruned, order stays ascending
		require.NotEmpty(t, history)
		assert.Less(t, history[0].Sequence, history[len(history)-1].Sequence)
		assert.Greater(t, history[0].Sequence, uint64(5))
	})
}
