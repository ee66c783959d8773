package badger_test

import (
	"testing"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodian-labs/custodian-go/model/custody"
	"github.com/custodian-labs/custodian-go/storage"
	bstorage "github.com/custodian-labs/custodian-go/storage/badger"
	"github.com/custodian-labs/custodian-go/utils/unittest"
)

func depositFixture(nonce uint64, now time.Time) *custody.Operation {
	return &custody.Operation{
		ID:          custody.MakeOperationID(nonce, now, 0),
		Kind:        custody.KindBitcoinDeposit,
		State:       custody.StatePending,
		SubmittedAt: now,
		TimeoutAt:   now.Add(5 * time.Minute),
		UpdatedAt:   now,
		Deposit: &custody.DepositPayload{
			User:          "alice",
			BtcAmount:     custody.SatoshiPerBtc,
			BtcTxHash:     "deadbeef",
			Confirmations: 6,
		},
		Transitions: []custody.StateTransition{{State: custody.StatePending, At: now}},
	}
}

func TestOperationsRoundTrip(t *testing.T) {
	unittest.RunWithBadgerDB(t, func(db *badger.DB) {
		ops := bstorage.NewOperations(db)
		now := time.Now().UTC()

		op := depositFixture(1, now)
		require.NoError(t, ops.Insert(op))

		err := ops.Insert(op)
		require.ErrorIs(t, err, storage.ErrAlreadyExists)

		stored, err := ops.ByID(op.ID)
		require.NoError(t, err)
		assert.Equal(t, op.Kind, stored.Kind)
		assert.Equal(t, op.Deposit.BtcTxHash, stored.Deposit.BtcTxHash)
		assert.Equal(t, custody.StatePending, stored.State)

		op.Transition(custody.StateInProgress, now.Add(time.Second))
		require.NoError(t, ops.Save(op))

		stored, err = ops.ByID(op.ID)
		require.NoError(t, err)
		assert.Equal(t, custody.StateInProgress, stored.State)
		assert.Len(t, stored.Transitions, 2)

		_, err = ops.ByID(custody.MakeOperationID(99, now, 0))
		require.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestBtcTxHashIndex(t *testing.T) {
	unittest.RunWithBadgerDB(t, func(db *badger.DB) {
		ops := bstorage.NewOperations(db)
		now := time.Now().UTC()

		_, err := ops.ByBtcTxHash("deadbeef")
		require.ErrorIs(t, err, storage.ErrNotFound)

		first := depositFixture(1, now)
		require.NoError(t, ops.Insert(first))
		require.NoError(t, ops.IndexByBtcTxHash("deadbeef", first.ID))

		indexed, err := ops.ByBtcTxHash("deadbeef")
		require.NoError(t, err)
		assert.Equal(t, first.ID, indexed.ID)

		// a later operation legitimately reusing the hash overwrites the index
		second := depositFixture(2, now.Add(time.Minute))
		require.NoError(t, ops.Insert(second))
		require.NoError(t, ops.IndexByBtcTxHash("deadbeef", second.ID))

		indexed, err = ops.ByBtcTxHash("deadbeef")
		require.NoError(t, err)
		assert.Equal(t, second.ID, indexed.ID)
	})
}

func TestStepLogIndexOrder(t *testing.T) {
	unittest.RunWithBadgerDB(t, func(db *badger.DB) {
		ops := bstorage.NewOperations(db)
		now := time.Now().UTC()

		op := depositFixture(1, now)
		require.NoError(t, ops.Insert(op))

		trail := []struct {
			collaborator string
			function     string
		}{
			{"reserve", "current_ratio_bps"},
			{"reserve", "register_deposit"},
			{"token", "mint"},
			{"kyc", "register_event"},
		}
		for i, entry := range trail {
			step := &custody.OperationStep{
				OperationID:  op.ID,
				Index:        uint32(i),
				Collaborator: entry.collaborator,
				Function:     entry.function,
				StartedAt:    now.Add(time.Duration(i) * time.Millisecond),
				Outcome:      custody.StepOutcomeOK,
			}
			require.NoError(t, ops.InsertStep(step))
		}

		steps, err := ops.Steps(op.ID)
		require.NoError(t, err)
		require.Len(t, steps, len(trail))
		for i, step := range steps {
			assert.Equal(t, uint32(i), step.Index)
			assert.Equal(t, trail[i].function, step.Function)
		}

		// step logs are per operation
		other := depositFixture(2, now)
		require.NoError(t, ops.Insert(other))
		steps, err = ops.Steps(other.ID)
		require.NoError(t, err)
		assert.Empty(t, steps)
	})
}

func TestUnfinalizedExcludesTerminal(t *testing.T) {
	unittest.RunWithBadgerDB(t, func(db *badger.DB) {
		ops := bstorage.NewOperations(db)
		now := time.Now().UTC()

		pending := depositFixture(1, now)
		require.NoError(t, ops.Insert(pending))

		inProgress := depositFixture(2, now)
		inProgress.Transition(custody.StateInProgress, now)
		require.NoError(t, ops.Insert(inProgress))

		completed := depositFixture(3, now)
		completed.Transition(custody.StateInProgress, now)
		completed.Transition(custody.StateCompleted, now)
		require.NoError(t, ops.Insert(completed))

		unfinalized, err := ops.Unfinalized()
		require.NoError(t, err)
		require.Len(t, unfinalized, 2)
		ids := map[custody.Identifier]bool{}
		for _, op := range unfinalized {
			ids[op.ID] = true
		}
		assert.True(t, ids[pending.ID])
		assert.True(t, ids[inProgress.ID])
		assert.False(t, ids[completed.ID])
	})
}

func TestCountersPersistence(t *testing.T) {
	unittest.RunWithBadgerDB(t, func(db *badger.DB) {
		counters := bstorage.NewCounters(db)

		_, err := counters.Value("event_nonce")
		require.ErrorIs(t, err, storage.ErrNotFound)

		require.NoError(t, counters.Init("event_nonce", 42))
		value, err := counters.Value("event_nonce")
		require.NoError(t, err)
		assert.Equal(t, uint64(42), value)

		// Init on an existing counter keeps the stored value
		require.NoError(t, counters.Init("event_nonce", 0))
		value, err = counters.Value("event_nonce")
		require.NoError(t, err)
		assert.Equal(t, uint64(42), value)

		require.NoError(t, counters.Set("event_nonce", 100))
		value, err = counters.Value("event_nonce")
		require.NoError(t, err)
		assert.Equal(t, uint64(100), value)
	})
}

func TestSystemStateRoundTrip(t *testing.T) {
	unittest.RunWithBadgerDB(t, func(db *badger.DB) {
		store := bstorage.NewSystemState(db)

		_, err := store.Retrieve()
		require.ErrorIs(t, err, storage.ErrNotFound)

		state := &custody.SystemState{Paused: true, EmergencyMode: true}
		require.NoError(t, store.Save(state))

		stored, err := store.Retrieve()
		require.NoError(t, err)
		assert.True(t, stored.Paused)
		assert.True(t, stored.EmergencyMode)
		assert.False(t, stored.MaintenanceMode)
	})
}
