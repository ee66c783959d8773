package custody_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodian-labs/custodian-go/model/custody"
)

func TestOperationStateTransitions(t *testing.T) {
	terminal := []custody.OperationState{
		custody.StateCompleted,
		custody.StateFailed,
		custody.StateRolledBack,
		custody.StateTimedOut,
	}

	t.Run("pending may start, fail or time out", func(t *testing.T) {
		assert.True(t, custody.ValidTransition(custody.StatePending, custody.StateInProgress))
		assert.True(t, custody.ValidTransition(custody.StatePending, custody.StateFailed))
		assert.True(t, custody.ValidTransition(custody.StatePending, custody.StateTimedOut))
		assert.False(t, custody.ValidTransition(custody.StatePending, custody.StateCompleted))
		assert.False(t, custody.ValidTransition(custody.StatePending, custody.StateRolledBack))
	})

	t.Run("in progress reaches any terminal state", func(t *testing.T) {
		for _, to := range terminal {
			assert.True(t, custody.ValidTransition(custody.StateInProgress, to), "to %s", to)
		}
		assert.False(t, custody.ValidTransition(custody.StateInProgress, custody.StatePending))
	})

	t.Run("terminal states are never re-entered", func(t *testing.T) {
		for _, from := range terminal {
			require.True(t, from.IsTerminal())
			for to := custody.StatePending; to <= custody.StateTimedOut; to++ {
				assert.False(t, custody.ValidTransition(from, to), "%s -> %s", from, to)
			}
		}
	})
}

func TestOperationTransitionHistory(t *testing.T) {
	now := time.Now().UTC()
	op := &custody.Operation{
		ID:    custody.MakeOperationID(1, now, 0),
		Kind:  custody.KindBitcoinDeposit,
		State: custody.StatePending,
		Deposit: &custody.DepositPayload{
			User:      "u1",
			BtcAmount: 100_000_000,
			BtcTxHash: "0x0101",
		},
	}

	require.NoError(t, op.Transition(custody.StateInProgress, now.Add(time.Second)))
	require.NoError(t, op.Transition(custody.StateCompleted, now.Add(2*time.Second)))
	require.Len(t, op.Transitions, 2)
	assert.Equal(t, custody.StateInProgress, op.Transitions[0].State)
	assert.Equal(t, custody.StateCompleted, op.Transitions[1].State)

	// once terminal, every further transition is rejected
	err := op.Transition(custody.StateFailed, now.Add(3*time.Second))
	require.Error(t, err)
	assert.Equal(t, custody.StateCompleted, op.State)
}

func TestMakeOperationIDUniqueness(t *testing.T) {
	now := time.Now()
	a := custody.MakeOperationID(1, now, 7)
	b := custody.MakeOperationID(2, now, 7)
	c := custody.MakeOperationID(1, now.Add(time.Nanosecond), 7)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, a, custody.MakeOperationID(1, now, 7))
}

func TestIdentifierHexRoundTrip(t *testing.T) {
	id := custody.MakeOperationID(42, time.Unix(1000, 0), 9)
	parsed, err := custody.HexToIdentifier(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = custody.HexToIdentifier("zz")
	assert.Error(t, err)
}
