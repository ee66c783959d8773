package custody

import (
	"fmt"
	"time"
)

// Amounts are integer satoshi and integer token units. The peg is fixed:
// one satoshi of reserves backs TokenUnitsPerSatoshi token units, always.
const (
	SatoshiPerBtc        = uint64(100_000_000)
	TokenUnitsPerSatoshi = uint64(100_000_000)
)

// OperationKind enumerates the kinds of user-initiated multi-step operations
// the orchestrator executes.
type OperationKind uint8

const (
	KindUnknown OperationKind = iota
	KindBitcoinDeposit
	KindTokenWithdrawal
	KindCrossTokenExchange
)

func (k OperationKind) String() string {
	switch k {
	case KindBitcoinDeposit:
		return "bitcoin_deposit"
	case KindTokenWithdrawal:
		return "token_withdrawal"
	case KindCrossTokenExchange:
		return "cross_token_exchange"
	default:
		return "unknown"
	}
}

// OperationState is the lifecycle state of an operation. Transitions are
// monotone: Pending -> InProgress -> one terminal state, never re-entered.
type OperationState uint8

const (
	StatePending OperationState = iota
	StateInProgress
	StateCompleted
	StateFailed
	StateRolledBack
	StateTimedOut
)

func (s OperationState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInProgress:
		return "in_progress"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateRolledBack:
		return "rolled_back"
	case StateTimedOut:
		return "timed_out"
	default:
		return "invalid"
	}
}

// IsTerminal returns true if no further transition is allowed from s.
func (s OperationState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateRolledBack, StateTimedOut:
		return true
	}
	return false
}

// ValidTransition checks the monotone state machine of an operation.
func ValidTransition(from, to OperationState) bool {
	if from.IsTerminal() {
		return false
	}
	switch from {
	case StatePending:
		// Pending operations may be failed directly (admin cancellation) or
		// timed out by the watchdog without ever starting.
		return to == StateInProgress || to == StateFailed || to == StateTimedOut
	case StateInProgress:
		return to.IsTerminal()
	}
	return false
}

// DepositPayload is the immutable payload of a bitcoin deposit operation.
type DepositPayload struct {
	User          string
	BtcAmount     uint64 // satoshi
	BtcTxHash     string
	Confirmations uint32
}

// WithdrawalPayload is the immutable payload of a token withdrawal operation.
type WithdrawalPayload struct {
	User        string
	TokenAmount uint64
	BtcAddress  string
}

// ExchangePayload is the immutable payload of a cross-token exchange.
type ExchangePayload struct {
	User           string
	FromToken      string
	ToToken        string
	FromAmount     uint64
	MaxSlippageBps uint64
}

// StateTransition is one persisted entry of an operation's transition history.
type StateTransition struct {
	State OperationState
	At    time.Time
}

// Operation is the unit of orchestration: one user-initiated multi-step unit
// of work, exclusively owned by the workflow engine. The kind payload is
// immutable after submission; exactly one of Deposit, Withdrawal, Exchange is
// set, matching Kind.
type Operation struct {
	ID            Identifier
	Kind          OperationKind
	State         OperationState
	CorrelationID uint64

	SubmittedAt time.Time
	TimeoutAt   time.Time
	UpdatedAt   time.Time

	Deposit    *DepositPayload
	Withdrawal *WithdrawalPayload
	Exchange   *ExchangePayload

	// LastErrorClass is set when the operation reaches Failed, RolledBack or
	// TimedOut; it names the normalized class of the failing step.
	LastErrorClass ErrorClass

	// CompensationOutcome summarizes the rollback: empty while no
	// compensation ran, otherwise "completed" or "partial".
	CompensationOutcome string

	// ManualInterventionRequired is set when a critical compensation failed
	// and an operator must resolve the operation out of band.
	ManualInterventionRequired bool

	Transitions []StateTransition
}

// User returns the initiating user regardless of kind.
func (op *Operation) User() string {
	switch op.Kind {
	case KindBitcoinDeposit:
		return op.Deposit.User
	case KindTokenWithdrawal:
		return op.Withdrawal.User
	case KindCrossTokenExchange:
		return op.Exchange.User
	}
	return ""
}

// Amount returns the kind-specific principal amount used for policy checks.
func (op *Operation) Amount() uint64 {
	switch op.Kind {
	case KindBitcoinDeposit:
		return op.Deposit.BtcAmount
	case KindTokenWithdrawal:
		return op.Withdrawal.TokenAmount
	case KindCrossTokenExchange:
		return op.Exchange.FromAmount
	}
	return 0
}

// Transition moves the operation to the given state, appending to the
// transition history. It errors on any non-monotone transition.
func (op *Operation) Transition(to OperationState, now time.Time) error {
	if !ValidTransition(op.State, to) {
		return fmt.Errorf("invalid operation state transition from %s to %s", op.State, to)
	}
	op.State = to
	op.UpdatedAt = now
	op.Transitions = append(op.Transitions, StateTransition{State: to, At: now})
	return nil
}
