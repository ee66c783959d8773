package custody

import "time"

// ReservationKind enumerates the short-lived holds an in-progress operation
// may acquire.
type ReservationKind uint8

const (
	// ReservationBtcTxHash prevents double-processing of the same deposit
	// transaction.
	ReservationBtcTxHash ReservationKind = iota + 1
	// ReservationWithdrawalID prevents double-submission of a withdrawal.
	ReservationWithdrawalID
	// ReservationLimitDebit is a tentative debit against the daily/monthly
	// limit windows, committed or released with the operation.
	ReservationLimitDebit
)

func (k ReservationKind) String() string {
	switch k {
	case ReservationBtcTxHash:
		return "btc_tx_hash"
	case ReservationWithdrawalID:
		return "withdrawal_id"
	case ReservationLimitDebit:
		return "limit_debit"
	default:
		return "invalid"
	}
}

// Reservation is a short-lived hold associated with an in-progress operation.
// Every reservation acquired on an InProgress operation is either committed
// (on Completed) or released (on any other terminal state); no operation in a
// terminal state may hold one.
type Reservation struct {
	Kind        ReservationKind
	Key         string
	OperationID Identifier
	AcquiredAt  time.Time
}
