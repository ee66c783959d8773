package custody

import (
	"errors"
	"fmt"
)

// ErrorClass is the normalized classification of a collaborator call failure.
type ErrorClass string

const (
	ClassNone        ErrorClass = ""
	ClassTimeout     ErrorClass = "timeout"
	ClassTransport   ErrorClass = "transport"
	ClassDenied      ErrorClass = "denied"
	ClassNotFound    ErrorClass = "not_found"
	ClassConflict    ErrorClass = "conflict"
	ClassInvalidArgs ErrorClass = "invalid_args"
	ClassRemote      ErrorClass = "remote"
)

// Retryable reports whether a call failing with this class may be retried.
// Only transport faults and timeouts are transient; every other class is
// terminal on first occurrence.
func (c ErrorClass) Retryable() bool {
	return c == ClassTransport || c == ClassTimeout
}

var (
	// ErrSystemPaused is returned on any submission while the pause flag is set.
	ErrSystemPaused = errors.New("system is paused")

	// ErrConflict indicates a reservation is already held (duplicate
	// btc_tx_hash or withdrawal id).
	ErrConflict = errors.New("conflicting reservation already held")

	// ErrInsufficientReserves indicates the reserve ratio is below 100% or the
	// reserve balance cannot cover a withdrawal.
	ErrInsufficientReserves = errors.New("insufficient reserves")

	// ErrInsufficientFunds indicates the user token balance is too low.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrUnauthorized indicates the caller role is insufficient for the
	// requested admin operation.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrOperationTimeout is the watchdog-driven terminal error.
	ErrOperationTimeout = errors.New("operation timed out")

	// ErrManualInterventionRequired marks an operation whose critical
	// compensation failed; it must be resolved by an operator.
	ErrManualInterventionRequired = errors.New("manual intervention required")

	// Oracle quote rejections; fallback handling is up to the caller.
	ErrOracleUnavailable = errors.New("oracle unavailable")
	ErrOracleStale       = errors.New("oracle quote is stale")
	ErrOracleOutOfBand   = errors.New("oracle quote deviates out of band")
)

// DenialReason is the typed reason of a compliance denial.
type DenialReason string

const (
	DenialTierInsufficient      DenialReason = "tier_insufficient"
	DenialDailyLimitExceeded    DenialReason = "daily_limit_exceeded"
	DenialMonthlyLimitExceeded  DenialReason = "monthly_limit_exceeded"
	DenialSingleTxLimitExceeded DenialReason = "single_tx_limit_exceeded"
	DenialEnhancedRequired      DenialReason = "enhanced_verification_required"
	DenialAddressFrozen         DenialReason = "address_frozen"
	DenialLowConfirmations      DenialReason = "insufficient_confirmations"
	DenialInvalidAmount         DenialReason = "invalid_amount"
	DenialSlippageExceeded      DenialReason = "slippage_exceeded"
)

// ComplianceDeniedError is returned by the policy gate when an operation is
// not admitted: tier insufficient, limit exceeded, or address frozen.
type ComplianceDeniedError struct {
	User   string
	Kind   OperationKind
	Reason DenialReason
}

func NewComplianceDeniedError(user string, kind OperationKind, reason DenialReason) ComplianceDeniedError {
	return ComplianceDeniedError{User: user, Kind: kind, Reason: reason}
}

func (e ComplianceDeniedError) Error() string {
	return fmt.Sprintf("compliance denied for user %s on %s: %s", e.User, e.Kind, e.Reason)
}

// IsComplianceDeniedError returns whether err is a ComplianceDeniedError.
func IsComplianceDeniedError(err error) bool {
	var target ComplianceDeniedError
	return errors.As(err, &target)
}

// AsComplianceDeniedError unwraps err into a ComplianceDeniedError if possible.
func AsComplianceDeniedError(err error) (ComplianceDeniedError, bool) {
	var target ComplianceDeniedError
	ok := errors.As(err, &target)
	return target, ok
}

// CollaboratorError wraps a failure of an outbound collaborator call with its
// normalized class.
type CollaboratorError struct {
	Collaborator string
	Class        ErrorClass
	Err          error
}

func NewCollaboratorError(collaborator string, class ErrorClass, err error) CollaboratorError {
	return CollaboratorError{Collaborator: collaborator, Class: class, Err: err}
}

func (e CollaboratorError) Error() string {
	return fmt.Sprintf("collaborator %s failed (%s): %v", e.Collaborator, e.Class, e.Err)
}

func (e CollaboratorError) Unwrap() error {
	return e.Err
}

// IsCollaboratorError returns whether err is a CollaboratorError.
func IsCollaboratorError(err error) bool {
	var target CollaboratorError
	return errors.As(err, &target)
}

// ClassOf extracts the normalized error class from err. Unclassified errors
// map to ClassRemote; nil maps to ClassNone.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	var cerr CollaboratorError
	if errors.As(err, &cerr) {
		return cerr.Class
	}
	return ClassRemote
}
