package custody

import (
	"fmt"
	"time"
)

// EventType is the qualified type of a structured event on the bus.
type EventType string

// Built-in event types.
const (
	EventContractCallExecuted EventType = "contract_call_executed"

	EventOperationSubmitted  EventType = "operation_submitted"
	EventOperationFailed     EventType = "operation_failed"
	EventOperationRolledBack EventType = "operation_rolled_back"
	EventOperationTimedOut   EventType = "operation_timed_out"
	EventOperationCancelled  EventType = "operation_cancelled"

	EventBitcoinDepositCompleted   EventType = "bitcoin_deposit_completed"
	EventTokenWithdrawalCompleted  EventType = "token_withdrawal_completed"
	EventCrossTokenExchangeDone    EventType = "cross_token_exchange_completed"
	EventLimitViolation            EventType = "limit_violation"
	EventComplianceEventRegistered EventType = "compliance_event_registered"

	EventReconciliationCompleted EventType = "reconciliation_completed"
	EventProofGenerated          EventType = "proof_of_reserves_generated"
	EventEmergencyResponse       EventType = "emergency_response_executed"
	EventEmergencyResolved       EventType = "emergency_response_resolved"
	EventSystemPausedType        EventType = "system_paused"
	EventSystemResumedType       EventType = "system_resumed"
	EventContractAddressUpdated  EventType = "contract_address_updated"
	EventUpgradePlanRecorded     EventType = "upgrade_plan_recorded"
)

// Event is one structured event published on the bus.
//
// Sequence is assigned by the bus from the persisted monotonic event nonce
// and is strictly increasing process-wide. CorrelationID threads all events
// caused by one operation together; for events published outside an
// operation's scope it equals the sequence.
type Event struct {
	Sequence      uint64
	CorrelationID uint64
	Type          EventType
	User          string
	Contract      string
	Data1         uint64
	Data2         uint64
	Payload       map[string]string
	Timestamp     time.Time
}

func (e Event) String() string {
	return fmt.Sprintf("%s[seq=%d corr=%d user=%s]", e.Type, e.Sequence, e.CorrelationID, e.User)
}
