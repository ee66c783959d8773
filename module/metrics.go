package module

import (
	"time"

	"github.com/custodian-labs/custodian-go/model/custody"
)

// OrchestratorMetrics tracks the workflow engine.
type OrchestratorMetrics interface {
	OperationSubmitted(kind custody.OperationKind)
	OperationFinished(kind custody.OperationKind, state custody.OperationState, duration time.Duration)
	StepExecuted(collaborator string, function string, duration time.Duration)
	CompensationExecuted(collaborator string, success bool)
	ManualInterventionFlagged()
}

// ExecutorMetrics tracks outbound collaborator calls.
type ExecutorMetrics interface {
	CallExecuted(collaborator string, function string, class custody.ErrorClass, elapsed time.Duration, gasUsed uint64)
	CallRetried(collaborator string)
	BreakerStateChanged(collaborator string, open bool)
}

// PolicyMetrics tracks admission decisions.
type PolicyMetrics interface {
	AdmissionDenied(kind custody.OperationKind, reason custody.DenialReason)
	AdmissionGranted(kind custody.OperationKind)
}

// ReconciliationMetrics tracks reserve reconciliation and proofs.
type ReconciliationMetrics interface {
	ReconciliationCompleted(ratioBps uint64, severity custody.Severity)
	ProofGenerated(status custody.ProofStatus)
}

// EventMetrics tracks the event bus.
type EventMetrics interface {
	EventPublished(eventType custody.EventType)
	EventDropped(eventType custody.EventType)
	SubscriberFailed(subscriber string)
}
