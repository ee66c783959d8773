package metrics

import (
	"time"

	"github.com/custodian-labs/custodian-go/model/custody"
	"github.com/custodian-labs/custodian-go/module"
)

// NoopCollector implements all metrics interfaces with no-ops; used in tests.
type NoopCollector struct{}

var _ module.OrchestratorMetrics = (*NoopCollector)(nil)
var _ module.ExecutorMetrics = (*NoopCollector)(nil)
var _ module.PolicyMetrics = (*NoopCollector)(nil)
var _ module.ReconciliationMetrics = (*NoopCollector)(nil)
var _ module.EventMetrics = (*NoopCollector)(nil)

func NewNoopCollector() *NoopCollector { return &NoopCollector{} }

func (nc *NoopCollector) OperationSubmitted(custody.OperationKind) {}
func (nc *NoopCollector) OperationFinished(custody.OperationKind, custody.OperationState, time.Duration) {
}
func (nc *NoopCollector) StepExecuted(string, string, time.Duration)                             {}
func (nc *NoopCollector) CompensationExecuted(string, bool)                                      {}
func (nc *NoopCollector) ManualInterventionFlagged()                                             {}
func (nc *NoopCollector) CallExecuted(string, string, custody.ErrorClass, time.Duration, uint64) {}
func (nc *NoopCollector) CallRetried(string)                                                     {}
func (nc *NoopCollector) BreakerStateChanged(string, bool)                                       {}
func (nc *NoopCollector) AdmissionDenied(custody.OperationKind, custody.DenialReason)            {}
func (nc *NoopCollector) AdmissionGranted(custody.OperationKind)                                 {}
func (nc *NoopCollector) ReconciliationCompleted(uint64, custody.Severity)                       {}
func (nc *NoopCollector) ProofGenerated(custody.ProofStatus)                                     {}
func (nc *NoopCollector) EventPublished(custody.EventType)                                       {}
func (nc *NoopCollector) EventDropped(custody.EventType)                                         {}
func (nc *NoopCollector) SubscriberFailed(string)                                                {}
