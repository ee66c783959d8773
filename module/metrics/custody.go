package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/custodian-labs/custodian-go/model/custody"
	"github.com/custodian-labs/custodian-go/module"
)

// OrchestratorCollector tracks workflow engine activity.
type OrchestratorCollector struct {
	operationsSubmitted *prometheus.CounterVec
	operationsFinished  *prometheus.CounterVec
	operationDuration   *prometheus.HistogramVec
	stepDuration        *prometheus.HistogramVec
	compensations       *prometheus.CounterVec
	manualInterventions prometheus.Counter
}

var _ module.OrchestratorMetrics = (*OrchestratorCollector)(nil)

func NewOrchestratorCollector() *OrchestratorCollector {
	return &OrchestratorCollector{
		operationsSubmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceCustody,
			Subsystem: subsystemOrchestrator,
			Name:      "operations_submitted_total",
			Help:      "number of operations accepted for execution, by kind",
		}, []string{LabelKind}),

		operationsFinished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceCustody,
			Subsystem: subsystemOrchestrator,
			Name:      "operations_finished_total",
			Help:      "number of operations reaching a terminal state, by kind and state",
		}, []string{LabelKind, LabelState}),

		operationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespaceCustody,
			Subsystem: subsystemOrchestrator,
			Name:      "operation_duration_seconds",
			Help:      "submission-to-terminal duration of operations",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{LabelKind}),

		stepDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespaceCustody,
			Subsystem: subsystemOrchestrator,
			Name:      "step_duration_seconds",
			Help:      "duration of individual collaborator steps",
			Buckets:   []float64{.005, .01, .05, .1, .5, 1, 2, 5},
		}, []string{LabelCollaborator, LabelFunction}),

		compensations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceCustody,
			Subsystem: subsystemOrchestrator,
			Name:      "compensations_total",
			Help:      "number of compensations executed, by collaborator and outcome",
		}, []string{LabelCollaborator, LabelOutcome}),

		manualInterventions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceCustody,
			Subsystem: subsystemOrchestrator,
			Name:      "manual_interventions_total",
			Help:      "number of operations flagged for manual intervention",
		}),
	}
}

func (c *OrchestratorCollector) OperationSubmitted(kind custody.OperationKind) {
	c.operationsSubmitted.WithLabelValues(kind.String()).Inc()
}

func (c *OrchestratorCollector) OperationFinished(kind custody.OperationKind, state custody.OperationState, duration time.Duration) {
	c.operationsFinished.WithLabelValues(kind.String(), state.String()).Inc()
	c.operationDuration.WithLabelValues(kind.String()).Observe(duration.Seconds())
}

func (c *OrchestratorCollector) StepExecuted(collaborator string, function string, duration time.Duration) {
	c.stepDuration.WithLabelValues(collaborator, function).Observe(duration.Seconds())
}

func (c *OrchestratorCollector) CompensationExecuted(collaborator string, success bool) {
	outcome := "ok"
	if !success {
		outcome = "err"
	}
	c.compensations.WithLabelValues(collaborator, outcome).Inc()
}

func (c *OrchestratorCollector) ManualInterventionFlagged() {
	c.manualInterventions.Inc()
}

// ExecutorCollector tracks the call executor.
type ExecutorCollector struct {
	calls        *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	gasUsed      *prometheus.CounterVec
	retries      *prometheus.CounterVec
	breakerOpen  *prometheus.GaugeVec
}

var _ module.ExecutorMetrics = (*ExecutorCollector)(nil)

func NewExecutorCollector() *ExecutorCollector {
	return &ExecutorCollector{
		calls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceCustody,
			Subsystem: subsystemExecutor,
			Name:      "calls_total",
			Help:      "number of collaborator calls, by collaborator, function and error class",
		}, []string{LabelCollaborator, LabelFunction, LabelClass}),

		callDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespaceCustody,
			Subsystem: subsystemExecutor,
			Name:      "call_duration_seconds",
			Help:      "duration of collaborator calls including retries",
			Buckets:   []float64{.005, .01, .05, .1, .5, 1, 2, 5},
		}, []string{LabelCollaborator}),

		gasUsed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceCustody,
			Subsystem: subsystemExecutor,
			Name:      "gas_used_total",
			Help:      "cumulative gas reported by collaborator calls",
		}, []string{LabelCollaborator}),

		retries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceCustody,
			Subsystem: subsystemExecutor,
			Name:      "retries_total",
			Help:      "number of call retries, by collaborator",
		}, []string{LabelCollaborator}),

		breakerOpen: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespaceCustody,
			Subsystem: subsystemExecutor,
			Name:      "breaker_open",
			Help:      "1 while the circuit breaker for a collaborator is open",
		}, []string{LabelCollaborator}),
	}
}

func (c *ExecutorCollector) CallExecuted(collaborator string, function string, class custody.ErrorClass, elapsed time.Duration, gasUsed uint64) {
	label := string(class)
	if class == custody.ClassNone {
		label = "ok"
	}
	c.calls.WithLabelValues(collaborator, function, label).Inc()
	c.callDuration.WithLabelValues(collaborator).Observe(elapsed.Seconds())
	c.gasUsed.WithLabelValues(collaborator).Add(float64(gasUsed))
}

func (c *ExecutorCollector) CallRetried(collaborator string) {
	c.retries.WithLabelValues(collaborator).Inc()
}

func (c *ExecutorCollector) BreakerStateChanged(collaborator string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	c.breakerOpen.WithLabelValues(collaborator).Set(v)
}

// PolicyCollector tracks admission decisions.
type PolicyCollector struct {
	granted *prometheus.CounterVec
	denied  *prometheus.CounterVec
}

var _ module.PolicyMetrics = (*PolicyCollector)(nil)

func NewPolicyCollector() *PolicyCollector {
	return &PolicyCollector{
		granted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceCustody,
			Subsystem: subsystemPolicy,
			Name:      "admissions_granted_total",
			Help:      "number of admitted operations, by kind",
		}, []string{LabelKind}),

		denied: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceCustody,
			Subsystem: subsystemPolicy,
			Name:      "admissions_denied_total",
			Help:      "number of denied operations, by kind and reason",
		}, []string{LabelKind, LabelReason}),
	}
}

func (c *PolicyCollector) AdmissionGranted(kind custody.OperationKind) {
	c.granted.WithLabelValues(kind.String()).Inc()
}

func (c *PolicyCollector) AdmissionDenied(kind custody.OperationKind, reason custody.DenialReason) {
	c.denied.WithLabelValues(kind.String(), string(reason)).Inc()
}

// ReconciliationCollector tracks reconciliation runs and proof generation.
type ReconciliationCollector struct {
	ratio  prometheus.Gauge
	runs   *prometheus.CounterVec
	proofs *prometheus.CounterVec
}

var _ module.ReconciliationMetrics = (*ReconciliationCollector)(nil)

func NewReconciliationCollector() *ReconciliationCollector {
	return &ReconciliationCollector{
		ratio: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespaceCustody,
			Subsystem: subsystemReconciliation,
			Name:      "reserve_ratio_bps",
			Help:      "reserve ratio observed by the most recent reconciliation run",
		}),

		runs: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceCustody,
			Subsystem: subsystemReconciliation,
			Name:      "runs_total",
			Help:      "number of reconciliation runs, by severity",
		}, []string{LabelSeverity}),

		proofs: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceCustody,
			Subsystem: subsystemReconciliation,
			Name:      "proofs_total",
			Help:      "number of proof-of-reserves snapshots, by verification status",
		}, []string{LabelStatus}),
	}
}

func (c *ReconciliationCollector) ReconciliationCompleted(ratioBps uint64, severity custody.Severity) {
	c.ratio.Set(float64(ratioBps))
	c.runs.WithLabelValues(severity.String()).Inc()
}

func (c *ReconciliationCollector) ProofGenerated(status custody.ProofStatus) {
	c.proofs.WithLabelValues(status.String()).Inc()
}

// EventCollector tracks the event bus.
type EventCollector struct {
	published   *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	subFailures *prometheus.CounterVec
}

var _ module.EventMetrics = (*EventCollector)(nil)

func NewEventCollector() *EventCollector {
	return &EventCollector{
		published: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceCustody,
			Subsystem: subsystemEvents,
			Name:      "published_total",
			Help:      "number of events published, by type",
		}, []string{LabelEventType}),

		dropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceCustody,
			Subsystem: subsystemEvents,
			Name:      "dropped_total",
			Help:      "number of events evicted from the recent-history ring, by type",
		}, []string{LabelEventType}),

		subFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceCustody,
			Subsystem: subsystemEvents,
			Name:      "subscriber_failures_total",
			Help:      "number of subscriber delivery failures",
		}, []string{"subscriber"}),
	}
}

func (c *EventCollector) EventPublished(eventType custody.EventType) {
	c.published.WithLabelValues(string(eventType)).Inc()
}

func (c *EventCollector) EventDropped(eventType custody.EventType) {
	c.dropped.WithLabelValues(string(eventType)).Inc()
}

func (c *EventCollector) SubscriberFailed(subscriber string) {
	c.subFailures.WithLabelValues(subscriber).Inc()
}
