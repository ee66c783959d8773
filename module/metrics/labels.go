package metrics

const (
	namespaceCustody = "custody"

	subsystemOrchestrator   = "orchestrator"
	subsystemExecutor       = "executor"
	subsystemPolicy         = "policy"
	subsystemReconciliation = "reconciliation"
	subsystemEvents         = "events"
)

const (
	LabelKind         = "kind"
	LabelState        = "state"
	LabelCollaborator = "collaborator"
	LabelFunction     = "function"
	LabelClass        = "class"
	LabelReason       = "reason"
	LabelSeverity     = "severity"
	LabelStatus       = "status"
	LabelEventType    = "event_type"
	LabelOutcome      = "outcome"
)
