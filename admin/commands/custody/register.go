package custody

import (
	"github.com/custodian-labs/custodian-go/admin"
	"github.com/custodian-labs/custodian-go/module/events"
	"github.com/custodian-labs/custodian-go/storage"
)

// RegisterAll wires every custody admin command into the runner with its
// minimum role.
func RegisterAll(
	runner *admin.CommandRunner,
	control *admin.Control,
	bus *events.Bus,
	operations OperationStatusReader,
	reconciliations storage.ReconciliationRecords,
	proofs ProofHistory,
) {
	runner.Register("pause-system", admin.RoleComplianceOfficer, NewPauseSystemCommand(control))
	runner.Register("execute-emergency-response", admin.RoleComplianceOfficer, NewEmergencyResponseCommand(control))
	runner.Register("resolve-emergency-response", admin.RoleSystemAdmin, NewResolveEmergencyResponseCommand(control))
	runner.Register("list-emergency-responses", admin.RoleOperator, NewListEmergencyResponsesCommand(control))
	runner.Register("freeze-address", admin.RoleComplianceOfficer, NewFreezeAddressCommand(control))
	runner.Register("unfreeze-address", admin.RoleComplianceOfficer, NewUnfreezeAddressCommand(control))
	runner.Register("resume-system", admin.RoleSuperAdmin, NewResumeSystemCommand(control))
	runner.Register("grant-role", admin.RoleSuperAdmin, NewGrantRoleCommand(runner))
	runner.Register("update-contract-address", admin.RoleSuperAdmin, NewUpdateContractAddressCommand(control))
	runner.Register("record-upgrade-plan", admin.RoleSuperAdmin, NewRecordUpgradePlanCommand(control))
	runner.Register("verify-upgrade-plan", admin.RoleSuperAdmin, NewVerifyUpgradePlanCommand(control))
	runner.Register("cancel-operation", admin.RoleOperator, NewCancelOperationCommand(control))
	runner.Register("system-status", admin.RoleUser, NewSystemStatusCommand(control))
	runner.Register("operation-status", admin.RoleUser, NewOperationStatusCommand(operations))
	runner.Register("reconciliation-status", admin.RoleOperator, NewReconciliationStatusCommand(reconciliations))
	runner.Register("proof-status", admin.RoleOperator, NewProofStatusCommand(proofs))
	runner.Register("query-events", admin.RoleUser, NewQueryEventsCommand(bus))
}
