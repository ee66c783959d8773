package custody

import "time"

// SystemState holds the process-wide flags and monotonic counters. It is
// mutated only by the admin control plane; all orchestrator work paths begin
// with a paused check against it.
type SystemState struct {
	Paused          bool
	EmergencyMode   bool
	MaintenanceMode bool

	OperationNonce uint64
	EventNonce     uint64

	UpdatedAt time.Time
}

// EmergencyResponseType enumerates the protective measures the admin control
// plane can execute.
type EmergencyResponseType string

const (
	EmergencySystemWideHalt    EmergencyResponseType = "system_wide_halt"
	EmergencyAddressFreeze     EmergencyResponseType = "address_freeze"
	EmergencyContractIsolation EmergencyResponseType = "contract_isolation"
	EmergencyReserveProtection EmergencyResponseType = "reserve_protection"
)

// EmergencyResponseStatus is the lifecycle of an executed response.
type EmergencyResponseStatus string

const (
	EmergencyActive   EmergencyResponseStatus = "active"
	EmergencyResolved EmergencyResponseStatus = "resolved"
)

// EmergencyResponse records one executed protective measure. It stays in the
// active set until explicitly resolved.
type EmergencyResponse struct {
	ID         Identifier
	Type       EmergencyResponseType
	Initiator  string
	Reason     string
	Affected   []string
	ExecutedAt time.Time
	ResolvedAt time.Time
	Status     EmergencyResponseStatus
}

// UpgradePlanStatus is the lifecycle of a coordination-only upgrade plan.
type UpgradePlanStatus string

const (
	UpgradePlanPending   UpgradePlanStatus = "pending"
	UpgradePlanCompleted UpgradePlanStatus = "completed"
	UpgradePlanFailed    UpgradePlanStatus = "failed"
)

// UpgradePlan records a collaborator address migration. The control plane
// does not redeploy anything; after external execution it verifies the new
// address answers a sentinel call before marking the plan Completed.
type UpgradePlan struct {
	ID                Identifier
	Collaborator      string
	OldAddress        string
	NewAddress        string
	CompatibilityHash [32]byte
	CreatedAt         time.Time
	VerifiedAt        time.Time
	Status            UpgradePlanStatus
}
