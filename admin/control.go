package admin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/custodian-labs/custodian-go/engine/orchestrator/policy"
	"github.com/custodian-labs/custodian-go/model/custody"
	"github.com/custodian-labs/custodian-go/module/counters"
	"github.com/custodian-labs/custodian-go/module/events"
	"github.com/custodian-labs/custodian-go/module/executor"
	"github.com/custodian-labs/custodian-go/module/sysstate"
	"github.com/custodian-labs/custodian-go/storage"
)

// reserveProtectionOverrideBps is the limit multiplier applied while a
// reserve-protection response is active: all limits are halved.
const reserveProtectionOverrideBps = 5000

// OperationCanceller cancels a pending operation. Implemented by the
// workflow engine.
type OperationCanceller interface {
	CancelOperation(id custody.Identifier) error
}

// SentinelCaller answers a cheap read-only call against a collaborator at a
// given address, proving the address responds before an upgrade plan is
// marked completed.
type SentinelCaller func(ctx context.Context, collaborator string, address string) error

// Control is the admin facade over the running system. It owns the
// SystemState flags and the emergency-response and upgrade-plan records, and
// reaches into the policy gate and the call executor for protective measures.
type Control struct {
	log zerolog.Logger

	state     *sysstate.Manager
	gate      *policy.Gate
	exec      *executor.Executor
	responses storage.EmergencyResponses
	plans     storage.UpgradePlans
	sequence  *counters.PersistentStrictMonotonicCounter
	bus       *events.Bus

	canceller OperationCanceller
	sentinel  SentinelCaller

	// addresses is the collaborator address registry, mutated only here
	mu        sync.RWMutex
	addresses map[string]string
}

func NewControl(
	log zerolog.Logger,
	state *sysstate.Manager,
	gate *policy.Gate,
	exec *executor.Executor,
	responses storage.EmergencyResponses,
	plans storage.UpgradePlans,
	sequence *counters.PersistentStrictMonotonicCounter,
	bus *events.Bus,
	canceller OperationCanceller,
	sentinel SentinelCaller,
) *Control {
	return &Control{
		log:       log.With().Str("component", "admin_control").Logger(),
		state:     state,
		gate:      gate,
		exec:      exec,
		responses: responses,
		plans:     plans,
		sequence:  sequence,
		bus:       bus,
		canceller: canceller,
		sentinel:  sentinel,
		addresses: make(map[string]string),
	}
}

// Pause stops all new submissions. Running operations finish normally.
func (c *Control) Pause(initiator string) error {
	err := c.state.SetPaused(true)
	if err != nil {
		return err
	}
	c.bus.Publish(custody.Event{
		Type:    custody.EventSystemPausedType,
		User:    initiator,
		Payload: map[string]string{"initiator": initiator},
	})
	c.log.Warn().Str("initiator", initiator).Msg("system paused")
	return nil
}

// Resume reopens submissions.
func (c *Control) Resume(initiator string) error {
	err := c.state.SetPaused(false)
	if err != nil {
		return err
	}
	c.bus.Publish(custody.Event{
		Type:    custody.EventSystemResumedType,
		User:    initiator,
		Payload: map[string]string{"initiator": initiator},
	})
	c.log.Info().Str("initiator", initiator).Msg("system resumed")
	return nil
}

// ExecuteEmergencyResponse executes one protective measure and records it in
// the active set. Also serves the reconciler's escalation path.
func (c *Control) ExecuteEmergencyResponse(ctx context.Context, responseType custody.EmergencyResponseType, initiator string, reason string) error {
	return c.ExecuteEmergencyResponseAffecting(ctx, responseType, initiator, reason, nil)
}

// ExecuteEmergencyResponseAffecting is ExecuteEmergencyResponse with an
// explicit affected set: frozen addresses or isolated collaborators.
func (c *Control) ExecuteEmergencyResponseAffecting(_ context.Context, responseType custody.EmergencyResponseType, initiator string, reason string, affected []string) error {
	switch responseType {
	case custody.EmergencySystemWideHalt:
		err := c.state.SetPaused(true)
		if err != nil {
			return err
		}
		err = c.state.SetEmergencyMode(true)
		if err != nil {
			return err
		}
	case custody.EmergencyAddressFreeze:
		if len(affected) == 0 {
			return NewInvalidAdminReqErrorf("address freeze requires at least one address")
		}
		for _, address := range affected {
			c.gate.FreezeAddress(address)
		}
	case custody.EmergencyContractIsolation:
		if len(affected) == 0 {
			return NewInvalidAdminReqErrorf("contract isolation requires at least one collaborator")
		}
		for _, name := range affected {
			c.exec.Isolate(name)
		}
	case custody.EmergencyReserveProtection:
		c.gate.SetLimitOverrideBps(reserveProtectionOverrideBps)
		err := c.state.SetEmergencyMode(true)
		if err != nil {
			return err
		}
	default:
		return NewInvalidAdminReqErrorf("unknown emergency response type: %s", responseType)
	}

	seq, err := c.sequence.Next()
	if err != nil {
		return fmt.Errorf("could not advance response sequence: %w", err)
	}
	now := time.Now().UTC()
	response := &custody.EmergencyResponse{
		ID:         custody.MakeRecordID("emergency", seq, now),
		Type:       responseType,
		Initiator:  initiator,
		Reason:     reason,
		Affected:   affected,
		ExecutedAt: now,
		Status:     custody.EmergencyActive,
	}
	err = c.responses.Insert(response)
	if err != nil {
		return fmt.Errorf("could not persist emergency response: %w", err)
	}

	c.bus.Publish(custody.Event{
		Type: custody.EventEmergencyResponse,
		User: initiator,
		Payload: map[string]string{
			"response_id": response.ID.String(),
			"type":        string(responseType),
			"reason":      reason,
		},
	})
	c.log.Warn().
		Str("type", string(responseType)).
		Str("initiator", initiator).
		Str("reason", reason).
		Strs("affected", affected).
		Msg("emergency response executed")
	return nil
}

// ResolveEmergencyResponse reverses the protective measure and retires the
// response from the active set.
func (c *Control) ResolveEmergencyResponse(id custody.Identifier, initiator string) error {
	response, err := c.responses.ByID(id)
	if err != nil {
		return err
	}
	if response.Status != custody.EmergencyActive {
		return NewInvalidAdminReqErrorf("response %s is already resolved", id)
	}

	switch response.Type {
	case custody.EmergencySystemWideHalt:
		err = c.state.SetEmergencyMode(false)
		if err != nil {
			return err
		}
		err = c.state.SetPaused(false)
		if err != nil {
			return err
		}
	case custody.EmergencyAddressFreeze:
		for _, address := range response.Affected {
			c.gate.UnfreezeAddress(address)
		}
	case custody.EmergencyContractIsolation:
		for _, name := range response.Affected {
			c.exec.Restore(name)
		}
	case custody.EmergencyReserveProtection:
		c.gate.SetLimitOverrideBps(custody.BpsDenominator)
		err = c.state.SetEmergencyMode(false)
		if err != nil {
			return err
		}
	}

	response.Status = custody.EmergencyResolved
	response.ResolvedAt = time.Now().UTC()
	err = c.responses.Save(response)
	if err != nil {
		return fmt.Errorf("could not persist resolved response: %w", err)
	}

	c.bus.Publish(custody.Event{
		Type: custody.EventEmergencyResolved,
		User: initiator,
		Payload: map[string]string{
			"response_id": response.ID.String(),
			"type":        string(response.Type),
		},
	})
	c.log.Info().
		Str("response_id", response.ID.String()).
		Str("type", string(response.Type)).
		Msg("emergency response resolved")
	return nil
}

// FreezeAddress blocks an address from all operations.
func (c *Control) FreezeAddress(address string) {
	c.gate.FreezeAddress(address)
	c.log.Warn().Str("address", address).Msg("address frozen")
}

// UnfreezeAddress lifts a freeze.
func (c *Control) UnfreezeAddress(address string) {
	c.gate.UnfreezeAddress(address)
	c.log.Info().Str("address", address).Msg("address unfrozen")
}

// ActiveResponses lists the protective measures currently in force.
func (c *Control) ActiveResponses() ([]custody.EmergencyResponse, error) {
	return c.responses.Active()
}

// CancelOperation forwards a pending-operation cancellation to the engine.
func (c *Control) CancelOperation(id custody.Identifier) error {
	return c.canceller.CancelOperation(id)
}

// UpdateContractAddress changes the registered address of a collaborator.
func (c *Control) UpdateContractAddress(collaborator string, address string, initiator string) error {
	c.mu.Lock()
	old := c.addresses[collaborator]
	c.addresses[collaborator] = address
	c.mu.Unlock()

	c.bus.Publish(custody.Event{
		Type:     custody.EventContractAddressUpdated,
		User:     initiator,
		Contract: collaborator,
		Payload: map[string]string{
			"collaborator": collaborator,
			"old_address":  old,
			"new_address":  address,
		},
	})
	c.log.Info().
		Str("collaborator", collaborator).
		Str("address", address).
		Msg("contract address updated")
	return nil
}

// ContractAddress returns the registered address of a collaborator.
func (c *Control) ContractAddress(collaborator string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.addresses[collaborator]
}

// RecordUpgradePlan records a coordination-only migration of a collaborator
// to a new address. Nothing is deployed; the plan stays Pending until the new
// address is verified.
func (c *Control) RecordUpgradePlan(collaborator string, newAddress string, compatibilityHash [32]byte) (*custody.UpgradePlan, error) {
	seq, err := c.sequence.Next()
	if err != nil {
		return nil, fmt.Errorf("could not advance plan sequence: %w", err)
	}
	now := time.Now().UTC()

	plan := &custody.UpgradePlan{
		ID:                custody.MakeRecordID("upgrade", seq, now),
		Collaborator:      collaborator,
		OldAddress:        c.ContractAddress(collaborator),
		NewAddress:        newAddress,
		CompatibilityHash: compatibilityHash,
		CreatedAt:         now,
		Status:            custody.UpgradePlanPending,
	}
	err = c.plans.Insert(plan)
	if err != nil {
		return nil, fmt.Errorf("could not persist upgrade plan: %w", err)
	}

	c.bus.Publish(custody.Event{
		Type:     custody.EventUpgradePlanRecorded,
		Contract: collaborator,
		Payload: map[string]string{
			"plan_id":     plan.ID.String(),
			"new_address": newAddress,
		},
	})
	return plan, nil
}

// VerifyUpgradePlan checks that the new address answers a sentinel call and
// finalizes the plan: Completed switches the registered address over, Failed
// leaves the old address in place.
func (c *Control) VerifyUpgradePlan(ctx context.Context, id custody.Identifier, initiator string) (*custody.UpgradePlan, error) {
	plan, err := c.plans.ByID(id)
	if err != nil {
		return nil, err
	}
	if plan.Status != custody.UpgradePlanPending {
		return nil, NewInvalidAdminReqErrorf("plan %s is already %s", id, plan.Status)
	}

	result := c.exec.Execute(ctx, executor.Call{
		Collaborator: plan.Collaborator,
		Function:     "sentinel",
		Timeout:      5 * time.Second,
		Retries:      1,
		User:         initiator,
		Do: func(ctx context.Context) (interface{}, uint64, error) {
			return nil, 0, c.sentinel(ctx, plan.Collaborator, plan.NewAddress)
		},
	})

	now := time.Now().UTC()
	plan.VerifiedAt = now
	if result.OK {
		plan.Status = custody.UpgradePlanCompleted
	} else {
		plan.Status = custody.UpgradePlanFailed
	}
	err = c.plans.Save(plan)
	if err != nil {
		return nil, fmt.Errorf("could not persist verified plan: %w", err)
	}

	if result.OK {
		err = c.UpdateContractAddress(plan.Collaborator, plan.NewAddress, initiator)
		if err != nil {
			return nil, err
		}
		c.log.Info().Str("plan_id", plan.ID.String()).Msg("upgrade plan completed")
	} else {
		c.log.Warn().
			Str("plan_id", plan.ID.String()).
			Err(result.Err).
			Msg("upgrade plan verification failed")
	}
	return plan, nil
}

// Status returns the system flag snapshot plus the protective state held
// outside SystemState.
func (c *Control) Status() map[string]interface{} {
	snapshot := c.state.Snapshot()
	return map[string]interface{}{
		"paused":             snapshot.Paused,
		"emergency_mode":     snapshot.EmergencyMode,
		"maintenance_mode":   snapshot.MaintenanceMode,
		"frozen_addresses":   c.gate.FrozenAddresses(),
		"limit_override_bps": c.gate.LimitOverrideBps(),
	}
}
