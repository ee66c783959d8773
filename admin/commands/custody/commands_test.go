package custody

import (
	"context"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodian-labs/custodian-go/admin"
	"github.com/custodian-labs/custodian-go/collaborator"
	"github.com/custodian-labs/custodian-go/engine/orchestrator"
	"github.com/custodian-labs/custodian-go/engine/orchestrator/policy"
	"github.com/custodian-labs/custodian-go/model/custody"
	"github.com/custodian-labs/custodian-go/module/counters"
	"github.com/custodian-labs/custodian-go/module/events"
	"github.com/custodian-labs/custodian-go/module/executor"
	"github.com/custodian-labs/custodian-go/module/metrics"
	"github.com/custodian-labs/custodian-go/module/sysstate"
	"github.com/custodian-labs/custodian-go/storage"
	bstorage "github.com/custodian-labs/custodian-go/storage/badger"
	"github.com/custodian-labs/custodian-go/utils/unittest"
)

type fakeCanceller struct {
	cancelled []custody.Identifier
	err       error
}

func (f *fakeCanceller) CancelOperation(id custody.Identifier) error {
	if f.err != nil {
		return f.err
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

type fakeStatusReader struct {
	statuses map[custody.Identifier]*orchestrator.OperationStatus
}

func (f *fakeStatusReader) OperationStatus(id custody.Identifier) (*orchestrator.OperationStatus, error) {
	status, ok := f.statuses[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return status, nil
}

type fakeProofHistory struct {
	records []custody.ProofRecord
}

func (f *fakeProofHistory) History(limit int) ([]custody.ProofRecord, error) {
	if limit > len(f.records) {
		limit = len(f.records)
	}
	return f.records[len(f.records)-limit:], nil
}

type fixture struct {
	runner    *admin.CommandRunner
	control   *admin.Control
	state     *sysstate.Manager
	exec      *executor.Executor
	gate      *policy.Gate
	canceller *fakeCanceller
	bus       *events.Bus
	statuses  *fakeStatusReader
	proofs    *fakeProofHistory
	records   *bstorage.All

	sentinelErr error
}

func withControl(t *testing.T, f func(fx *fixture)) {
	unittest.RunWithBadgerDB(t, func(db *badger.DB) {
		log := unittest.Logger()
		collector := metrics.NewNoopCollector()
		all := bstorage.InitAll(db)

		eventNonce, err := counters.NewPersistentStrictMonotonicCounter(all.Counters, "event_nonce", 0)
		require.NoError(t, err)
		sequence, err := counters.NewPersistentStrictMonotonicCounter(all.Counters, "admin_sequence", 0)
		require.NoError(t, err)

		bus := events.NewBus(log, collector, eventNonce)
		exec := executor.New(log, collector, bus)
		state, err := sysstate.NewManager(log, all.SystemState)
		require.NoError(t, err)
		gate := policy.NewGate(log, collector, unittest.NewFakeKyc(), all.LimitWindows, bus)

		fx := &fixture{
			state:     state,
			exec:      exec,
			gate:      gate,
			canceller: &fakeCanceller{},
			bus:       bus,
			statuses:  &fakeStatusReader{statuses: make(map[custody.Identifier]*orchestrator.OperationStatus)},
			proofs:    &fakeProofHistory{},
			records:   all,
		}
		sentinel := func(_ context.Context, _ string, _ string) error {
			return fx.sentinelErr
		}

		fx.control = admin.NewControl(log, state, gate, exec, all.EmergencyResponses, all.UpgradePlans, sequence, bus, fx.canceller, sentinel)
		fx.runner = admin.NewCommandRunner(log)
		RegisterAll(fx.runner, fx.control, bus, fx.statuses, all.ReconciliationRecords, fx.proofs)

		f(fx)
	})
}

func run(t *testing.T, fx *fixture, role admin.Role, command string, data map[string]interface{}) (interface{}, error) {
	t.Helper()
	return fx.runner.RunCommand(context.Background(), &admin.CommandRequest{
		Command:   command,
		Initiator: "tester",
		Role:      role,
		Data:      data,
	})
}

func TestRoleEnforcement(t *testing.T) {
	withControl(t, func(fx *fixture) {
		// operator is below the compliance-officer minimum for pause
		_, err := run(t, fx, admin.RoleOperator, "pause-system", nil)
		require.ErrorIs(t, err, custody.ErrUnauthorized)
		assert.False(t, fx.state.Paused())

		_, err = run(t, fx, admin.RoleSystemAdmin, "pause-system", nil)
		require.NoError(t, err)
		assert.True(t, fx.state.Paused())

		// anyone may query status
		result, err := run(t, fx, admin.RoleUser, "system-status", nil)
		require.NoError(t, err)
		status := result.(map[string]interface{})
		assert.Equal(t, true, status["paused"])
	})
}

func TestUnknownCommand(t *testing.T) {
	withControl(t, func(fx *fixture) {
		_, err := run(t, fx, admin.RoleSuperAdmin, "reboot", nil)
		require.Error(t, err)
		assert.True(t, admin.IsInvalidAdminReqError(err))
	})
}

func TestPauseResumeRoundTrip(t *testing.T) {
	withControl(t, func(fx *fixture) {
		_, err := run(t, fx, admin.RoleSystemAdmin, "pause-system", nil)
		require.NoError(t, err)
		require.ErrorIs(t, fx.state.RequireNotPaused(), custody.ErrSystemPaused)

		_, err = run(t, fx, admin.RoleSuperAdmin, "resume-system", nil)
		require.NoError(t, err)
		require.NoError(t, fx.state.RequireNotPaused())
	})
}

func TestSystemWideHaltResponse(t *testing.T) {
	withControl(t, func(fx *fixture) {
		_, err := run(t, fx, admin.RoleSystemAdmin, "execute-emergency-response", map[string]interface{}{
			"type":   "system_wide_halt",
			"reason": "reserve shortfall",
		})
		require.NoError(t, err)
		assert.True(t, fx.state.Paused())
		assert.True(t, fx.state.EmergencyMode())

		active, err := fx.control.ActiveResponses()
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, custody.EmergencySystemWideHalt, active[0].Type)

		_, err = run(t, fx, admin.RoleSystemAdmin, "resolve-emergency-response", map[string]interface{}{
			"response_id": active[0].ID.String(),
		})
		require.NoError(t, err)
		assert.False(t, fx.state.Paused())
		assert.False(t, fx.state.EmergencyMode())

		active, err = fx.control.ActiveResponses()
		require.NoError(t, err)
		assert.Empty(t, active)
	})
}

func TestContractIsolationResponse(t *testing.T) {
	withControl(t, func(fx *fixture) {
		_, err := run(t, fx, admin.RoleSystemAdmin, "execute-emergency-response", map[string]interface{}{
			"type":     "contract_isolation",
			"reason":   "oracle misbehaving",
			"affected": []interface{}{collaborator.NameOracle},
		})
		require.NoError(t, err)
		assert.True(t, fx.exec.IsIsolated(collaborator.NameOracle))
		assert.False(t, fx.exec.IsIsolated(collaborator.NameToken))

		active, err := fx.control.ActiveResponses()
		require.NoError(t, err)
		require.Len(t, active, 1)

		_, err = run(t, fx, admin.RoleSystemAdmin, "resolve-emergency-response", map[string]interface{}{
			"response_id": active[0].ID.String(),
		})
		require.NoError(t, err)
		assert.False(t, fx.exec.IsIsolated(collaborator.NameOracle))
	})
}

func TestReserveProtectionResponse(t *testing.T) {
	withControl(t, func(fx *fixture) {
		_, err := run(t, fx, admin.RoleSystemAdmin, "execute-emergency-response", map[string]interface{}{
			"type":   "reserve_protection",
			"reason": "ratio approaching threshold",
		})
		require.NoError(t, err)
		assert.Equal(t, uint64(5000), fx.gate.LimitOverrideBps())
		assert.True(t, fx.state.EmergencyMode())

		active, err := fx.control.ActiveResponses()
		require.NoError(t, err)
		require.Len(t, active, 1)

		_, err = run(t, fx, admin.RoleSystemAdmin, "resolve-emergency-response", map[string]interface{}{
			"response_id": active[0].ID.String(),
		})
		require.NoError(t, err)
		assert.Equal(t, custody.BpsDenominator, fx.gate.LimitOverrideBps())
	})
}

func TestAddressFreezeCommands(t *testing.T) {
	withControl(t, func(fx *fixture) {
		_, err := run(t, fx, admin.RoleComplianceOfficer, "freeze-address", map[string]interface{}{
			"address": "mallory",
		})
		require.NoError(t, err)
		assert.Contains(t, fx.gate.FrozenAddresses(), "mallory")

		// operator is below the compliance-officer minimum
		_, err = run(t, fx, admin.RoleOperator, "freeze-address", map[string]interface{}{
			"address": "mallory2",
		})
		require.ErrorIs(t, err, custody.ErrUnauthorized)

		_, err = run(t, fx, admin.RoleComplianceOfficer, "unfreeze-address", map[string]interface{}{
			"address": "mallory",
		})
		require.NoError(t, err)
		assert.NotContains(t, fx.gate.FrozenAddresses(), "mallory")
	})
}

func TestEmergencyResponseValidation(t *testing.T) {
	withControl(t, func(fx *fixture) {
		_, err := run(t, fx, admin.RoleSystemAdmin, "execute-emergency-response", map[string]interface{}{
			"type":   "scram",
			"reason": "x",
		})
		require.Error(t, err)
		assert.True(t, admin.IsInvalidAdminReqError(err))

		_, err = run(t, fx, admin.RoleSystemAdmin, "execute-emergency-response", map[string]interface{}{
			"type": "system_wide_halt",
		})
		require.Error(t, err)
		assert.True(t, admin.IsInvalidAdminReqError(err))

		// address freeze with no affected set is rejected
		_, err = run(t, fx, admin.RoleSystemAdmin, "execute-emergency-response", map[string]interface{}{
			"type":   "address_freeze",
			"reason": "x",
		})
		require.Error(t, err)
	})
}

func TestUpgradePlanLifecycle(t *testing.T) {
	withControl(t, func(fx *fixture) {
		hash := hex.EncodeToString(make([]byte, 32))

		result, err := run(t, fx, admin.RoleSuperAdmin, "record-upgrade-plan", map[string]interface{}{
			"collaborator":       collaborator.NameOracle,
			"new_address":        "oracle-v2.internal:9000",
			"compatibility_hash": hash,
		})
		require.NoError(t, err)
		planID := result.(map[string]interface{})["plan_id"].(string)

		result, err = run(t, fx, admin.RoleSuperAdmin, "verify-upgrade-plan", map[string]interface{}{
			"plan_id": planID,
		})
		require.NoError(t, err)
		assert.Equal(t, "completed", result.(map[string]interface{})["status"])
		assert.Equal(t, "oracle-v2.internal:9000", fx.control.ContractAddress(collaborator.NameOracle))

		// a completed plan cannot be verified twice
		_, err = run(t, fx, admin.RoleSuperAdmin, "verify-upgrade-plan", map[string]interface{}{
			"plan_id": planID,
		})
		require.Error(t, err)
	})
}

func TestUpgradePlanVerificationFailure(t *testing.T) {
	withControl(t, func(fx *fixture) {
		fx.sentinelErr = errors.New("connection refused")
		hash := hex.EncodeToString(make([]byte, 32))

		result, err := run(t, fx, admin.RoleSuperAdmin, "record-upgrade-plan", map[string]interface{}{
			"collaborator":       collaborator.NameToken,
			"new_address":        "token-v2.internal:9000",
			"compatibility_hash": hash,
		})
		require.NoError(t, err)
		planID := result.(map[string]interface{})["plan_id"].(string)

		result, err = run(t, fx, admin.RoleSuperAdmin, "verify-upgrade-plan", map[string]interface{}{
			"plan_id": planID,
		})
		require.NoError(t, err)
		assert.Equal(t, "failed", result.(map[string]interface{})["status"])
		// the registered address did not switch over
		assert.Empty(t, fx.control.ContractAddress(collaborator.NameToken))
	})
}

func TestCancelOperationCommand(t *testing.T) {
	withControl(t, func(fx *fixture) {
		id := custody.MakeOperationID(7, time.Now(), 0)
		_, err := run(t, fx, admin.RoleOperator, "cancel-operation", map[string]interface{}{
			"operation_id": id.String(),
		})
		require.NoError(t, err)
		require.Equal(t, []custody.Identifier{id}, fx.canceller.cancelled)

		_, err = run(t, fx, admin.RoleOperator, "cancel-operation", map[string]interface{}{
			"operation_id": "not-hex",
		})
		require.Error(t, err)
		assert.True(t, admin.IsInvalidAdminReqError(err))
	})
}

func TestGrantRoleCommand(t *testing.T) {
	withControl(t, func(fx *fixture) {
		require.Equal(t, admin.RoleUser, fx.runner.RoleOf("alice"))

		_, err := run(t, fx, admin.RoleSystemAdmin, "grant-role", map[string]interface{}{
			"initiator": "alice",
			"role":      "operator",
		})
		require.ErrorIs(t, err, custody.ErrUnauthorized)

		_, err = run(t, fx, admin.RoleSuperAdmin, "grant-role", map[string]interface{}{
			"initiator": "alice",
			"role":      "operator",
		})
		require.NoError(t, err)
		assert.Equal(t, admin.RoleOperator, fx.runner.RoleOf("alice"))

		_, err = run(t, fx, admin.RoleSuperAdmin, "grant-role", map[string]interface{}{
			"initiator": "alice",
			"role":      "emperor",
		})
		require.Error(t, err)
		assert.True(t, admin.IsInvalidAdminReqError(err))
	})
}

func TestQueryEventsCommand(t *testing.T) {
	withControl(t, func(fx *fixture) {
		_, err := run(t, fx, admin.RoleSystemAdmin, "pause-system", nil)
		require.NoError(t, err)
		_, err = run(t, fx, admin.RoleSuperAdmin, "resume-system", nil)
		require.NoError(t, err)

		result, err := run(t, fx, admin.RoleUser, "query-events", map[string]interface{}{
			"type": string(custody.EventSystemPausedType),
		})
		require.NoError(t, err)
		matched := result.([]map[string]interface{})
		require.Len(t, matched, 1)
		assert.Equal(t, string(custody.EventSystemPausedType), matched[0]["type"])

		result, err = run(t, fx, admin.RoleUser, "query-events", nil)
		require.NoError(t, err)
		assert.Len(t, result.([]map[string]interface{}), 2)

		_, err = run(t, fx, admin.RoleUser, "query-events", map[string]interface{}{
			"limit": float64(-1),
		})
		require.Error(t, err)
		assert.True(t, admin.IsInvalidAdminReqError(err))
	})
}

func TestOperationStatusCommand(t *testing.T) {
	withControl(t, func(fx *fixture) {
		now := time.Now().UTC()
		id := custody.MakeRecordID("operation", 7, now)
		fx.statuses.statuses[id] = &orchestrator.OperationStatus{
			ID:            id,
			Kind:          custody.KindBitcoinDeposit,
			State:         custody.StateCompleted,
			CorrelationID: 42,
			SubmittedAt:   now,
			UpdatedAt:     now,
			TimeoutAt:     now.Add(5 * time.Minute),
			Steps: []custody.OperationStep{
				{OperationID: id, Index: 0, Collaborator: collaborator.NameReserve, Function: "register_deposit", Outcome: custody.StepOutcomeOK},
				{OperationID: id, Index: 1, Collaborator: collaborator.NameToken, Function: "mint", Outcome: custody.StepOutcomeOK},
			},
		}

		result, err := run(t, fx, admin.RoleUser, "operation-status", map[string]interface{}{
			"operation_id": id.String(),
		})
		require.NoError(t, err)
		view := result.(map[string]interface{})
		assert.Equal(t, id.String(), view["operation_id"])
		assert.Equal(t, "bitcoin_deposit", view["kind"])
		assert.Equal(t, "completed", view["state"])
		assert.Equal(t, uint64(42), view["correlation_id"])
		steps := view["steps"].([]map[string]interface{})
		require.Len(t, steps, 2)
		assert.Equal(t, "mint", steps[1]["function"])

		// malformed and unknown ids
		_, err = run(t, fx, admin.RoleUser, "operation-status", map[string]interface{}{
			"operation_id": "zz",
		})
		require.True(t, admin.IsInvalidAdminReqError(err))

		unknown := custody.MakeRecordID("operation", 8, now)
		_, err = run(t, fx, admin.RoleUser, "operation-status", map[string]interface{}{
			"operation_id": unknown.String(),
		})
		require.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestReconciliationStatusCommand(t *testing.T) {
	withControl(t, func(fx *fixture) {
		now := time.Now().UTC()
		for seq := uint64(1); seq <= 3; seq++ {
			err := fx.records.ReconciliationRecords.Insert(&custody.ReconciliationRecord{
				ID:               custody.MakeRecordID("reconciliation", seq, now),
				Sequence:         seq,
				Timestamp:        now,
				BtcReserves:      100_000_000,
				TokenSupply:      10_000_000_000_000_000,
				ExpectedRatioBps: custody.FullyBackedRatioBps,
				ActualRatioBps:   custody.FullyBackedRatioBps,
				Severity:         custody.SeverityMinor,
			})
			require.NoError(t, err)
		}

		// reads require at least operator
		_, err := run(t, fx, admin.RoleUser, "reconciliation-status", nil)
		require.ErrorIs(t, err, custody.ErrUnauthorized)

		result, err := run(t, fx, admin.RoleOperator, "reconciliation-status", map[string]interface{}{
			"limit": float64(2),
		})
		require.NoError(t, err)
		records := result.([]map[string]interface{})
		require.Len(t, records, 2)
		assert.Equal(t, uint64(3), records[1]["sequence"])
		assert.Equal(t, "minor", records[1]["severity"])

		_, err = run(t, fx, admin.RoleOperator, "reconciliation-status", map[string]interface{}{
			"limit": float64(-1),
		})
		require.True(t, admin.IsInvalidAdminReqError(err))
	})
}

func TestProofStatusCommand(t *testing.T) {
	withControl(t, func(fx *fixture) {
		now := time.Now().UTC()
		fx.proofs.records = []custody.ProofRecord{
			{ID: custody.MakeRecordID("proof", 1, now), Sequence: 1, Timestamp: now, BtcReserves: 100_000_000, TokenSupply: 10_000_000_000_000_000, RatioBps: 10_000, Status: custody.ProofVerified},
			{ID: custody.MakeRecordID("proof", 2, now), Sequence: 2, Timestamp: now, BtcReserves: 100_000_000, TokenSupply: 10_000_000_000_000_000, RatioBps: 10_000, Status: custody.ProofVerified},
		}

		_, err := run(t, fx, admin.RoleUser, "proof-status", nil)
		require.ErrorIs(t, err, custody.ErrUnauthorized)

		result, err := run(t, fx, admin.RoleOperator, "proof-status", map[string]interface{}{
			"limit": float64(1),
		})
		require.NoError(t, err)
		records := result.([]map[string]interface{})
		require.Len(t, records, 1)
		assert.Equal(t, uint64(2), records[0]["sequence"])
		assert.Equal(t, "verified", records[0]["status"])
	})
}
