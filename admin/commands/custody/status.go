package custody

import (
	"context"
	"encoding/hex"

	"github.com/custodian-labs/custodian-go/admin"
	"github.com/custodian-labs/custodian-go/engine/orchestrator"
	"github.com/custodian-labs/custodian-go/model/custody"
	"github.com/custodian-labs/custodian-go/storage"
)

const defaultStatusLimit = 20

// OperationStatusReader resolves the poll view of an operation. Implemented
// by the workflow engine.
type OperationStatusReader interface {
	OperationStatus(id custody.Identifier) (*orchestrator.OperationStatus, error)
}

// ProofHistory lists generated proof-of-reserves records. Implemented by the
// proof scheduler.
type ProofHistory interface {
	History(limit int) ([]custody.ProofRecord, error)
}

var _ admin.AdminCommand = (*OperationStatusCommand)(nil)

// OperationStatusCommand reports the current state of an operation together
// with its recorded step log.
type OperationStatusCommand struct {
	reader OperationStatusReader
}

func NewOperationStatusCommand(reader OperationStatusReader) *OperationStatusCommand {
	return &OperationStatusCommand{reader: reader}
}

func (c *OperationStatusCommand) Validator(req *admin.CommandRequest) error {
	raw, ok := req.Data["operation_id"].(string)
	if !ok {
		return admin.NewInvalidAdminReqParameterError("operation_id", "expected hex string", req.Data["operation_id"])
	}
	id, err := custody.HexToIdentifier(raw)
	if err != nil {
		return admin.NewInvalidAdminReqParameterError("operation_id", err.Error(), raw)
	}
	req.ValidatorData = id
	return nil
}

func (c *OperationStatusCommand) Handler(_ context.Context, req *admin.CommandRequest) (interface{}, error) {
	id := req.ValidatorData.(custody.Identifier)
	status, err := c.reader.OperationStatus(id)
	if err != nil {
		return nil, err
	}

	steps := make([]map[string]interface{}, 0, len(status.Steps))
	for _, st := range status.Steps {
		steps = append(steps, map[string]interface{}{
			"index":        st.Index,
			"collaborator": st.Collaborator,
			"function":     st.Function,
			"outcome":      st.Outcome.String(),
			"error_class":  string(st.ErrorClass),
			"started_at":   st.StartedAt,
			"finished_at":  st.FinishedAt,
		})
	}
	return map[string]interface{}{
		"operation_id":                 status.ID.String(),
		"kind":                         status.Kind.String(),
		"state":                        status.State.String(),
		"correlation_id":               status.CorrelationID,
		"submitted_at":                 status.SubmittedAt,
		"updated_at":                   status.UpdatedAt,
		"timeout_at":                   status.TimeoutAt,
		"last_error_class":             string(status.LastErrorClass),
		"compensation_outcome":         status.CompensationOutcome,
		"manual_intervention_required": status.ManualInterventionRequired,
		"steps":                        steps,
	}, nil
}

var _ admin.AdminCommand = (*ReconciliationStatusCommand)(nil)

// ReconciliationStatusCommand reports the most recent reconciliation records.
type ReconciliationStatusCommand struct {
	records storage.ReconciliationRecords
}

func NewReconciliationStatusCommand(records storage.ReconciliationRecords) *ReconciliationStatusCommand {
	return &ReconciliationStatusCommand{records: records}
}

func (c *ReconciliationStatusCommand) Validator(req *admin.CommandRequest) error {
	return validateStatusLimit(req)
}

func (c *ReconciliationStatusCommand) Handler(_ context.Context, req *admin.CommandRequest) (interface{}, error) {
	limit := req.ValidatorData.(int)
	records, err := c.records.List(limit)
	if err != nil {
		return nil, err
	}

	out := make([]map[string]interface{}, 0, len(records))
	for _, rec := range records {
		out = append(out, map[string]interface{}{
			"record_id":          rec.ID.String(),
			"sequence":           rec.Sequence,
			"timestamp":          rec.Timestamp,
			"btc_reserves_sat":   rec.BtcReserves,
			"token_supply":       rec.TokenSupply,
			"actual_ratio_bps":   rec.ActualRatioBps,
			"discrepancy_bps":    rec.DiscrepancyBps,
			"discrepancy_sat":    rec.DiscrepancySat,
			"severity":           rec.Severity.String(),
			"protective_actions": rec.ProtectiveActions,
		})
	}
	return out, nil
}

var _ admin.AdminCommand = (*ProofStatusCommand)(nil)

// ProofStatusCommand reports the most recent proof-of-reserves records.
type ProofStatusCommand struct {
	proofs ProofHistory
}

func NewProofStatusCommand(proofs ProofHistory) *ProofStatusCommand {
	return &ProofStatusCommand{proofs: proofs}
}

func (c *ProofStatusCommand) Validator(req *admin.CommandRequest) error {
	return validateStatusLimit(req)
}

func (c *ProofStatusCommand) Handler(_ context.Context, req *admin.CommandRequest) (interface{}, error) {
	limit := req.ValidatorData.(int)
	records, err := c.proofs.History(limit)
	if err != nil {
		return nil, err
	}

	out := make([]map[string]interface{}, 0, len(records))
	for _, rec := range records {
		out = append(out, map[string]interface{}{
			"record_id":        rec.ID.String(),
			"sequence":         rec.Sequence,
			"timestamp":        rec.Timestamp,
			"btc_reserves_sat": rec.BtcReserves,
			"token_supply":     rec.TokenSupply,
			"ratio_bps":        rec.RatioBps,
			"merkle_root":      hex.EncodeToString(rec.MerkleRoot[:]),
			"status":           rec.Status.String(),
		})
	}
	return out, nil
}

func validateStatusLimit(req *admin.CommandRequest) error {
	limit := defaultStatusLimit
	if raw, ok := req.Data["limit"]; ok {
		parsed, ok := raw.(float64)
		if !ok || parsed <= 0 {
			return admin.NewInvalidAdminReqParameterError("limit", "expected positive number", raw)
		}
		limit = int(parsed)
	}
	req.ValidatorData = limit
	return nil
}
