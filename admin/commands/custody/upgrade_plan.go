package custody

import (
	"context"
	"encoding/hex"

	"github.com/custodian-labs/custodian-go/admin"
	"github.com/custodian-labs/custodian-go/collaborator"
	"github.com/custodian-labs/custodian-go/model/custody"
)

func knownCollaborator(name string) bool {
	switch name {
	case collaborator.NameKyc,
		collaborator.NameToken,
		collaborator.NameReserve,
		collaborator.NameOracle,
		collaborator.NameBitcoin:
		return true
	}
	return false
}

var _ admin.AdminCommand = (*UpdateContractAddressCommand)(nil)

// UpdateContractAddressCommand changes the registered address of a
// collaborator without an upgrade plan.
type UpdateContractAddressCommand struct {
	control *admin.Control
}

func NewUpdateContractAddressCommand(control *admin.Control) *UpdateContractAddressCommand {
	return &UpdateContractAddressCommand{control: control}
}

type validatedAddressUpdate struct {
	collaborator string
	address      string
}

func (c *UpdateContractAddressCommand) Validator(req *admin.CommandRequest) error {
	name, ok := req.Data["collaborator"].(string)
	if !ok || !knownCollaborator(name) {
		return admin.NewInvalidAdminReqParameterError("collaborator", "unknown collaborator", req.Data["collaborator"])
	}
	address, ok := req.Data["address"].(string)
	if !ok || address == "" {
		return admin.NewInvalidAdminReqParameterError("address", "expected non-empty string", req.Data["address"])
	}
	req.ValidatorData = validatedAddressUpdate{collaborator: name, address: address}
	return nil
}

func (c *UpdateContractAddressCommand) Handler(_ context.Context, req *admin.CommandRequest) (interface{}, error) {
	data := req.ValidatorData.(validatedAddressUpdate)
	err := c.control.UpdateContractAddress(data.collaborator, data.address, req.Initiator)
	if err != nil {
		return nil, err
	}
	return "address updated", nil
}

var _ admin.AdminCommand = (*RecordUpgradePlanCommand)(nil)

// RecordUpgradePlanCommand records a coordination-only collaborator
// migration. The plan stays pending until verified.
type RecordUpgradePlanCommand struct {
	control *admin.Control
}

func NewRecordUpgradePlanCommand(control *admin.Control) *RecordUpgradePlanCommand {
	return &RecordUpgradePlanCommand{control: control}
}

type validatedUpgradePlan struct {
	collaborator      string
	newAddress        string
	compatibilityHash [32]byte
}

func (c *RecordUpgradePlanCommand) Validator(req *admin.CommandRequest) error {
	name, ok := req.Data["collaborator"].(string)
	if !ok || !knownCollaborator(name) {
		return admin.NewInvalidAdminReqParameterError("collaborator", "unknown collaborator", req.Data["collaborator"])
	}
	address, ok := req.Data["new_address"].(string)
	if !ok || address == "" {
		return admin.NewInvalidAdminReqParameterError("new_address", "expected non-empty string", req.Data["new_address"])
	}
	rawHash, ok := req.Data["compatibility_hash"].(string)
	if !ok {
		return admin.NewInvalidAdminReqParameterError("compatibility_hash", "expected hex string", req.Data["compatibility_hash"])
	}
	decoded, err := hex.DecodeString(rawHash)
	if err != nil || len(decoded) != 32 {
		return admin.NewInvalidAdminReqParameterError("compatibility_hash", "expected 32 hex-encoded bytes", rawHash)
	}

	data := validatedUpgradePlan{collaborator: name, newAddress: address}
	copy(data.compatibilityHash[:], decoded)
	req.ValidatorData = data
	return nil
}

func (c *RecordUpgradePlanCommand) Handler(_ context.Context, req *admin.CommandRequest) (interface{}, error) {
	data := req.ValidatorData.(validatedUpgradePlan)
	plan, err := c.control.RecordUpgradePlan(data.collaborator, data.newAddress, data.compatibilityHash)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"plan_id": plan.ID.String(),
		"status":  string(plan.Status),
	}, nil
}

var _ admin.AdminCommand = (*VerifyUpgradePlanCommand)(nil)

// VerifyUpgradePlanCommand checks that the migrated address answers a
// sentinel call and finalizes the plan.
type VerifyUpgradePlanCommand struct {
	control *admin.Control
}

func NewVerifyUpgradePlanCommand(control *admin.Control) *VerifyUpgradePlanCommand {
	return &VerifyUpgradePlanCommand{control: control}
}

func (c *VerifyUpgradePlanCommand) Validator(req *admin.CommandRequest) error {
	raw, ok := req.Data["plan_id"].(string)
	if !ok {
		return admin.NewInvalidAdminReqParameterError("plan_id", "expected hex string", req.Data["plan_id"])
	}
	id, err := custody.HexToIdentifier(raw)
	if err != nil {
		return admin.NewInvalidAdminReqParameterError("plan_id", err.Error(), raw)
	}
	req.ValidatorData = id
	return nil
}

func (c *VerifyUpgradePlanCommand) Handler(ctx context.Context, req *admin.CommandRequest) (interface{}, error) {
	id := req.ValidatorData.(custody.Identifier)
	plan, err := c.control.VerifyUpgradePlan(ctx, id, req.Initiator)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"plan_id": plan.ID.String(),
		"status":  string(plan.Status),
	}, nil
}
