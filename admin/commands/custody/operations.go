package custody

import (
	"context"

	"github.com/custodian-labs/custodian-go/admin"
	"github.com/custodian-labs/custodian-go/model/custody"
)

var _ admin.AdminCommand = (*CancelOperationCommand)(nil)

// CancelOperationCommand cancels an operation that has not started executing
// yet. In-progress operations run to their next terminal state.
type CancelOperationCommand struct {
	control *admin.Control
}

func NewCancelOperationCommand(control *admin.Control) *CancelOperationCommand {
	return &CancelOperationCommand{control: control}
}

func (c *CancelOperationCommand) Validator(req *admin.CommandRequest) error {
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

func (c *CancelOperationCommand) Handler(_ context.Context, req *admin.CommandRequest) (interface{}, error) {
	id := req.ValidatorData.(custody.Identifier)
	err := c.control.CancelOperation(id)
	if err != nil {
		return nil, err
	}
	return "operation cancelled", nil
}

var _ admin.AdminCommand = (*SystemStatusCommand)(nil)

// SystemStatusCommand reports the system flag snapshot and the protective
// state in force.
type SystemStatusCommand struct {
	control *admin.Control
}

func NewSystemStatusCommand(control *admin.Control) *SystemStatusCommand {
	return &SystemStatusCommand{control: control}
}

func (c *SystemStatusCommand) Validator(_ *admin.CommandRequest) error {
	return nil
}

func (c *SystemStatusCommand) Handler(_ context.Context, _ *admin.CommandRequest) (interface{}, error) {
	return c.control.Status(), nil
}
