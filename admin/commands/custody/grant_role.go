package custody

import (
	"context"

	"github.com/custodian-labs/custodian-go/admin"
)

var _ admin.AdminCommand = (*GrantRoleCommand)(nil)

// GrantRoleCommand assigns an admin role to an initiator.
type GrantRoleCommand struct {
	runner *admin.CommandRunner
}

func NewGrantRoleCommand(runner *admin.CommandRunner) *GrantRoleCommand {
	return &GrantRoleCommand{runner: runner}
}

type validatedGrant struct {
	initiator string
	role      admin.Role
}

func (c *GrantRoleCommand) Validator(req *admin.CommandRequest) error {
	initiator, ok := req.Data["initiator"].(string)
	if !ok || initiator == "" {
		return admin.NewInvalidAdminReqParameterError("initiator", "expected non-empty string", req.Data["initiator"])
	}
	name, ok := req.Data["role"].(string)
	if !ok {
		return admin.NewInvalidAdminReqParameterError("role", "expected string", req.Data["role"])
	}
	role := admin.ParseRole(name)
	if role == admin.RoleUser && name != role.String() {
		return admin.NewInvalidAdminReqParameterError("role", "unknown role", name)
	}
	req.ValidatorData = validatedGrant{initiator: initiator, role: role}
	return nil
}

func (c *GrantRoleCommand) Handler(_ context.Context, req *admin.CommandRequest) (interface{}, error) {
	grant := req.ValidatorData.(validatedGrant)
	c.runner.GrantRole(grant.initiator, grant.role)
	return map[string]string{
		"initiator": grant.initiator,
		"role":      grant.role.String(),
	}, nil
}
