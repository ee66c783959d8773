package custody

import (
	"context"

	"github.com/custodian-labs/custodian-go/admin"
)

var _ admin.AdminCommand = (*FreezeAddressCommand)(nil)

// FreezeAddressCommand blocks a single address from all operations without
// raising an emergency response.
type FreezeAddressCommand struct {
	control *admin.Control
	freeze  bool
}

func NewFreezeAddressCommand(control *admin.Control) *FreezeAddressCommand {
	return &FreezeAddressCommand{control: control, freeze: true}
}

func NewUnfreezeAddressCommand(control *admin.Control) *FreezeAddressCommand {
	return &FreezeAddressCommand{control: control, freeze: false}
}

func (c *FreezeAddressCommand) Validator(req *admin.CommandRequest) error {
	address, ok := req.Data["address"].(string)
	if !ok || address == "" {
		return admin.NewInvalidAdminReqParameterError("address", "expected non-empty string", req.Data["address"])
	}
	req.ValidatorData = address
	return nil
}

func (c *FreezeAddressCommand) Handler(_ context.Context, req *admin.CommandRequest) (interface{}, error) {
	address := req.ValidatorData.(string)
	if c.freeze {
		c.control.FreezeAddress(address)
		return "address frozen", nil
	}
	c.control.UnfreezeAddress(address)
	return "address unfrozen", nil
}
