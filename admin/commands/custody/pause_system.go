// Package custody implements the admin commands of the custody control
// plane: pause/resume, emergency responses, upgrade coordination and
// operation management.
package custody

import (
	"context"

	"github.com/custodian-labs/custodian-go/admin"
)

var _ admin.AdminCommand = (*PauseSystemCommand)(nil)

// PauseSystemCommand stops all new submissions. Running operations finish
// normally.
type PauseSystemCommand struct {
	control *admin.Control
}

func NewPauseSystemCommand(control *admin.Control) *PauseSystemCommand {
	return &PauseSystemCommand{control: control}
}

func (c *PauseSystemCommand) Validator(_ *admin.CommandRequest) error {
	return nil
}

func (c *PauseSystemCommand) Handler(_ context.Context, req *admin.CommandRequest) (interface{}, error) {
	err := c.control.Pause(req.Initiator)
	if err != nil {
		return nil, err
	}
	return "system paused", nil
}

var _ admin.AdminCommand = (*ResumeSystemCommand)(nil)

// ResumeSystemCommand reopens submissions after a pause.
type ResumeSystemCommand struct {
	control *admin.Control
}

func NewResumeSystemCommand(control *admin.Control) *ResumeSystemCommand {
	return &ResumeSystemCommand{control: control}
}

func (c *ResumeSystemCommand) Validator(_ *admin.CommandRequest) error {
	return nil
}

func (c *ResumeSystemCommand) Handler(_ context.Context, req *admin.CommandRequest) (interface{}, error) {
	err := c.control.Resume(req.Initiator)
	if err != nil {
		return nil, err
	}
	return "system resumed", nil
}
