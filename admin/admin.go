// Package admin implements the control plane: a command runner enforcing the
// role hierarchy over registered admin commands, and the Control facade that
// executes protective measures against the running system.
package admin

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/custodian-labs/custodian-go/model/custody"
)

// CommandRequest is one admin command invocation.
type CommandRequest struct {
	Command   string
	Initiator string
	Role      Role
	Data      map[string]interface{}

	// ValidatorData may be set by a command's Validator and persists when
	// the request is passed to its Handler.
	ValidatorData interface{}
}

// AdminCommand defines the interface expected of admin command handlers.
type AdminCommand interface {
	// Validator checks that the input forms a valid request. By convention,
	// Validator may set the ValidatorData field on the request. All errors
	// indicate an invalid request and must be InvalidAdminReqError.
	Validator(request *CommandRequest) error

	// Handler applies the state changes associated with the request and
	// returns any values to display to the initiator.
	Handler(ctx context.Context, request *CommandRequest) (interface{}, error)
}

type registration struct {
	command AdminCommand
	minRole Role
}

// CommandRunner dispatches admin requests to registered commands, enforcing
// the minimum role per command.
type CommandRunner struct {
	log zerolog.Logger

	mu       sync.RWMutex
	commands map[string]registration
	roles    map[string]Role
}

func NewCommandRunner(log zerolog.Logger) *CommandRunner {
	return &CommandRunner{
		log:      log.With().Str("component", "admin").Logger(),
		commands: make(map[string]registration),
		roles:    make(map[string]Role),
	}
}

// GrantRole assigns a role to an initiator, replacing any previous grant.
func (r *CommandRunner) GrantRole(initiator string, role Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[initiator] = role
}

// RoleOf returns the granted role of an initiator. Ungranted initiators
// hold RoleUser.
func (r *CommandRunner) RoleOf(initiator string) Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.roles[initiator]
	if !ok {
		return RoleUser
	}
	return role
}

// Register adds a command under its name. Re-registering a name replaces the
// previous command.
func (r *CommandRunner) Register(name string, minRole Role, command AdminCommand) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[name] = registration{command: command, minRole: minRole}
}

// Commands returns the registered command names.
func (r *CommandRunner) Commands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	return names
}

// RunCommand validates and executes one admin request.
func (r *CommandRunner) RunCommand(ctx context.Context, req *CommandRequest) (interface{}, error) {
	r.mu.RLock()
	reg, ok := r.commands[req.Command]
	r.mu.RUnlock()
	if !ok {
		return nil, NewInvalidAdminReqErrorf("unknown command: %s", req.Command)
	}

	if !req.Role.Covers(reg.minRole) {
		r.log.Warn().
			Str("command", req.Command).
			Str("initiator", req.Initiator).
			Str("role", req.Role.String()).
			Str("required", reg.minRole.String()).
			Msg("admin command refused")
		return nil, fmt.Errorf("command %s requires role %s, initiator %s has %s: %w",
			req.Command, reg.minRole, req.Initiator, req.Role, custody.ErrUnauthorized)
	}

	err := reg.command.Validator(req)
	if err != nil {
		return nil, fmt.Errorf("invalid request for command %s: %w", req.Command, err)
	}

	r.log.Info().
		Str("command", req.Command).
		Str("initiator", req.Initiator).
		Msg("running admin command")

	result, err := reg.command.Handler(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("command %s failed: %w", req.Command, err)
	}
	return result, nil
}
