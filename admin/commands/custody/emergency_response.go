package custody

import (
	"context"

	"github.com/custodian-labs/custodian-go/admin"
	"github.com/custodian-labs/custodian-go/model/custody"
)

var _ admin.AdminCommand = (*EmergencyResponseCommand)(nil)

// EmergencyResponseCommand executes one protective measure: a system-wide
// halt, an address freeze, a contract isolation or reserve protection.
type EmergencyResponseCommand struct {
	control *admin.Control
}

func NewEmergencyResponseCommand(control *admin.Control) *EmergencyResponseCommand {
	return &EmergencyResponseCommand{control: control}
}

type validatedEmergencyResponse struct {
	responseType custody.EmergencyResponseType
	reason       string
	affected     []string
}

func (c *EmergencyResponseCommand) Validator(req *admin.CommandRequest) error {
	rawType, ok := req.Data["type"].(string)
	if !ok {
		return admin.NewInvalidAdminReqParameterError("type", "expected string", req.Data["type"])
	}
	responseType := custody.EmergencyResponseType(rawType)
	switch responseType {
	case custody.EmergencySystemWideHalt,
		custody.EmergencyAddressFreeze,
		custody.EmergencyContractIsolation,
		custody.EmergencyReserveProtection:
	default:
		return admin.NewInvalidAdminReqParameterError("type", "unknown response type", rawType)
	}

	reason, ok := req.Data["reason"].(string)
	if !ok || reason == "" {
		return admin.NewInvalidAdminReqParameterError("reason", "expected non-empty string", req.Data["reason"])
	}

	var affected []string
	if raw, present := req.Data["affected"]; present {
		list, ok := raw.([]interface{})
		if !ok {
			return admin.NewInvalidAdminReqParameterError("affected", "expected list of strings", raw)
		}
		for _, entry := range list {
			s, ok := entry.(string)
			if !ok {
				return admin.NewInvalidAdminReqParameterError("affected", "expected list of strings", entry)
			}
			affected = append(affected, s)
		}
	}

	req.ValidatorData = validatedEmergencyResponse{
		responseType: responseType,
		reason:       reason,
		affected:     affected,
	}
	return nil
}

func (c *EmergencyResponseCommand) Handler(ctx context.Context, req *admin.CommandRequest) (interface{}, error) {
	data := req.ValidatorData.(validatedEmergencyResponse)
	err := c.control.ExecuteEmergencyResponseAffecting(ctx, data.responseType, req.Initiator, data.reason, data.affected)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"type":     string(data.responseType),
		"affected": data.affected,
	}, nil
}

var _ admin.AdminCommand = (*ResolveEmergencyResponseCommand)(nil)

// ResolveEmergencyResponseCommand reverses a protective measure and retires
// it from the active set.
type ResolveEmergencyResponseCommand struct {
	control *admin.Control
}

func NewResolveEmergencyResponseCommand(control *admin.Control) *ResolveEmergencyResponseCommand {
	return &ResolveEmergencyResponseCommand{control: control}
}

func (c *ResolveEmergencyResponseCommand) Validator(req *admin.CommandRequest) error {
	raw, ok := req.Data["response_id"].(string)
	if !ok {
		return admin.NewInvalidAdminReqParameterError("response_id", "expected hex string", req.Data["response_id"])
	}
	id, err := custody.HexToIdentifier(raw)
	if err != nil {
		return admin.NewInvalidAdminReqParameterError("response_id", err.Error(), raw)
	}
	req.ValidatorData = id
	return nil
}

func (c *ResolveEmergencyResponseCommand) Handler(_ context.Context, req *admin.CommandRequest) (interface{}, error) {
	id := req.ValidatorData.(custody.Identifier)
	err := c.control.ResolveEmergencyResponse(id, req.Initiator)
	if err != nil {
		return nil, err
	}
	return "response resolved", nil
}

var _ admin.AdminCommand = (*ListEmergencyResponsesCommand)(nil)

// ListEmergencyResponsesCommand lists the protective measures currently in
// force.
type ListEmergencyResponsesCommand struct {
	control *admin.Control
}

func NewListEmergencyResponsesCommand(control *admin.Control) *ListEmergencyResponsesCommand {
	return &ListEmergencyResponsesCommand{control: control}
}

func (c *ListEmergencyResponsesCommand) Validator(_ *admin.CommandRequest) error {
	return nil
}

func (c *ListEmergencyResponsesCommand) Handler(_ context.Context, _ *admin.CommandRequest) (interface{}, error) {
	active, err := c.control.ActiveResponses()
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, 0, len(active))
	for _, response := range active {
		out = append(out, map[string]interface{}{
			"id":          response.ID.String(),
			"type":        string(response.Type),
			"initiator":   response.Initiator,
			"reason":      response.Reason,
			"affected":    response.Affected,
			"executed_at": response.ExecutedAt,
		})
	}
	return out, nil
}
