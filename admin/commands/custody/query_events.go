package custody

import (
	"context"

	"github.com/custodian-labs/custodian-go/admin"
	"github.com/custodian-labs/custodian-go/model/custody"
	"github.com/custodian-labs/custodian-go/module/events"
)

const defaultEventQueryLimit = 50

var _ admin.AdminCommand = (*QueryEventsCommand)(nil)

// QueryEventsCommand returns recent event history, optionally filtered by
// event type or correlation id.
type QueryEventsCommand struct {
	bus *events.Bus
}

func NewQueryEventsCommand(bus *events.Bus) *QueryEventsCommand {
	return &QueryEventsCommand{bus: bus}
}

type validatedEventQuery struct {
	eventType     custody.EventType
	correlationID uint64
	byCorrelation bool
	limit         int
}

func (c *QueryEventsCommand) Validator(req *admin.CommandRequest) error {
	var query validatedEventQuery
	query.limit = defaultEventQueryLimit

	if raw, ok := req.Data["limit"]; ok {
		limit, ok := raw.(float64)
		if !ok || limit <= 0 {
			return admin.NewInvalidAdminReqParameterError("limit", "expected positive number", raw)
		}
		query.limit = int(limit)
	}
	if raw, ok := req.Data["type"]; ok {
		name, ok := raw.(string)
		if !ok || name == "" {
			return admin.NewInvalidAdminReqParameterError("type", "expected non-empty string", raw)
		}
		query.eventType = custody.EventType(name)
	}
	if raw, ok := req.Data["correlation_id"]; ok {
		id, ok := raw.(float64)
		if !ok || id < 0 {
			return admin.NewInvalidAdminReqParameterError("correlation_id", "expected non-negative number", raw)
		}
		query.correlationID = uint64(id)
		query.byCorrelation = true
	}
	req.ValidatorData = query
	return nil
}

func (c *QueryEventsCommand) Handler(_ context.Context, req *admin.CommandRequest) (interface{}, error) {
	query := req.ValidatorData.(validatedEventQuery)

	var matched []custody.Event
	switch {
	case query.byCorrelation:
		matched = c.bus.ByCorrelation(query.correlationID)
	case query.eventType != "":
		matched = c.bus.ByType(query.eventType, query.limit)
	default:
		matched = c.bus.Recent(query.limit)
	}
	if len(matched) > query.limit {
		matched = matched[len(matched)-query.limit:]
	}

	out := make([]map[string]interface{}, 0, len(matched))
	for _, ev := range matched {
		out = append(out, map[string]interface{}{
			"sequence":       ev.Sequence,
			"correlation_id": ev.CorrelationID,
			"type":           string(ev.Type),
			"user":           ev.User,
			"data1":          ev.Data1,
			"data2":          ev.Data2,
			"payload":        ev.Payload,
			"timestamp":      ev.Timestamp,
		})
	}
	return out, nil
}
