package state

import (
	"time"

	"airport-ops-console/console/internal/stream"
	"airport-ops-console/shared/events"
)

// Action is one input to Reduce.
type Action interface {
	Name() string
}

// SnapshotLoaded carries the raw collections returned by the REST
// collaborators. Robots are folded into Assets with class robot.
type SnapshotLoaded struct {
	Incidents []map[string]any
	Tickets   []map[string]any
	Assets    []map[string]any
	Robots    []map[string]any
	At        time.Time
}

type IncidentCreated struct {
	Payload map[string]any
	At      time.Time
}

type IncidentStateChanged struct {
	Payload map[string]any
	At      time.Time
}

type IncidentUpdated struct {
	Payload map[string]any
	At      time.Time
}

type IncidentResolved struct {
	Payload map[string]any
	At      time.Time
}

type AssetStatusChanged struct {
	Payload map[string]any
	At      time.Time
}

type RobotPatrolStarted struct {
	Payload map[string]any
	At      time.Time
}

type TicketCreated struct {
	Payload map[string]any
	At      time.Time
}

type TicketUpdated struct {
	Payload map[string]any
	At      time.Time
}

type FilterSet struct {
	Text string
}

// SelectIncident replaces the selection. A nil ID clears it.
type SelectIncident struct {
	ID *string
}

type ConnectionChanged struct {
	Status stream.Status
}

// Reset drops every collection, the robot feed and the selection.
type Reset struct {
	At time.Time
}

func (SnapshotLoaded) Name() string       { return "snapshot_loaded" }
func (IncidentCreated) Name() string      { return "incident_created" }
func (IncidentStateChanged) Name() string { return "incident_state_changed" }
func (IncidentUpdated) Name() string      { return "incident_updated" }
func (IncidentResolved) Name() string     { return "incident_resolved" }
func (AssetStatusChanged) Name() string   { return "asset_status_changed" }
func (RobotPatrolStarted) Name() string   { return "robot_patrol_started" }
func (TicketCreated) Name() string        { return "ticket_created" }
func (TicketUpdated) Name() string        { return "ticket_updated" }
func (FilterSet) Name() string            { return "filter_set" }
func (SelectIncident) Name() string       { return "select_incident" }
func (ConnectionChanged) Name() string    { return "connection_changed" }
func (Reset) Name() string                { return "reset" }

// ReducedTypes lists the event types that map onto an Action.
var ReducedTypes = []events.EventType{
	events.IncidentCreated,
	events.IncidentStateChanged,
	events.IncidentUpdated,
	events.IncidentResolved,
	events.AssetStatusChanged,
	events.AssetMoved,
	events.RobotPatrolStarted,
	events.TicketCreated,
	events.TicketUpdated,
}

// ActionFor maps a routed envelope onto its reducer action. It reports
// false for types that are not reduced and for payloads that are not objects.
func ActionFor(env events.Envelope, at time.Time) (Action, bool) {
	if env.Event == events.SystemReset {
		return Reset{At: at}, true
	}
	p, ok := env.PayloadMap()
	if !ok {
		return nil, false
	}
	switch env.Event {
	case events.IncidentCreated:
		return IncidentCreated{Payload: p, At: at}, true
	case events.IncidentStateChanged:
		return IncidentStateChanged{Payload: p, At: at}, true
	case events.IncidentUpdated:
		return IncidentUpdated{Payload: p, At: at}, true
	case events.IncidentResolved:
		return IncidentResolved{Payload: p, At: at}, true
	case events.AssetStatusChanged, events.AssetMoved:
		return AssetStatusChanged{Payload: p, At: at}, true
	case events.RobotPatrolStarted:
		return RobotPatrolStarted{Payload: p, At: at}, true
	case events.TicketCreated:
		return TicketCreated{Payload: p, At: at}, true
	case events.TicketUpdated:
		return TicketUpdated{Payload: p, At: at}, true
	}
	return nil, false
}
