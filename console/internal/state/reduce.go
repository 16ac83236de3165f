package state

import (
	"maps"
	"strings"
	"time"

	"airport-ops-console/shared/workflow"
)

type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	// OutcomeMissingID means a required identity field could not be resolved.
	OutcomeMissingID Outcome = "missing_id"
	// OutcomeUnknownEntity means the referenced record is not in the store.
	OutcomeUnknownEntity Outcome = "unknown_entity"
	// OutcomeReopened is applied, but moved an incident out of resolved.
	OutcomeReopened Outcome = "reopened"
	OutcomeIgnored  Outcome = "ignored"
)

// Reduce applies a to s and returns the next state. s is never modified;
// when the outcome is not applied the returned state is s itself.
func Reduce(s State, a Action) (State, Outcome) {
	switch a := a.(type) {
	case SnapshotLoaded:
		return reduceSnapshot(s, a), OutcomeApplied
	case IncidentCreated:
		return reduceIncidentCreated(s, a)
	case IncidentStateChanged:
		id := str(a.Payload, incidentRefIDKeys...)
		target := str(a.Payload, targetStateKeys...)
		if id == "" || target == "" {
			return s, OutcomeMissingID
		}
		return setIncidentState(s, id, target, a.At)
	case IncidentUpdated:
		return reduceIncidentUpdated(s, a)
	case IncidentResolved:
		id := str(a.Payload, incidentRefIDKeys...)
		if id == "" {
			return s, OutcomeMissingID
		}
		return setIncidentState(s, id, workflow.IncidentStatusResolved, a.At)
	case AssetStatusChanged:
		return reduceAsset(s, a)
	case RobotPatrolStarted:
		id := str(a.Payload, robotIDKeys...)
		if id == "" {
			return s, OutcomeMissingID
		}
		feed := normalizeRobotFeed(a.Payload, id, a.At)
		s.RobotFeed = &feed
		s.LastEventAt = a.At
		return s, OutcomeApplied
	case TicketCreated:
		id := str(a.Payload, ticketIDKeys...)
		incidentID := str(a.Payload, ticketIncidentKeys...)
		if id == "" || incidentID == "" {
			return s, OutcomeMissingID
		}
		s.Tickets = with(s.Tickets, id, normalizeTicket(a.Payload, id, incidentID, a.At))
		s.LastEventAt = a.At
		return s, OutcomeApplied
	case TicketUpdated:
		return reduceTicketUpdated(s, a)
	case FilterSet:
		s.Filter = a.Text
		return s, OutcomeApplied
	case SelectIncident:
		if a.ID != nil {
			id := *a.ID
			a.ID = &id
		}
		s.SelectedIncidentID = a.ID
		return s, OutcomeApplied
	case ConnectionChanged:
		s.Connection = a.Status
		return s, OutcomeApplied
	case Reset:
		s.Incidents = map[string]Incident{}
		s.Assets = map[string]Asset{}
		s.Tickets = map[string]Ticket{}
		s.RobotFeed = nil
		s.SelectedIncidentID = nil
		s.LastEventAt = a.At
		return s, OutcomeApplied
	}
	return s, OutcomeIgnored
}

func reduceSnapshot(s State, a SnapshotLoaded) State {
	incidents := make(map[string]Incident, len(a.Incidents))
	for _, p := range a.Incidents {
		if id := str(p, incidentCreatedIDKeys...); id != "" {
			incidents[id] = normalizeIncident(p, id, a.At)
		}
	}
	tickets := make(map[string]Ticket, len(a.Tickets))
	for _, p := range a.Tickets {
		id := str(p, ticketIDKeys...)
		incidentID := str(p, ticketIncidentKeys...)
		if id != "" && incidentID != "" {
			tickets[id] = normalizeTicket(p, id, incidentID, a.At)
		}
	}
	assets := make(map[string]Asset, len(a.Assets)+len(a.Robots))
	for _, p := range a.Assets {
		if id := str(p, assetIDKeys...); id != "" {
			assets[id] = mergeAsset(nil, p, id, "", a.At)
		}
	}
	for _, p := range a.Robots {
		if id := str(p, robotAssetIDKeys...); id != "" {
			assets[id] = mergeAsset(nil, p, id, ClassRobot, a.At)
		}
	}
	s.Incidents = incidents
	s.Tickets = tickets
	s.Assets = assets
	s.LastEventAt = a.At
	return s
}

func reduceIncidentCreated(s State, a IncidentCreated) (State, Outcome) {
	id := str(a.Payload, incidentCreatedIDKeys...)
	if id == "" {
		return s, OutcomeMissingID
	}
	s.Incidents = with(s.Incidents, id, normalizeIncident(a.Payload, id, a.At))
	s.LastEventAt = a.At
	return s, OutcomeApplied
}

// setIncidentState replaces only the raw state and its derived status.
// Leaving resolved is allowed and reported as OutcomeReopened.
func setIncidentState(s State, id string, target string, at time.Time) (State, Outcome) {
	inc, ok := s.Incidents[id]
	if !ok {
		return s, OutcomeUnknownEntity
	}
	outcome := OutcomeApplied
	next := workflow.NormalizeIncidentStatus(target)
	if workflow.IsTerminal(inc.Status) && !workflow.IsTerminal(next) {
		outcome = OutcomeReopened
	}
	inc.State = target
	inc.Status = next
	s.Incidents = with(s.Incidents, id, inc)
	s.LastEventAt = at
	return s, outcome
}

func reduceIncidentUpdated(s State, a IncidentUpdated) (State, Outcome) {
	id := str(a.Payload, incidentRefIDKeys...)
	if id == "" {
		return s, OutcomeMissingID
	}
	inc, ok := s.Incidents[id]
	if !ok {
		return s, OutcomeUnknownEntity
	}
	target := str(a.Payload, targetStateKeys...)
	assignee := str(a.Payload, assigneeKeys...)
	if target == "" && assignee == "" {
		return s, OutcomeIgnored
	}
	outcome := OutcomeApplied
	if target != "" {
		s, outcome = setIncidentState(s, id, target, a.At)
		inc = s.Incidents[id]
	}
	if assignee != "" {
		inc.AssigneeID = assignee
		s.Incidents = with(s.Incidents, id, inc)
	}
	s.LastEventAt = a.At
	return s, outcome
}

func reduceAsset(s State, a AssetStatusChanged) (State, Outcome) {
	id := str(a.Payload, assetIDKeys...)
	if id == "" {
		return s, OutcomeMissingID
	}
	var existing *Asset
	if prev, ok := s.Assets[id]; ok {
		existing = &prev
	}
	s.Assets = with(s.Assets, id, mergeAsset(existing, a.Payload, id, "", a.At))
	s.LastEventAt = a.At
	return s, OutcomeApplied
}

func reduceTicketUpdated(s State, a TicketUpdated) (State, Outcome) {
	id := str(a.Payload, ticketIDKeys...)
	if id == "" {
		return s, OutcomeMissingID
	}
	t, ok := s.Tickets[id]
	if !ok {
		return s, OutcomeUnknownEntity
	}
	t.Status = firstOf(str(a.Payload, "status"), t.Status)
	t.AssigneeID = firstOf(str(a.Payload, assigneeKeys...), t.AssigneeID)
	t.SLADeadline = firstOf(str(a.Payload, "sla_deadline", "slaDeadline"), t.SLADeadline)
	s.Tickets = with(s.Tickets, id, t)
	s.LastEventAt = a.At
	return s, OutcomeApplied
}

// with returns a copy of m with key set to v.
func with[V any](m map[string]V, key string, v V) map[string]V {
	out := maps.Clone(m)
	if out == nil {
		out = make(map[string]V, 1)
	}
	out[key] = v
	return out
}

// Filtered returns the incidents whose title contains filter, ignoring case.
func Filtered(incidents []Incident, filter string) []Incident {
	needle := strings.ToLower(strings.TrimSpace(filter))
	if needle == "" {
		return incidents
	}
	out := make([]Incident, 0, len(incidents))
	for _, inc := range incidents {
		if strings.Contains(strings.ToLower(inc.Title), needle) {
			out = append(out, inc)
		}
	}
	return out
}
