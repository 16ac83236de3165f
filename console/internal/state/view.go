package state

import (
	"sort"
	"time"

	"airport-ops-console/console/internal/stream"
)

// View is a read-only snapshot of the store at one version.
type View struct {
	state   State
	version uint64
}

func (v View) Version() uint64 { return v.version }

func (v View) Connection() stream.Status { return v.state.Connection }

func (v View) Filter() string { return v.state.Filter }

func (v View) SelectedID() (string, bool) {
	if v.state.SelectedIncidentID == nil {
		return "", false
	}
	return *v.state.SelectedIncidentID, true
}

func (v View) Incident(id string) (Incident, bool) {
	inc, ok := v.state.Incidents[id]
	return inc, ok
}

// Incidents are ordered newest first, then by id.
func (v View) Incidents() []Incident {
	out := make([]Incident, 0, len(v.state.Incidents))
	for _, inc := range v.state.Incidents {
		out = append(out, inc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// FilteredIncidents applies the active filter to Incidents on every call.
func (v View) FilteredIncidents() []Incident {
	return Filtered(v.Incidents(), v.state.Filter)
}

func (v View) Asset(id string) (Asset, bool) {
	a, ok := v.state.Assets[id]
	return a, ok
}

func (v View) Assets() []Asset {
	out := make([]Asset, 0, len(v.state.Assets))
	for _, a := range v.state.Assets {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v View) Tickets() []Ticket {
	out := make([]Ticket, 0, len(v.state.Tickets))
	for _, t := range v.state.Tickets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TicketsFor returns the tickets linked to incidentID.
func (v View) TicketsFor(incidentID string) []Ticket {
	var out []Ticket
	for _, t := range v.Tickets() {
		if t.IncidentID == incidentID {
			out = append(out, t)
		}
	}
	return out
}

func (v View) RobotFeed() (RobotFeed, bool) {
	if v.state.RobotFeed == nil {
		return RobotFeed{}, false
	}
	return *v.state.RobotFeed, true
}

// Summary is the JSON form of a View.
type Summary struct {
	Version           uint64        `json:"version"`
	Connection        stream.Status `json:"connection"`
	Filter            string        `json:"filter"`
	SelectedID        *string       `json:"selected_incident_id"`
	Incidents         []Incident    `json:"incidents"`
	FilteredIncidents []Incident    `json:"filtered_incidents"`
	Assets            []Asset       `json:"assets"`
	Tickets           []Ticket      `json:"tickets"`
	RobotFeed         *RobotFeed    `json:"robot_feed"`
	LastEventAt       string        `json:"last_event_at,omitempty"`
}

func (v View) Summary() Summary {
	out := Summary{
		Version:           v.version,
		Connection:        v.state.Connection,
		Filter:            v.state.Filter,
		Incidents:         v.Incidents(),
		FilteredIncidents: v.FilteredIncidents(),
		Assets:            v.Assets(),
		Tickets:           v.Tickets(),
	}
	if id, ok := v.SelectedID(); ok {
		out.SelectedID = &id
	}
	if feed, ok := v.RobotFeed(); ok {
		out.RobotFeed = &feed
	}
	if !v.state.LastEventAt.IsZero() {
		out.LastEventAt = v.state.LastEventAt.UTC().Format(time.RFC3339)
	}
	return out
}
