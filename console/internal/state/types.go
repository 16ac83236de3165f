package state

import (
	"time"

	"airport-ops-console/console/internal/stream"
)

type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Incident struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Title         string         `json:"title"`
	Severity      string         `json:"severity"`
	Priority      string         `json:"priority"`
	State         string         `json:"state"`
	Status        string         `json:"status"`
	CreatedAt     string         `json:"created_at"`
	Location      *Location      `json:"location,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	VehicleID     string         `json:"vehicle_id,omitempty"`
	DriverName    string         `json:"driver_name,omitempty"`
	ZoneID        string         `json:"zone_id,omitempty"`
	AssigneeID    string         `json:"assignee_id,omitempty"`
	Raw           map[string]any `json:"raw,omitempty"`
}

type AssetClass string

const (
	ClassFleet AssetClass = "fleet"
	ClassRobot AssetClass = "robot"
)

type Asset struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Type          string     `json:"type"`
	Class         AssetClass `json:"class"`
	Status        string     `json:"status"`
	ZoneID        string     `json:"zone_id,omitempty"`
	Location      *Location  `json:"location,omitempty"`
	LastHeartbeat string     `json:"last_heartbeat,omitempty"`
	DriverName    string     `json:"driver_name,omitempty"`
	BatteryLevel  *float64   `json:"battery_level,omitempty"`
	SpeedKmh      *float64   `json:"speed_kmh,omitempty"`
}

type Ticket struct {
	ID          string `json:"id"`
	IncidentID  string `json:"incident_id"`
	Status      string `json:"status"`
	SLADeadline string `json:"sla_deadline"`
	AssigneeID  string `json:"assignee_id,omitempty"`
}

// RobotFeed is the most recent patrol start. It is replaced, never merged.
type RobotFeed struct {
	RobotID   string `json:"robot_id"`
	ZoneID    string `json:"zone_id,omitempty"`
	URL       string `json:"url"`
	Timestamp string `json:"timestamp"`
}

// State is the normalized client-side view of the ops stream. Values handed
// out by Reduce are never mutated afterwards: every change copies the map it
// touches.
type State struct {
	Incidents          map[string]Incident
	Assets             map[string]Asset
	Tickets            map[string]Ticket
	RobotFeed          *RobotFeed
	Filter             string
	SelectedIncidentID *string
	Connection         stream.Status
	LastEventAt        time.Time
}

func Empty() State {
	return State{
		Incidents:  map[string]Incident{},
		Assets:     map[string]Asset{},
		Tickets:    map[string]Ticket{},
		Connection: stream.StatusDisconnected,
	}
}
