package state

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"airport-ops-console/shared/workflow"
)

// Alias tables, in precedence order.
var (
	incidentCreatedIDKeys = []string{"id", "incident_id", "incidentId"}
	incidentRefIDKeys     = []string{"incident_id", "incidentId", "id"}
	targetStateKeys       = []string{"to_state", "toState", "state", "status"}
	assetIDKeys           = []string{"assetId", "asset_id", "id"}
	robotAssetIDKeys      = []string{"robotId", "robot_id", "id"}
	robotIDKeys           = []string{"robotId", "robot_id"}
	ticketIDKeys          = []string{"ticket_id", "ticketId", "id"}
	ticketIncidentKeys    = []string{"incident_id", "incidentId"}
	assigneeKeys          = []string{"assignee_id", "assigneeId"}
	zoneKeys              = []string{"zone_id", "zoneId"}
)

const (
	defaultIncidentType     = "UNKNOWN"
	defaultIncidentSeverity = "info"
	defaultIncidentState    = "New"
	defaultAssetType        = "UNKNOWN"
	defaultTicketStatus     = "Open"
)

var defaultAssetStatus = map[AssetClass]string{
	ClassFleet: "offline",
	ClassRobot: "idle",
}

// str returns the first non-empty value among keys. Numeric ids are
// rendered without a fractional part.
func str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case json.Number:
			return v.String()
		case bool:
			return strconv.FormatBool(v)
		}
	}
	return ""
}

func num(m map[string]any, keys ...string) *float64 {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return &v
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return &f
			}
		}
	}
	return nil
}

func obj(m map[string]any, keys ...string) map[string]any {
	for _, k := range keys {
		if o, ok := m[k].(map[string]any); ok {
			return o
		}
	}
	return nil
}

// location reads {lat,lng}, {latitude,longitude} or the schematic {x,y}
// form, nested under "location" or at the top level.
func location(m map[string]any) *Location {
	if loc := obj(m, "location", "position"); loc != nil {
		if l := flatLocation(loc); l != nil {
			return l
		}
	}
	return flatLocation(m)
}

func flatLocation(m map[string]any) *Location {
	lat := num(m, "lat", "latitude", "y")
	lng := num(m, "lng", "lon", "longitude", "x")
	if lat == nil || lng == nil {
		return nil
	}
	return &Location{Lat: *lat, Lng: *lng}
}

func stamp(m map[string]any, at time.Time, keys ...string) string {
	if s := str(m, keys...); s != "" {
		return s
	}
	return at.UTC().Format(time.RFC3339)
}

func titleFromType(t string) string {
	t = strings.TrimSpace(strings.ReplaceAll(t, "_", " "))
	if t == "" {
		return "Incident"
	}
	return t
}

func normalizeIncident(p map[string]any, id string, at time.Time) Incident {
	inc := Incident{
		ID:            id,
		Type:          firstOf(str(p, "type", "incident_type", "incidentType"), defaultIncidentType),
		Severity:      firstOf(str(p, "severity"), defaultIncidentSeverity),
		State:         firstOf(str(p, "state", "status"), defaultIncidentState),
		CreatedAt:     stamp(p, at, "created_at", "createdAt", "created_at_utc", "timestamp"),
		Location:      location(p),
		CorrelationID: str(p, "correlation_id", "correlationId"),
		VehicleID:     str(p, "vehicle_id", "vehicleId"),
		DriverName:    str(p, "driver_name", "driverName"),
		ZoneID:        str(p, zoneKeys...),
		AssigneeID:    str(p, assigneeKeys...),
		Raw:           p,
	}
	inc.Title = firstOf(str(p, "title", "type_label", "typeLabel"), titleFromType(inc.Type))
	inc.Priority = workflow.PriorityForSeverity(firstOf(str(p, "priority"), inc.Severity))
	inc.Status = workflow.NormalizeIncidentStatus(inc.State)
	return inc
}

// mergeAsset applies p onto existing field by field: a value in p wins,
// then the stored value, then the class default. LastHeartbeat is the
// exception: a status change counts as a heartbeat, so it falls back to the
// action time and never to the stored value.
func mergeAsset(existing *Asset, p map[string]any, id string, class AssetClass, at time.Time) Asset {
	var prev Asset
	if existing != nil {
		prev = *existing
	}
	if class == "" {
		class = assetClass(p, prev.Class)
	}
	a := Asset{
		ID:            id,
		Class:         class,
		Type:          firstOf(str(p, "assetType", "asset_type", "type"), prev.Type, defaultAssetType),
		Status:        firstOf(str(p, "status"), prev.Status, defaultAssetStatus[class]),
		ZoneID:        firstOf(str(p, "zoneId", "zone_id"), prev.ZoneID),
		DriverName:    firstOf(str(p, "driverName", "driver_name"), prev.DriverName),
		LastHeartbeat: stamp(p, at, "timestamp", "last_heartbeat", "lastHeartbeat"),
		Location:      prev.Location,
		BatteryLevel:  prev.BatteryLevel,
		SpeedKmh:      prev.SpeedKmh,
	}
	a.Name = firstOf(str(p, "name"), prev.Name, a.Type+" "+id)
	if loc := location(p); loc != nil {
		a.Location = loc
	}
	if v := num(p, "battery_level", "batteryLevel", "battery"); v != nil {
		a.BatteryLevel = v
	}
	if v := num(p, "speed_kmh", "speedKmh", "speed"); v != nil {
		a.SpeedKmh = v
	}
	return a
}

func assetClass(p map[string]any, prev AssetClass) AssetClass {
	switch AssetClass(strings.ToLower(str(p, "class", "asset_class", "assetClass"))) {
	case ClassRobot:
		return ClassRobot
	case ClassFleet:
		return ClassFleet
	}
	if prev != "" {
		return prev
	}
	if str(p, robotIDKeys...) != "" {
		return ClassRobot
	}
	return ClassFleet
}

func normalizeTicket(p map[string]any, id string, incidentID string, at time.Time) Ticket {
	return Ticket{
		ID:          id,
		IncidentID:  incidentID,
		Status:      firstOf(str(p, "status"), defaultTicketStatus),
		SLADeadline: stamp(p, at, "sla_deadline", "slaDeadline"),
		AssigneeID:  str(p, assigneeKeys...),
	}
}

func normalizeRobotFeed(p map[string]any, robotID string, at time.Time) RobotFeed {
	url := ""
	if refs := obj(p, "evidenceRefs", "evidence_refs"); refs != nil {
		url = str(refs, "robotCamUrl", "robot_cam_url")
	}
	return RobotFeed{
		RobotID:   robotID,
		ZoneID:    str(p, "zoneId", "zone_id"),
		URL:       firstOf(url, str(p, "url", "stream_url", "streamUrl")),
		Timestamp: stamp(p, at, "timestamp"),
	}
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
