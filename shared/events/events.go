package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

type EventType string

// Canonical event types carried in the envelope "event" field.
const (
	IncidentCreated      EventType = "incident.created"
	IncidentUpdated      EventType = "incident.updated"
	IncidentResolved     EventType = "incident.resolved"
	IncidentStateChanged EventType = "incident.state_changed"
	AssetMoved           EventType = "asset.moved"
	AssetStatusChanged   EventType = "asset.status_changed"
	RobotPatrolStarted   EventType = "robot.patrol_started"
	TicketCreated        EventType = "ticket.created"
	TicketUpdated        EventType = "ticket.updated"
	TelemetryUpdated     EventType = "telemetry.updated"
	SystemHeartbeat      EventType = "system.heartbeat"
	SystemReset          EventType = "system.reset"

	// Wildcard receives every routed envelope regardless of type.
	Wildcard EventType = "message"
)

var canonical = map[EventType]bool{
	IncidentCreated:      true,
	IncidentUpdated:      true,
	IncidentResolved:     true,
	IncidentStateChanged: true,
	AssetMoved:           true,
	AssetStatusChanged:   true,
	RobotPatrolStarted:   true,
	TicketCreated:        true,
	TicketUpdated:        true,
	TelemetryUpdated:     true,
	SystemHeartbeat:      true,
	SystemReset:          true,
}

// Producer-specific names that mean the same thing as a canonical type.
var aliases = map[string]EventType{
	"heartbeat":                  SystemHeartbeat,
	"fleet.asset_status_changed": AssetStatusChanged,
	"fleet.robot_patrol_started": RobotPatrolStarted,
}

func (t EventType) Canonical() bool { return canonical[t] }

func (t EventType) String() string { return string(t) }

// NormalizeType maps a raw type string onto its canonical form. Unknown
// types are returned trimmed and unchanged.
func NormalizeType(raw string) EventType {
	raw = strings.TrimSpace(raw)
	if t, ok := aliases[strings.ToLower(raw)]; ok {
		return t
	}
	return EventType(raw)
}

// Envelope is one decoded stream event. Data holds the payload after the
// second decode pass: a map, slice, scalar, or the original string when the
// inner payload could not be parsed.
type Envelope struct {
	ID        string    `json:"id"`
	Event     EventType `json:"event"`
	Timestamp string    `json:"timestamp_utc"`
	Data      any       `json:"data"`
}

// wireEnvelope accepts both the canonical keys and the legacy
// event_id/event_type/timestamp/payload keys.
type wireEnvelope struct {
	ID           string          `json:"id"`
	EventID      string          `json:"event_id"`
	Event        string          `json:"event"`
	EventType    string          `json:"event_type"`
	TimestampUTC string          `json:"timestamp_utc"`
	Timestamp    string          `json:"timestamp"`
	Data         json.RawMessage `json:"data"`
	Payload      json.RawMessage `json:"payload"`
}

var (
	ErrEmptyFrame   = errors.New("empty frame")
	ErrMissingEvent = errors.New("envelope has no event type")
)

// Decode parses a frame body into an Envelope. fallbackID and fallbackType
// come from the transport framing (SSE id:/event: lines) and are used when
// the JSON body does not carry them.
func Decode(body []byte, fallbackID string, fallbackType string) (Envelope, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		if t := NormalizeType(fallbackType); t == SystemHeartbeat {
			return Envelope{ID: fallbackID, Event: t}, nil
		}
		return Envelope{}, ErrEmptyFrame
	}

	var wire wireEnvelope
	if err := json.Unmarshal(body, &wire); err != nil {
		return Envelope{}, err
	}

	env := Envelope{
		ID:        firstNonEmpty(wire.ID, wire.EventID, fallbackID),
		Event:     NormalizeType(firstNonEmpty(wire.Event, wire.EventType, fallbackType)),
		Timestamp: firstNonEmpty(wire.TimestampUTC, wire.Timestamp),
	}
	if env.Event == "" {
		return Envelope{}, ErrMissingEvent
	}

	raw := wire.Data
	if len(raw) == 0 {
		raw = wire.Payload
	}
	env.Data = DecodePayload(raw)
	return env, nil
}

// DecodePayload decodes a payload that may itself be a JSON-encoded string.
// A string that does not hold JSON is passed through unchanged.
func DecodePayload(raw json.RawMessage) any {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	s, ok := v.(string)
	if !ok {
		return v
	}
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return s
	}
	var inner any
	if err := json.Unmarshal([]byte(trimmed), &inner); err != nil {
		return s
	}
	return inner
}

// PayloadMap returns the envelope data as an object, unwrapping a nested
// "payload" key when a producer wrapped the body once more.
func (e Envelope) PayloadMap() (map[string]any, bool) {
	return AsObject(e.Data)
}

func AsObject(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	switch inner := m["payload"].(type) {
	case map[string]any:
		return inner, true
	case string:
		if obj, ok := DecodePayload(json.RawMessage(quote(inner))).(map[string]any); ok {
			return obj, true
		}
	}
	return m, true
}

func quote(s string) []byte {
	b, _ := json.Marshal(s)
	return b
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
