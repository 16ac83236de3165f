package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCanonicalEnvelope(t *testing.T) {
	body := `{"id":"17-0","event":"incident.created","timestamp_utc":"2026-01-02T03:04:05Z","data":{"id":"X1","type":"fire_alarm"}}`
	env, err := Decode([]byte(body), "", "")
	require.NoError(t, err)
	assert.Equal(t, "17-0", env.ID)
	assert.Equal(t, IncidentCreated, env.Event)
	assert.Equal(t, "2026-01-02T03:04:05Z", env.Timestamp)
	payload, ok := env.PayloadMap()
	require.True(t, ok)
	assert.Equal(t, "X1", payload["id"])
}

func TestDecodeDoubleEncodedPayload(t *testing.T) {
	body := `{"event_id":"e-1","event_type":"incident.state_changed","timestamp":"t","payload":"{\"incident_id\":\"X1\",\"to_state\":\"resolved\"}"}`
	env, err := Decode([]byte(body), "", "")
	require.NoError(t, err)
	assert.Equal(t, "e-1", env.ID)
	assert.Equal(t, IncidentStateChanged, env.Event)
	payload, ok := env.PayloadMap()
	require.True(t, ok)
	assert.Equal(t, "resolved", payload["to_state"])
}

func TestDecodeUnparsableInnerPayloadPassesThrough(t *testing.T) {
	body := `{"id":"1","event":"telemetry.updated","data":"{not json"}`
	env, err := Decode([]byte(body), "", "")
	require.NoError(t, err)
	assert.Equal(t, "{not json", env.Data)
	_, ok := env.PayloadMap()
	assert.False(t, ok)
}

func TestDecodeFallsBackToFrameFields(t *testing.T) {
	env, err := Decode([]byte(`{"data":{"robotId":"R1"}}`), "99", "fleet.robot_patrol_started")
	require.NoError(t, err)
	assert.Equal(t, "99", env.ID)
	assert.Equal(t, RobotPatrolStarted, env.Event)

	hb, err := Decode(nil, "", "heartbeat")
	require.NoError(t, err)
	assert.Equal(t, SystemHeartbeat, hb.Event)
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	_, err := Decode([]byte(`{"id":`), "", "")
	assert.Error(t, err)

	_, err = Decode([]byte(`{"data":{}}`), "", "")
	assert.ErrorIs(t, err, ErrMissingEvent)

	_, err = Decode([]byte("   "), "", "")
	assert.ErrorIs(t, err, ErrEmptyFrame)
}

func TestAsObjectUnwrapsNestedPayload(t *testing.T) {
	m, ok := AsObject(map[string]any{"payload": map[string]any{"assetId": "A1"}})
	require.True(t, ok)
	assert.Equal(t, "A1", m["assetId"])

	m, ok = AsObject(map[string]any{"payload": `{"ticket_id":"T1"}`})
	require.True(t, ok)
	assert.Equal(t, "T1", m["ticket_id"])
}

func TestCanonicalTypes(t *testing.T) {
	assert.True(t, SystemReset.Canonical())
	assert.False(t, EventType("weather.updated").Canonical())
	assert.False(t, Wildcard.Canonical())
	assert.Equal(t, AssetStatusChanged, NormalizeType(" fleet.asset_status_changed "))
}
