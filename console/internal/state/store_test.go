package state

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"airport-ops-console/console/internal/router"
	"airport-ops-console/console/internal/stream"
	"airport-ops-console/shared/events"
	"airport-ops-console/shared/logx"
)

func envelope(t *testing.T, body string) events.Envelope {
	t.Helper()
	env, err := events.Decode([]byte(body), "", "")
	require.NoError(t, err)
	return env
}

func newBoundStore(t *testing.T) (*Store, *router.Router, *router.Group) {
	t.Helper()
	clk := clocktesting.NewFakePassiveClock(at)
	store := NewStore(logx.Discard(), clk)
	r := router.New(logx.Discard())
	return store, r, store.Bind(r)
}

func TestStoreFollowsRoutedEnvelopes(t *testing.T) {
	store, r, _ := newBoundStore(t)

	r.HandleStatus(stream.StatusConnected)
	r.HandleEnvelope(envelope(t, `{"id":"1","event":"incident.created","data":"{\"payload\":{\"id\":\"X1\",\"type\":\"fire_alarm\"}}"}`))
	r.HandleEnvelope(envelope(t, `{"event_id":"2","event_type":"fleet.asset_status_changed","payload":{"assetId":"A1","status":"moving"}}`))
	r.HandleEnvelope(envelope(t, `{"id":"3","event":"asset.moved","data":{"asset_id":"A1","location":{"lat":2,"lng":3}}}`))
	r.HandleEnvelope(envelope(t, `{"id":"4","event":"ticket.created","data":{"ticket_id":"T1","incident_id":"X1"}}`))
	r.HandleEnvelope(envelope(t, `{"id":"5","event":"telemetry.updated","data":{"asset_id":"A1","speed_kmh":40}}`))

	v := store.View()
	assert.Equal(t, stream.StatusConnected, v.Connection())
	inc, ok := v.Incident("X1")
	require.True(t, ok)
	assert.Equal(t, "fire alarm", inc.Title)

	a, ok := v.Asset("A1")
	require.True(t, ok)
	assert.Equal(t, "moving", a.Status)
	assert.Equal(t, &Location{Lat: 2, Lng: 3}, a.Location)
	assert.Nil(t, a.SpeedKmh, "telemetry is not reduced")
	assert.Len(t, v.TicketsFor("X1"), 1)
}

func TestStoreResetOnSystemReset(t *testing.T) {
	store, r, _ := newBoundStore(t)
	r.HandleEnvelope(envelope(t, `{"event":"incident.created","data":{"id":"X1"}}`))
	require.Len(t, store.View().Incidents(), 1)

	r.HandleEnvelope(envelope(t, `{"event":"system.reset"}`))
	assert.Empty(t, store.View().Incidents())
}

func TestViewsAreImmutableSnapshots(t *testing.T) {
	store, r, _ := newBoundStore(t)
	r.HandleEnvelope(envelope(t, `{"event":"incident.created","data":{"id":"X1","type":"medical"}}`))
	before := store.View()

	r.HandleEnvelope(envelope(t, `{"event":"incident.state_changed","data":{"incident_id":"X1","to_state":"Closed"}}`))
	after := store.View()

	old, _ := before.Incident("X1")
	cur, _ := after.Incident("X1")
	assert.Equal(t, "open", old.Status)
	assert.Equal(t, "resolved", cur.Status)
	assert.Greater(t, after.Version(), before.Version())
}

func TestNoopDoesNotBumpVersion(t *testing.T) {
	store, r, _ := newBoundStore(t)
	v0 := store.View().Version()
	r.HandleEnvelope(envelope(t, `{"event":"incident.state_changed","data":{"incident_id":"NOPE","to_state":"resolved"}}`))
	assert.Equal(t, v0, store.View().Version())
}

func TestFilteredIncidentsFollowFilter(t *testing.T) {
	store, r, _ := newBoundStore(t)
	r.HandleEnvelope(envelope(t, `{"event":"incident.created","data":{"id":"X1","type":"fire_alarm"}}`))
	r.HandleEnvelope(envelope(t, `{"event":"incident.created","data":{"id":"X2","type":"baggage_jam"}}`))

	store.SetFilter("BAGGAGE")
	got := store.View().FilteredIncidents()
	require.Len(t, got, 1)
	assert.Equal(t, "X2", got[0].ID)

	store.SetFilter("")
	assert.Len(t, store.View().FilteredIncidents(), 2)
}

func TestMarkInProgress(t *testing.T) {
	store, r, _ := newBoundStore(t)
	r.HandleEnvelope(envelope(t, `{"event":"incident.created","data":{"id":"X1"}}`))

	assert.Equal(t, OutcomeApplied, store.MarkInProgress("X1"))
	inc, _ := store.View().Incident("X1")
	assert.Equal(t, "in_progress", inc.Status)
	assert.Equal(t, OutcomeUnknownEntity, store.MarkInProgress("X9"))
}

func TestClosedBindingStopsUpdates(t *testing.T) {
	store, r, g := newBoundStore(t)
	g.Close()
	r.HandleEnvelope(envelope(t, `{"event":"incident.created","data":{"id":"X1"}}`))
	r.HandleStatus(stream.StatusConnected)

	assert.Empty(t, store.View().Incidents())
	assert.Equal(t, stream.StatusDisconnected, store.View().Connection())
}

func TestConcurrentDispatchIsSerialized(t *testing.T) {
	store := NewStore(logx.Discard(), clocktesting.NewFakePassiveClock(time.Now()))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			store.Dispatch(IncidentCreated{Payload: map[string]any{"id": float64(i)}, At: at})
		}(i)
	}
	wg.Wait()
	assert.Len(t, store.View().Incidents(), 50)
	assert.Equal(t, uint64(50), store.View().Version())
}

func TestSummary(t *testing.T) {
	store, r, _ := newBoundStore(t)
	r.HandleEnvelope(envelope(t, `{"event":"robot.patrol_started","data":{"robotId":"R1"}}`))
	id := "X1"
	store.Select(&id)

	sum := store.View().Summary()
	require.NotNil(t, sum.RobotFeed)
	assert.Equal(t, "R1", sum.RobotFeed.RobotID)
	require.NotNil(t, sum.SelectedID)
	assert.Equal(t, "X1", *sum.SelectedID)
	assert.Equal(t, "2026-03-01T08:00:00Z", sum.LastEventAt)
}

func TestReloadAppliesHeldEnvelopesAfterSnapshot(t *testing.T) {
	store, r, _ := newBoundStore(t)
	first := store.BeginReload()
	r.HandleEnvelope(envelope(t, `{"event":"incident.created","data":{"id":"N1"}}`))
	assert.Empty(t, store.View().Incidents())

	second := store.BeginReload()
	r.HandleEnvelope(envelope(t, `{"event":"incident.created","data":{"id":"N2"}}`))

	assert.False(t, store.FinishReload(first, SnapshotLoaded{Incidents: []map[string]any{{"id": "OLD"}}}))
	assert.True(t, store.Holding())
	assert.Empty(t, store.View().Incidents())

	require.True(t, store.FinishReload(second, SnapshotLoaded{Incidents: []map[string]any{{"id": "B1"}}}))
	v := store.View()
	_, ok := v.Incident("B1")
	assert.True(t, ok)
	_, ok = v.Incident("N2")
	assert.True(t, ok)
	_, ok = v.Incident("N1")
	assert.False(t, ok, "held before the superseding reload")
	_, ok = v.Incident("OLD")
	assert.False(t, ok)
	assert.False(t, store.FinishReload(second, SnapshotLoaded{}))
}

func TestResetDropsHeldEnvelopes(t *testing.T) {
	store, r, _ := newBoundStore(t)
	seq := store.BeginReload()
	r.HandleEnvelope(envelope(t, `{"event":"incident.created","data":{"id":"N1"}}`))
	r.HandleEnvelope(envelope(t, `{"event":"system.reset"}`))
	r.HandleEnvelope(envelope(t, `{"event":"incident.created","data":{"id":"N2"}}`))

	require.True(t, store.FinishReload(seq, SnapshotLoaded{}))
	incidents := store.View().Incidents()
	require.Len(t, incidents, 1)
	assert.Equal(t, "N2", incidents[0].ID)
}
