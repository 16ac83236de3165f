package router

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"airport-ops-console/console/internal/stream"
	"airport-ops-console/shared/events"
	"airport-ops-console/shared/logx"
)

func TestDispatchOrderAndWildcard(t *testing.T) {
	r := New(logx.Discard())
	var calls []string
	r.On(events.IncidentCreated, func(events.Envelope) { calls = append(calls, "first") })
	r.On(events.IncidentCreated, func(events.Envelope) { calls = append(calls, "second") })
	r.On(events.Wildcard, func(env events.Envelope) { calls = append(calls, "wildcard:"+string(env.Event)) })

	r.HandleEnvelope(events.Envelope{Event: events.IncidentCreated})
	r.HandleEnvelope(events.Envelope{Event: "weather.updated"})

	assert.Equal(t, []string{"first", "second", "wildcard:incident.created", "wildcard:weather.updated"}, calls)
}

func TestHeartbeatIsNeverForwarded(t *testing.T) {
	r := New(logx.Discard())
	called := false
	r.On(events.Wildcard, func(events.Envelope) { called = true })
	r.On(events.SystemHeartbeat, func(events.Envelope) { called = true })

	r.HandleEnvelope(events.Envelope{Event: events.SystemHeartbeat})
	assert.False(t, called)
}

func TestResetRunsHookFirst(t *testing.T) {
	r := New(logx.Discard())
	var calls []string
	r.On(events.Wildcard, func(events.Envelope) { calls = append(calls, "wildcard") })
	r.On(events.SystemReset, func(events.Envelope) { calls = append(calls, "handler") })
	r.OnReset(func(events.Envelope) { calls = append(calls, "hook") })

	r.HandleEnvelope(events.Envelope{Event: events.SystemReset})
	assert.Equal(t, []string{"hook", "handler", "wildcard"}, calls)
}

func TestCloseRemovesOnlyThatSubscription(t *testing.T) {
	r := New(logx.Discard())
	var a, b int
	subA := r.On(events.TicketCreated, func(events.Envelope) { a++ })
	r.On(events.TicketCreated, func(events.Envelope) { b++ })

	subA.Close()
	subA.Close()
	r.Off(subA)
	r.HandleEnvelope(events.Envelope{Event: events.TicketCreated})

	assert.Equal(t, 0, a)
	assert.Equal(t, 1, b)
	assert.Equal(t, 1, r.Subscribers(events.TicketCreated))
}

func TestUnsubscribeDuringDispatch(t *testing.T) {
	r := New(logx.Discard())
	var second int
	var sub *Subscription
	sub = r.On(events.AssetMoved, func(events.Envelope) { sub.Close() })
	r.On(events.AssetMoved, func(events.Envelope) { second++ })

	r.HandleEnvelope(events.Envelope{Event: events.AssetMoved})
	r.HandleEnvelope(events.Envelope{Event: events.AssetMoved})

	assert.Equal(t, 2, second)
	assert.Equal(t, 1, r.Subscribers(events.AssetMoved))
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	r := New(logx.Discard())
	ran := false
	r.On(events.IncidentUpdated, func(events.Envelope) { panic("boom") })
	r.On(events.IncidentUpdated, func(events.Envelope) { ran = true })

	assert.NotPanics(t, func() { r.HandleEnvelope(events.Envelope{Event: events.IncidentUpdated}) })
	assert.True(t, ran)
}

func TestGroupClosesAll(t *testing.T) {
	r := New(logx.Discard())
	g := NewGroup()
	var statuses []stream.Status
	g.Add(r.On(events.IncidentCreated, func(events.Envelope) {}))
	g.Add(r.OnStatus(func(s stream.Status) { statuses = append(statuses, s) }))

	r.HandleStatus(stream.StatusConnected)
	g.Close()
	r.HandleStatus(stream.StatusDisconnected)

	assert.Equal(t, []stream.Status{stream.StatusConnected}, statuses)
	assert.Equal(t, 0, r.Subscribers(events.IncidentCreated))

	late := g.Add(r.On(events.IncidentCreated, func(events.Envelope) {}))
	assert.NotNil(t, late)
	assert.Equal(t, 0, r.Subscribers(events.IncidentCreated))
}
