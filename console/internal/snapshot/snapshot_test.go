package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"airport-ops-console/console/internal/router"
	"airport-ops-console/console/internal/state"
	"airport-ops-console/shared/clients/opsapi"
	"airport-ops-console/shared/config"
	"airport-ops-console/shared/events"
	"airport-ops-console/shared/logx"
)

type stubLister map[string]string

func (s stubLister) List(_ context.Context, path string) (json.RawMessage, error) {
	body, ok := s[path]
	if !ok {
		return nil, errors.New("unavailable")
	}
	return json.RawMessage(body), nil
}

// gatedLister serves stubLister bodies once release is closed.
type gatedLister struct {
	stubLister
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedLister(bodies stubLister) *gatedLister {
	return &gatedLister{stubLister: bodies, started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedLister) List(ctx context.Context, path string) (json.RawMessage, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.stubLister.List(ctx, path)
}

func TestFetchToleratesPartialFailure(t *testing.T) {
	l := NewLoader(stubLister{
		"/incidents":    `[{"id":"B1"},{"id":"B2"},"junk"]`,
		"/fleet/assets": `{"items":[{"id":"F1"}]}`,
		"/robots":       `{"oops":true}`,
	}, logx.Discard(), clocktesting.NewFakePassiveClock(time.Now()))

	snap, res := l.Fetch(context.Background())
	assert.Len(t, snap.Incidents, 2)
	assert.Len(t, snap.Assets, 1)
	assert.Empty(t, snap.Tickets)
	assert.Empty(t, snap.Robots)

	sort.Strings(res.Failed)
	assert.Equal(t, []string{"robots", "tickets"}, res.Failed)
}

func TestSyncReplacesStore(t *testing.T) {
	store := state.NewStore(logx.Discard(), nil)
	store.Dispatch(state.IncidentCreated{Payload: map[string]any{"id": "Z9"}, At: time.Now()})

	l := NewLoader(stubLister{"/incidents": `{"data":[{"id":"B1"}]}`}, logx.Discard(), nil)
	l.Sync(context.Background(), store)

	incidents := store.View().Incidents()
	require.Len(t, incidents, 1)
	assert.Equal(t, "B1", incidents[0].ID)
}

func TestFetchOverOpsAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/incidents":
			_, _ = w.Write([]byte(`[{"id":"X1","type":"medical"}]`))
		case "/tickets":
			_, _ = w.Write([]byte(`[{"id":"T1","incident_id":"X1"}]`))
		case "/robots":
			_, _ = w.Write([]byte(`[{"robot_id":"R1","status":"charging"}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	api, err := opsapi.New(config.Config{OpsAPIURL: srv.URL, OpsAPITimeoutMS: 1000}, opsapi.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	store := state.NewStore(logx.Discard(), nil)
	res := NewLoader(api, logx.Discard(), nil).Sync(context.Background(), store)
	assert.Equal(t, []string{"assets"}, res.Failed)

	v := store.View()
	assert.Len(t, v.Incidents(), 1)
	assert.Len(t, v.Tickets(), 1)
	robot, ok := v.Asset("R1")
	require.True(t, ok)
	assert.Equal(t, "charging", robot.Status)
	assert.Equal(t, state.ClassRobot, robot.Class)
}

func TestDecodeCollection(t *testing.T) {
	got, err := decodeCollection(json.RawMessage(`{"results":[{"id":1}]}`))
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = decodeCollection(json.RawMessage(`null`))
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = decodeCollection(json.RawMessage(`"text"`))
	assert.ErrorIs(t, err, errNotCollection)
}

func TestReloadKeepsEnvelopesDeliveredDuringFetch(t *testing.T) {
	store := state.NewStore(logx.Discard(), nil)
	r := router.New(logx.Discard())
	store.Bind(r)

	api := newGatedLister(stubLister{"/incidents": `[{"id":"B1"}]`})
	l := NewLoader(api, logx.Discard(), nil)
	var done <-chan Result
	r.OnReset(func(events.Envelope) { done = l.Reload(context.Background(), store) })

	route := func(body string) {
		env, err := events.Decode([]byte(body), "", "")
		require.NoError(t, err)
		r.HandleEnvelope(env)
	}
	route(`{"id":"1-0","event":"system.reset"}`)
	<-api.started
	route(`{"id":"2-0","event":"incident.created","data":{"id":"N1","type":"medical"}}`)
	route(`{"id":"3-0","event":"incident.updated","data":{"id":"B1","status":"in_progress"}}`)
	assert.Empty(t, store.View().Incidents(), "held until the snapshot lands")

	close(api.release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reload did not finish")
	}

	v := store.View()
	assert.False(t, store.Holding())
	_, ok := v.Incident("N1")
	assert.True(t, ok, "incident created during the fetch survives the snapshot")
	b1, ok := v.Incident("B1")
	require.True(t, ok)
	assert.Equal(t, "in_progress", b1.Status)

	route(`{"id":"4-0","event":"incident.created","data":{"id":"N2"}}`)
	_, ok = store.View().Incident("N2")
	assert.True(t, ok)
}
