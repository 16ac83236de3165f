package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"airport-ops-console/shared/events"
	"airport-ops-console/shared/logx"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type fakeConn struct {
	frames chan Frame
	done   chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan Frame, 16), done: make(chan struct{})}
}

func (c *fakeConn) Next() (Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.done:
		return Frame{}, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu      sync.Mutex
	fail    bool
	targets []string
	conns   []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, target string, _ string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.targets = append(d.targets, target)
	if d.fail {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.targets)
}

func (d *fakeDialer) setFail(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = v
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) target(i int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.targets[i]
}

type recordingSink struct {
	mu        sync.Mutex
	statuses  []Status
	envelopes []events.Envelope
}

func (s *recordingSink) HandleEnvelope(env events.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envelopes = append(s.envelopes, env)
}

func (s *recordingSink) HandleStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
}

func (s *recordingSink) statusLog() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Status(nil), s.statuses...)
}

func (s *recordingSink) received() []events.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Envelope(nil), s.envelopes...)
}

// blockingDialer accepts the dial and never answers until the context ends.
type blockingDialer struct {
	mu    sync.Mutex
	calls int
}

func (d *blockingDialer) Dial(ctx context.Context, _ string, _ string) (Conn, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (d *blockingDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func retryScheduled(tr *Transport) func() bool {
	return func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return tr.retry != nil
	}
}

func newTestTransport(d *fakeDialer, maxAttempts int) (*Transport, *recordingSink, *clocktesting.FakeClock) {
	clk := clocktesting.NewFakeClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	sink := &recordingSink{}
	tr := New(Options{
		URL:              "http://ops.local/stream/ops",
		HeartbeatTimeout: 15 * time.Second,
		ReconnectBase:    time.Second,
		ReconnectMax:     30 * time.Second,
		MaxAttempts:      maxAttempts,
		Dialer:           d,
		Clock:            clk,
		Logger:           logx.Discard(),
	}, sink)
	return tr, sink, clk
}

func TestConnectDeliversEnvelopesAndSkipsHeartbeats(t *testing.T) {
	d := &fakeDialer{}
	tr, sink, _ := newTestTransport(d, 0)
	tr.Connect()
	defer tr.Disconnect()

	require.Eventually(t, func() bool { return tr.Status() == StatusConnected }, waitFor, tick)
	tr.Connect()
	assert.Equal(t, 1, d.dials())

	c := d.conn(0)
	c.frames <- Frame{ID: "1-0", Data: []byte(`{"event":"incident.created","data":{"id":"X1"}}`)}
	c.frames <- Frame{ID: "2-0", Event: "heartbeat"}
	c.frames <- Frame{ID: "3-0", Data: []byte(`{"event":`)}
	c.frames <- Frame{ID: "4-0", Data: []byte(`{"event":"system.reset"}`)}

	require.Eventually(t, func() bool { return tr.LastEventID() == "4-0" }, waitFor, tick)
	require.Eventually(t, func() bool { return len(sink.received()) == 2 }, waitFor, tick)
	got := sink.received()
	assert.Equal(t, events.IncidentCreated, got[0].Event)
	assert.Equal(t, events.SystemReset, got[1].Event)
	assert.False(t, c.closed(), "parse errors must not drop the connection")
}

func TestHeartbeatTimeoutReconnectsWithResumeToken(t *testing.T) {
	d := &fakeDialer{}
	tr, sink, clk := newTestTransport(d, 0)
	tr.Connect()
	defer tr.Disconnect()

	require.Eventually(t, func() bool { return tr.Status() == StatusConnected }, waitFor, tick)
	d.conn(0).frames <- Frame{ID: "41-0", Data: []byte(`{"event":"ticket.created","data":{}}`)}
	require.Eventually(t, func() bool { return len(sink.received()) == 1 }, waitFor, tick)

	clk.Step(15 * time.Second)
	require.Eventually(t, func() bool { return tr.Status() == StatusDisconnected }, waitFor, tick)
	assert.True(t, d.conn(0).closed())

	require.Eventually(t, retryScheduled(tr), waitFor, tick)
	clk.Step(time.Second)
	require.Eventually(t, func() bool { return tr.Status() == StatusConnected && d.dials() == 2 }, waitFor, tick)

	assert.Equal(t, []Status{StatusConnected, StatusDisconnected, StatusReconnecting, StatusConnected}, sink.statusLog())
	assert.Equal(t, "http://ops.local/stream/ops?since=41-0", d.target(1))
}

func TestFramesKeepConnectionAlive(t *testing.T) {
	d := &fakeDialer{}
	tr, _, clk := newTestTransport(d, 0)
	tr.Connect()
	defer tr.Disconnect()

	require.Eventually(t, func() bool { return tr.Status() == StatusConnected }, waitFor, tick)
	for i := 0; i < 3; i++ {
		clk.Step(10 * time.Second)
		id := fmt.Sprintf("%d-0", i)
		d.conn(0).frames <- Frame{ID: id, Comment: true}
		require.Eventually(t, func() bool { return tr.LastEventID() == id }, waitFor, tick)
	}
	assert.Equal(t, StatusConnected, tr.Status())
	assert.Equal(t, 1, d.dials())
}

func TestConsecutiveFailuresEndInFailed(t *testing.T) {
	d := &fakeDialer{fail: true}
	tr, sink, clk := newTestTransport(d, 3)
	tr.Connect()
	defer tr.Disconnect()

	require.Eventually(t, retryScheduled(tr), waitFor, tick)
	clk.Step(999 * time.Millisecond)
	assert.Never(t, func() bool { return d.dials() > 1 }, 50*time.Millisecond, tick)
	clk.Step(time.Millisecond)
	require.Eventually(t, func() bool { return d.dials() == 2 }, waitFor, tick)

	require.Eventually(t, retryScheduled(tr), waitFor, tick)
	clk.Step(2 * time.Second)
	require.Eventually(t, func() bool { return tr.Status() == StatusFailed }, waitFor, tick)
	assert.Equal(t, 3, d.dials())
	assert.Equal(t, []Status{StatusReconnecting, StatusFailed}, sink.statusLog())
	assert.False(t, clk.HasWaiters())

	// a manual connect starts a fresh cycle
	d.setFail(false)
	tr.Connect()
	require.Eventually(t, func() bool { return tr.Status() == StatusConnected }, waitFor, tick)
	assert.Equal(t, 4, d.dials())
}

func TestSuccessfulConnectResetsBackoff(t *testing.T) {
	d := &fakeDialer{fail: true}
	tr, _, clk := newTestTransport(d, 0)
	tr.Connect()
	defer tr.Disconnect()

	require.Eventually(t, retryScheduled(tr), waitFor, tick)
	clk.Step(time.Second)
	require.Eventually(t, func() bool { return d.dials() == 2 }, waitFor, tick)
	require.Eventually(t, retryScheduled(tr), waitFor, tick)

	d.setFail(false)
	clk.Step(2 * time.Second)
	require.Eventually(t, func() bool { return tr.Status() == StatusConnected }, waitFor, tick)

	// drop the stream: the next delay starts from the base again
	_ = d.conn(0).Close()
	require.Eventually(t, func() bool { return tr.Status() == StatusDisconnected }, waitFor, tick)
	require.Eventually(t, retryScheduled(tr), waitFor, tick)
	clk.Step(time.Second)
	require.Eventually(t, func() bool { return d.dials() == 4 && tr.Status() == StatusConnected }, waitFor, tick)
}

func TestDisconnectCancelsTimers(t *testing.T) {
	d := &fakeDialer{fail: true}
	tr, sink, clk := newTestTransport(d, 0)
	tr.Connect()

	require.Eventually(t, retryScheduled(tr), waitFor, tick)
	tr.Disconnect()
	tr.Disconnect()
	assert.False(t, clk.HasWaiters())

	clk.Step(time.Hour)
	assert.Never(t, func() bool { return d.dials() > 1 }, 50*time.Millisecond, tick)
	assert.Equal(t, StatusDisconnected, tr.Status())
	assert.Empty(t, sink.statusLog())
}

func TestDisconnectStopsHeartbeat(t *testing.T) {
	d := &fakeDialer{}
	tr, sink, clk := newTestTransport(d, 0)
	tr.Connect()
	require.Eventually(t, func() bool { return tr.Status() == StatusConnected }, waitFor, tick)

	tr.Disconnect()
	assert.True(t, d.conn(0).closed())
	assert.False(t, clk.HasWaiters())
	clk.Step(time.Minute)
	assert.Never(t, func() bool { return d.dials() > 1 }, 50*time.Millisecond, tick)
	assert.Equal(t, []Status{StatusConnected, StatusDisconnected}, sink.statusLog())
}

func TestResumeStoreIsReadOnDial(t *testing.T) {
	d := &fakeDialer{}
	clk := clocktesting.NewFakeClock(time.Now())
	resume := &MemoryResumeStore{}
	require.NoError(t, resume.SaveLastEventID(context.Background(), "99-0"))
	tr := New(Options{URL: "http://ops.local/stream/ops", Dialer: d, Resume: resume, Clock: clk}, &recordingSink{})
	tr.Connect()
	defer tr.Disconnect()

	require.Eventually(t, func() bool { return tr.Status() == StatusConnected }, waitFor, tick)
	assert.Equal(t, "http://ops.local/stream/ops?since=99-0", d.target(0))

	d.conn(0).frames <- Frame{ID: "100-0", Comment: true}
	require.Eventually(t, func() bool {
		id, _ := resume.LastEventID(context.Background())
		return id == "100-0"
	}, waitFor, tick)
}

func TestStalledDialTimesOutAndCountsAsFailure(t *testing.T) {
	d := &blockingDialer{}
	clk := clocktesting.NewFakeClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	sink := &recordingSink{}
	tr := New(Options{
		URL:              "http://ops.local/stream/ops",
		HeartbeatTimeout: 15 * time.Second,
		ReconnectBase:    time.Second,
		ReconnectMax:     30 * time.Second,
		MaxAttempts:      2,
		Dialer:           d,
		Clock:            clk,
		Logger:           logx.Discard(),
	}, sink)
	tr.Connect()
	defer tr.Disconnect()

	require.Eventually(t, func() bool { return d.dials() == 1 }, waitFor, tick)
	clk.Step(15 * time.Second)
	require.Eventually(t, retryScheduled(tr), waitFor, tick)

	clk.Step(time.Second)
	require.Eventually(t, func() bool { return d.dials() == 2 }, waitFor, tick)
	assert.Equal(t, StatusReconnecting, tr.Status())

	clk.Step(15 * time.Second)
	require.Eventually(t, func() bool { return tr.Status() == StatusFailed }, waitFor, tick)
	assert.False(t, clk.HasWaiters())
	assert.Equal(t, []Status{StatusReconnecting, StatusDisconnected, StatusFailed}, sink.statusLog())

	// a manual connect is accepted once the transport has given up
	tr.Connect()
	require.Eventually(t, func() bool { return d.dials() == 3 }, waitFor, tick)
}

func TestOversizedFrameIsDroppedWithoutReconnect(t *testing.T) {
	d := &fakeDialer{}
	tr, sink, _ := newTestTransport(d, 0)
	tr.Connect()
	defer tr.Disconnect()

	require.Eventually(t, func() bool { return tr.Status() == StatusConnected }, waitFor, tick)
	c := d.conn(0)
	c.frames <- Frame{ID: "5-0", Oversized: true}
	c.frames <- Frame{ID: "6-0", Data: []byte(`{"event":"incident.created","data":{"id":"X6"}}`)}

	require.Eventually(t, func() bool { return len(sink.received()) == 1 }, waitFor, tick)
	assert.Equal(t, "6-0", sink.received()[0].ID)
	assert.Equal(t, "6-0", tr.LastEventID())
	assert.False(t, c.closed())
	assert.Equal(t, 1, d.dials())
}
