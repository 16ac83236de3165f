package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"k8s.io/utils/clock"

	"airport-ops-console/shared/events"
	"airport-ops-console/shared/logx"
	"airport-ops-console/shared/metricsx"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	// StatusFailed is terminal: retries are exhausted until Connect is called again.
	StatusFailed Status = "failed"
)

const (
	causeConnectTimeout   = "connect_timeout"
	causeHeartbeatTimeout = "heartbeat_timeout"
)

// Sink receives decoded envelopes and status changes. HandleStatus is called
// with the transport lock held and must not call back into the Transport.
type Sink interface {
	HandleEnvelope(env events.Envelope)
	HandleStatus(status Status)
}

type Options struct {
	URL              string
	HeartbeatTimeout time.Duration
	// ConnectTimeout bounds dialing until response headers arrive. Zero
	// uses HeartbeatTimeout.
	ConnectTimeout time.Duration
	ReconnectBase  time.Duration
	ReconnectMax   time.Duration
	// MaxAttempts is the number of consecutive failures before the transport
	// gives up with StatusFailed. Zero retries forever.
	MaxAttempts int
	Dialer      Dialer
	Resume      ResumeStore
	Clock       clock.WithDelayedExecution
	Logger      logx.Logger
}

// Transport owns a single streaming connection and keeps it alive.
type Transport struct {
	url              string
	heartbeatTimeout time.Duration
	connectTimeout   time.Duration
	maxAttempts      int
	dialer           Dialer
	resume           ResumeStore
	clock            clock.WithDelayedExecution
	log              logx.Logger
	sink             Sink

	mu        sync.Mutex
	gen       uint64
	hbSeq     uint64
	active    bool
	status    Status
	conn      Conn
	cancel    context.CancelFunc
	heartbeat clock.Timer
	retry     clock.Timer
	backoff   *backoff.ExponentialBackOff
	failures  int
	lastID    string

	deliverMu sync.Mutex
}

func New(opts Options, sink Sink) *Transport {
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 15 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = opts.HeartbeatTimeout
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = &HTTPDialer{}
	}
	if opts.Resume == nil {
		opts.Resume = &MemoryResumeStore{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Transport{
		url:              opts.URL,
		heartbeatTimeout: opts.HeartbeatTimeout,
		connectTimeout:   opts.ConnectTimeout,
		maxAttempts:      opts.MaxAttempts,
		dialer:           opts.Dialer,
		resume:           opts.Resume,
		clock:            opts.Clock,
		log:              opts.Logger.Component("stream"),
		sink:             sink,
		status:           StatusDisconnected,
		backoff:          newBackOff(opts.ReconnectBase, opts.ReconnectMax),
	}
}

func (t *Transport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Transport) LastEventID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastID
}

// Connect starts the connection loop. It is a no-op while a connection is
// open, being dialed or waiting for a retry. Errors surface only as status.
func (t *Transport) Connect() {
	t.mu.Lock()
	if t.active {
		t.mu.Unlock()
		return
	}
	t.active = true
	t.failures = 0
	t.backoff.Reset()
	t.gen++
	gen := t.gen
	ctx := t.newContextLocked()
	t.armWatchdogLocked(t.connectTimeout, causeConnectTimeout)
	t.mu.Unlock()

	go t.dial(ctx, gen)
}

// Disconnect closes the connection and cancels both timers. Goroutines of
// the closed connection observe a new generation and exit without effect.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = false
	t.gen++
	t.teardownLocked()
	t.stopRetryLocked()
	t.setStatusLocked(StatusDisconnected)
}

func (t *Transport) dial(ctx context.Context, gen uint64) {
	lastID := t.readResumeID(ctx)
	target, err := ResumeURL(t.url, lastID)
	if err != nil {
		t.log.Error(ctx, "stream_url_invalid", "stream url cannot be parsed",
			slog.String("error_code", "INVALID_ARGUMENT"),
			slog.String("error", err.Error()),
		)
		t.mu.Lock()
		defer t.mu.Unlock()
		if gen == t.gen {
			t.teardownLocked()
			t.failLocked("invalid_url")
		}
		return
	}

	conn, err := t.dialer.Dial(ctx, target, lastID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		t.log.Warn(ctx, "stream_connect_failed", "stream connect failed",
			slog.String("error_code", "UNAVAILABLE"),
			slog.String("error", err.Error()),
			slog.Int("failures", t.failures+1),
		)
		t.teardownLocked()
		t.failLocked("connect_error")
		return
	}

	t.conn = conn
	t.failures = 0
	t.backoff.Reset()
	t.armHeartbeatLocked()
	t.setStatusLocked(StatusConnected)
	t.log.Info(ctx, "stream_connected", "stream connected",
		slog.String("since", lastID),
	)
	go t.read(ctx, gen, conn)
}

func (t *Transport) read(ctx context.Context, gen uint64, conn Conn) {
	for {
		frame, err := conn.Next()
		if err != nil {
			t.mu.Lock()
			if gen == t.gen {
				t.log.Warn(ctx, "stream_dropped", "stream connection dropped",
					slog.String("error_code", "UNAVAILABLE"),
					slog.String("error", err.Error()),
				)
				t.gen++
				t.teardownLocked()
				t.setStatusLocked(StatusDisconnected)
				t.failLocked("stream_error")
			}
			t.mu.Unlock()
			return
		}
		if !t.touch(gen, frame.ID) {
			return
		}
		if frame.ID != "" {
			t.saveResumeID(ctx, frame.ID)
		}
		if frame.Comment {
			continue
		}
		if frame.Oversized {
			metricsx.IncStreamParseError()
			t.log.Warn(ctx, "stream_frame_dropped", "stream frame exceeds size limit",
				slog.String("error_code", "RESOURCE_EXHAUSTED"),
				slog.String("event_id", frame.ID),
				slog.Int("limit_bytes", maxFrameBytes),
			)
			continue
		}
		env, err := events.Decode(frame.Data, frame.ID, frame.Event)
		if err != nil {
			metricsx.IncStreamParseError()
			t.log.Warn(ctx, "stream_frame_dropped", "stream frame could not be decoded",
				slog.String("error_code", "INVALID_ARGUMENT"),
				slog.String("error", err.Error()),
				slog.String("event_id", frame.ID),
			)
			continue
		}
		metricsx.IncStreamFrame(string(env.Event))
		if env.Event == events.SystemHeartbeat {
			continue
		}
		t.deliver(gen, env)
	}
}

// touch records liveness for the current generation. It reports false when
// the connection was replaced and the reader should stop.
func (t *Transport) touch(gen uint64, id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		return false
	}
	if id != "" {
		t.lastID = id
	}
	t.armHeartbeatLocked()
	return true
}

func (t *Transport) deliver(gen uint64, env events.Envelope) {
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()
	t.mu.Lock()
	current := gen == t.gen
	t.mu.Unlock()
	if !current || t.sink == nil {
		return
	}
	t.sink.HandleEnvelope(env)
}

func (t *Transport) armHeartbeatLocked() {
	t.armWatchdogLocked(t.heartbeatTimeout, causeHeartbeatTimeout)
}

// armWatchdogLocked replaces the single watchdog timer. While dialing it
// bounds the connect; once connected it is the heartbeat.
func (t *Transport) armWatchdogLocked(d time.Duration, cause string) {
	if t.heartbeat != nil {
		t.heartbeat.Stop()
	}
	t.hbSeq++
	gen, seq := t.gen, t.hbSeq
	t.heartbeat = t.clock.AfterFunc(d, func() {
		t.watchdogExpired(gen, seq, cause, d)
	})
}

func (t *Transport) watchdogExpired(gen uint64, seq uint64, cause string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen || seq != t.hbSeq {
		return
	}
	if cause == causeHeartbeatTimeout {
		metricsx.IncHeartbeatTimeout()
		t.log.Warn(context.Background(), "heartbeat_timeout", "no frame received within heartbeat timeout",
			slog.String("error_code", "UNAVAILABLE"),
			slog.Duration("timeout", d),
		)
	} else {
		t.log.Warn(context.Background(), "connect_timeout", "stream did not answer within connect timeout",
			slog.String("error_code", "UNAVAILABLE"),
			slog.Duration("timeout", d),
			slog.Int("failures", t.failures+1),
		)
	}
	t.gen++
	t.teardownLocked()
	t.setStatusLocked(StatusDisconnected)
	t.failLocked(cause)
}

// failLocked counts one failure and either schedules the next attempt or
// gives up once maxAttempts consecutive failures have been seen.
func (t *Transport) failLocked(cause string) {
	t.failures++
	if t.maxAttempts > 0 && t.failures >= t.maxAttempts {
		t.active = false
		t.gen++
		t.teardownLocked()
		t.stopRetryLocked()
		t.setStatusLocked(StatusFailed)
		t.log.Error(context.Background(), "reconnect_exhausted", "stream retries exhausted",
			slog.String("error_code", "UNAVAILABLE"),
			slog.String("cause", cause),
			slog.Int("failures", t.failures),
		)
		return
	}

	delay := t.backoff.NextBackOff()
	metricsx.IncStreamReconnect(cause)
	t.log.Info(context.Background(), "reconnect_scheduled", "stream reconnect scheduled",
		slog.String("cause", cause),
		slog.Int("failures", t.failures),
		slog.Duration("delay", delay),
	)
	t.stopRetryLocked()
	gen := t.gen
	t.retry = t.clock.AfterFunc(delay, func() {
		t.retryDue(gen)
	})
}

func (t *Transport) retryDue(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || !t.active {
		t.mu.Unlock()
		return
	}
	t.retry = nil
	t.setStatusLocked(StatusReconnecting)
	ctx := t.newContextLocked()
	t.armWatchdogLocked(t.connectTimeout, causeConnectTimeout)
	t.mu.Unlock()

	t.dial(ctx, gen)
}

func (t *Transport) newContextLocked() context.Context {
	if t.cancel != nil {
		t.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	return ctx
}

func (t *Transport) teardownLocked() {
	t.hbSeq++
	if t.heartbeat != nil {
		t.heartbeat.Stop()
		t.heartbeat = nil
	}
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
}

func (t *Transport) stopRetryLocked() {
	if t.retry != nil {
		t.retry.Stop()
		t.retry = nil
	}
}

func (t *Transport) setStatusLocked(s Status) {
	if t.status == s {
		return
	}
	t.status = s
	metricsx.SetStreamStatus(string(s))
	if t.sink != nil {
		t.sink.HandleStatus(s)
	}
}

func (t *Transport) readResumeID(ctx context.Context) string {
	rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	id, err := t.resume.LastEventID(rctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		t.log.Warn(ctx, "resume_read_failed", "last event id could not be read",
			slog.String("error_code", "UNAVAILABLE"),
			slog.String("error", err.Error()),
		)
	}
	if id == "" {
		t.mu.Lock()
		id = t.lastID
		t.mu.Unlock()
	}
	return id
}

func (t *Transport) saveResumeID(ctx context.Context, id string) {
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := t.resume.SaveLastEventID(wctx, id); err != nil && !errors.Is(err, context.Canceled) {
		t.log.Warn(ctx, "resume_write_failed", "last event id could not be saved",
			slog.String("error_code", "UNAVAILABLE"),
			slog.String("error", err.Error()),
		)
	}
}
