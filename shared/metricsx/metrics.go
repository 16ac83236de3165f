package metricsx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	streamFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_frames_total",
			Help: "Stream frames received by decoded event type.",
		},
		[]string{"event"},
	)
	streamParseErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stream_parse_errors_total",
			Help: "Stream frames dropped because the envelope could not be decoded.",
		},
	)
	streamReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_reconnects_total",
			Help: "Reconnect attempts scheduled, by cause.",
		},
		[]string{"cause"},
	)
	streamHeartbeatTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stream_heartbeat_timeouts_total",
			Help: "Connections declared dead by the heartbeat watchdog.",
		},
	)
	streamStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stream_connection_status",
			Help: "1 for the current stream connection status, 0 otherwise.",
		},
		[]string{"status"},
	)
	storeActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_actions_total",
			Help: "Reducer actions applied to the domain store, by outcome.",
		},
		[]string{"action", "outcome"},
	)
	snapshotFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapshot_fetch_failures_total",
			Help: "Snapshot collections that failed to load and were treated as empty.",
		},
		[]string{"collection"},
	)
	snapshotLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "snapshot_load_duration_seconds",
			Help:    "Full snapshot load latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	sinkDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sink_dropped_total",
			Help: "Envelopes dropped by a sink because its buffer was full.",
		},
		[]string{"sink"},
	)
	sinkFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sink_write_failures_total",
			Help: "Sink writes that failed.",
		},
		[]string{"sink"},
	)
	opsAPIFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ops_api_failures_total",
			Help: "Total ops API request failures.",
		},
	)
	opsAPILatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ops_api_latency_seconds",
			Help:    "Ops API request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

var streamStatuses = []string{"disconnected", "connected", "reconnecting", "failed"}

func Register() {
	prometheus.MustRegister(
		httpRequests, httpLatency,
		streamFrames, streamParseErrors, streamReconnects, streamHeartbeatTimeouts, streamStatus,
		storeActions, snapshotFailures, snapshotLatency,
		sinkDropped, sinkFailures,
		opsAPIFailures, opsAPILatency,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func IncStreamFrame(event string) {
	streamFrames.WithLabelValues(event).Inc()
}

func IncStreamParseError() {
	streamParseErrors.Inc()
}

func IncStreamReconnect(cause string) {
	streamReconnects.WithLabelValues(cause).Inc()
}

func IncHeartbeatTimeout() {
	streamHeartbeatTimeouts.Inc()
}

func SetStreamStatus(current string) {
	for _, s := range streamStatuses {
		v := 0.0
		if s == current {
			v = 1
		}
		streamStatus.WithLabelValues(s).Set(v)
	}
}

func IncStoreAction(action string, outcome string) {
	storeActions.WithLabelValues(action, outcome).Inc()
}

func IncSnapshotFailure(collection string) {
	snapshotFailures.WithLabelValues(collection).Inc()
}

func ObserveSnapshotLatency(d time.Duration) {
	snapshotLatency.Observe(d.Seconds())
}

func IncSinkDropped(sink string) {
	sinkDropped.WithLabelValues(sink).Inc()
}

func IncSinkFailure(sink string) {
	sinkFailures.WithLabelValues(sink).Inc()
}

func IncOpsAPIFailure() {
	opsAPIFailures.Inc()
}

func ObserveOpsAPILatency(d time.Duration) {
	opsAPILatency.Observe(d.Seconds())
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
