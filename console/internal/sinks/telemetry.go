package sinks

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"k8s.io/utils/clock"

	"airport-ops-console/console/internal/router"
	"airport-ops-console/shared/events"
	"airport-ops-console/shared/logx"
	"airport-ops-console/shared/metricsx"
)

const telemetryMeasurement = "asset_telemetry"

type PointWriter interface {
	WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error
}

// Telemetry writes position and vitals carried by telemetry.updated and
// asset.moved envelopes as time-series points.
type Telemetry struct {
	w     PointWriter
	q     *queue
	clock clock.PassiveClock
	log   logx.Logger
}

func NewTelemetry(w PointWriter, buffer int, clk clock.PassiveClock, log logx.Logger) *Telemetry {
	if clk == nil {
		clk = clock.RealClock{}
	}
	log = log.Component("telemetry")
	return &Telemetry{w: w, q: newQueue("telemetry", buffer, log), clock: clk, log: log}
}

func (t *Telemetry) Attach(r *router.Router) *router.Group {
	g := router.NewGroup()
	g.Add(r.On(events.TelemetryUpdated, func(env events.Envelope) { t.q.offer(env) }))
	g.Add(r.On(events.AssetMoved, func(env events.Envelope) { t.q.offer(env) }))
	return g
}

func (t *Telemetry) Run(ctx context.Context) error {
	return t.q.drain(ctx, t.write)
}

type point struct {
	tags   map[string]string
	fields map[string]any
	ts     time.Time
}

func (t *Telemetry) write(ctx context.Context, env events.Envelope) {
	p, ok := pointFor(env, t.clock.Now())
	if !ok {
		t.log.Debug(ctx, "telemetry_skipped", "envelope carries no asset id or measurable fields",
			slog.String("event_id", env.ID),
			slog.String("event_type", string(env.Event)),
		)
		return
	}
	if err := t.w.WritePoint(ctx, telemetryMeasurement, p.tags, p.fields, p.ts); err != nil {
		metricsx.IncSinkFailure("telemetry")
		t.log.Warn(ctx, "telemetry_write_failed", "telemetry point write failed",
			slog.String("error_code", "UNAVAILABLE"),
			slog.String("error", err.Error()),
			slog.String("event_id", env.ID),
		)
	}
}

func pointFor(env events.Envelope, now time.Time) (point, bool) {
	payload, ok := env.PayloadMap()
	if !ok {
		return point{}, false
	}
	assetID := text(payload, "assetId", "asset_id", "robotId", "robot_id", "id")
	if assetID == "" {
		return point{}, false
	}

	fields := map[string]any{}
	loc := payload
	if nested, ok := payload["location"].(map[string]any); ok {
		loc = nested
	}
	if v, ok := number(loc, "lat", "latitude", "y"); ok {
		fields["lat"] = v
	}
	if v, ok := number(loc, "lng", "lon", "longitude", "x"); ok {
		fields["lng"] = v
	}
	if v, ok := number(payload, "speed_kmh", "speedKmh", "speed"); ok {
		fields["speed_kmh"] = v
	}
	if v, ok := number(payload, "battery_level", "batteryLevel", "battery"); ok {
		fields["battery_level"] = v
	}
	if len(fields) == 0 {
		return point{}, false
	}

	tags := map[string]string{
		"asset_id":   assetID,
		"event_type": string(env.Event),
	}
	if zone := text(payload, "zone_id", "zoneId"); zone != "" {
		tags["zone_id"] = zone
	}

	ts := now
	for _, raw := range []string{text(payload, "timestamp", "timestamp_utc"), env.Timestamp} {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			ts = parsed
			break
		}
	}
	return point{tags: tags, fields: fields, ts: ts}, true
}

func text(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func number(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return v, true
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}
