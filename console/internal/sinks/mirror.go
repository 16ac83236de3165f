package sinks

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"airport-ops-console/console/internal/router"
	"airport-ops-console/shared/events"
	"airport-ops-console/shared/logx"
	"airport-ops-console/shared/metricsx"
)

type Publisher interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

// Mirror republishes every routed envelope to a Kafka topic keyed by event
// type, so downstream consumers can replay what this console saw.
type Mirror struct {
	pub       Publisher
	topic     string
	consoleID string
	q         *queue
	log       logx.Logger
}

func NewMirror(pub Publisher, topic string, consoleID string, buffer int, log logx.Logger) *Mirror {
	log = log.Component("mirror")
	return &Mirror{
		pub:       pub,
		topic:     topic,
		consoleID: consoleID,
		q:         newQueue("mirror", buffer, log),
		log:       log,
	}
}

func (m *Mirror) Attach(r *router.Router) *router.Subscription {
	return r.On(events.Wildcard, func(env events.Envelope) { m.q.offer(env) })
}

func (m *Mirror) Run(ctx context.Context) error {
	return m.q.drain(ctx, m.publish)
}

func (m *Mirror) publish(ctx context.Context, env events.Envelope) {
	value, err := json.Marshal(env)
	if err != nil {
		metricsx.IncSinkFailure("mirror")
		m.log.Error(ctx, "mirror_encode_failed", "envelope could not be encoded",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
			slog.String("event_id", env.ID),
		)
		return
	}
	headers := map[string]string{
		"message_id": uuid.NewString(),
		"console_id": m.consoleID,
		"event_id":   env.ID,
	}
	if err := m.pub.Publish(ctx, m.topic, []byte(env.Event), value, headers); err != nil {
		metricsx.IncSinkFailure("mirror")
		m.log.Warn(ctx, "mirror_publish_failed", "envelope mirror publish failed",
			slog.String("error_code", "UNAVAILABLE"),
			slog.String("error", err.Error()),
			slog.String("event_id", env.ID),
			slog.String("topic", m.topic),
		)
	}
}
