package sinks

import (
	"context"
	"log/slog"

	"airport-ops-console/shared/events"
	"airport-ops-console/shared/logx"
	"airport-ops-console/shared/metricsx"
)

const defaultBuffer = 1024

// queue decouples router dispatch from slow downstream writes. Offers never
// block; an envelope that does not fit is dropped and counted.
type queue struct {
	name string
	ch   chan events.Envelope
	log  logx.Logger
}

func newQueue(name string, size int, log logx.Logger) *queue {
	if size <= 0 {
		size = defaultBuffer
	}
	return &queue{name: name, ch: make(chan events.Envelope, size), log: log}
}

func (q *queue) offer(env events.Envelope) bool {
	select {
	case q.ch <- env:
		return true
	default:
		metricsx.IncSinkDropped(q.name)
		q.log.Warn(context.Background(), "sink_dropped", "sink buffer full, envelope dropped",
			slog.String("sink", q.name),
			slog.String("event_id", env.ID),
			slog.String("event_type", string(env.Event)),
		)
		return false
	}
}

// drain calls fn for each queued envelope until ctx is done.
func (q *queue) drain(ctx context.Context, fn func(context.Context, events.Envelope)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-q.ch:
			fn(ctx, env)
		}
	}
}
