package router

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"

	"airport-ops-console/console/internal/stream"
	"airport-ops-console/shared/events"
	"airport-ops-console/shared/logx"
)

type Handler func(env events.Envelope)

type StatusHandler func(status stream.Status)

type kind int

const (
	kindEvent kind = iota
	kindStatus
	kindReset
)

// Subscription identifies one registered callback. Close removes exactly
// that callback and may be called any number of times.
type Subscription struct {
	router *Router
	kind   kind
	topic  events.EventType
	once   sync.Once
}

func (s *Subscription) Close() {
	if s == nil || s.router == nil {
		return
	}
	s.once.Do(func() { s.router.remove(s) })
}

type eventEntry struct {
	sub *Subscription
	fn  Handler
}

type statusEntry struct {
	sub *Subscription
	fn  StatusHandler
}

// Router fans decoded envelopes out to subscribers by event type. It
// implements stream.Sink.
type Router struct {
	log logx.Logger

	mu       sync.RWMutex
	handlers map[events.EventType][]eventEntry
	resets   []eventEntry
	statuses []statusEntry
}

var _ stream.Sink = (*Router)(nil)

func New(log logx.Logger) *Router {
	return &Router{
		log:      log.Component("router"),
		handlers: make(map[events.EventType][]eventEntry),
	}
}

// On registers fn for eventType. events.Wildcard receives every routed
// envelope, including types outside the canonical set.
func (r *Router) On(eventType events.EventType, fn Handler) *Subscription {
	if eventType != events.Wildcard && !eventType.Canonical() {
		r.log.Warn(context.Background(), "router_unknown_type", "subscription to non-canonical type will only see wildcard traffic",
			slog.String("event_type", string(eventType)),
		)
	}
	sub := &Subscription{router: r, kind: kindEvent, topic: eventType}
	r.mu.Lock()
	r.handlers[eventType] = append(r.handlers[eventType], eventEntry{sub: sub, fn: fn})
	r.mu.Unlock()
	return sub
}

func (r *Router) Off(sub *Subscription) {
	sub.Close()
}

// OnReset registers a hook run before any other subscriber when the stream
// carries system.reset.
func (r *Router) OnReset(fn Handler) *Subscription {
	sub := &Subscription{router: r, kind: kindReset}
	r.mu.Lock()
	r.resets = append(r.resets, eventEntry{sub: sub, fn: fn})
	r.mu.Unlock()
	return sub
}

// OnStatus registers fn for connection status changes. fn runs while the
// transport holds its lock and must not call Connect or Disconnect.
func (r *Router) OnStatus(fn StatusHandler) *Subscription {
	sub := &Subscription{router: r, kind: kindStatus}
	r.mu.Lock()
	r.statuses = append(r.statuses, statusEntry{sub: sub, fn: fn})
	r.mu.Unlock()
	return sub
}

func (r *Router) HandleEnvelope(env events.Envelope) {
	switch {
	case env.Event == events.SystemHeartbeat:
		return
	case env.Event == events.SystemReset:
		r.invokeAll(env, r.snapshotResets())
		r.invokeAll(env, r.snapshot(env.Event))
	case env.Event.Canonical():
		r.invokeAll(env, r.snapshot(env.Event))
	}
	r.invokeAll(env, r.snapshot(events.Wildcard))
}

func (r *Router) HandleStatus(status stream.Status) {
	r.mu.RLock()
	entries := append([]statusEntry(nil), r.statuses...)
	r.mu.RUnlock()
	for _, e := range entries {
		r.safely(string(status), func() { e.fn(status) })
	}
}

// Subscribers reports the number of handlers registered for eventType.
func (r *Router) Subscribers(eventType events.EventType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[eventType])
}

func (r *Router) snapshot(eventType events.EventType) []eventEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]eventEntry(nil), r.handlers[eventType]...)
}

func (r *Router) snapshotResets() []eventEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]eventEntry(nil), r.resets...)
}

func (r *Router) invokeAll(env events.Envelope, entries []eventEntry) {
	for _, e := range entries {
		r.safely(string(env.Event), func() { e.fn(env) })
	}
}

func (r *Router) safely(label string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			attrs := []slog.Attr{
				slog.String("event_type", label),
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", fmt.Sprint(rec)),
			}
			if strings.ToLower(r.log.Env()) != "prod" {
				attrs = append(attrs, slog.String("stack", string(debug.Stack())))
			}
			r.log.Error(context.Background(), "handler_panic", "subscriber panicked", attrs...)
		}
	}()
	fn()
}

func (r *Router) remove(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch sub.kind {
	case kindEvent:
		r.handlers[sub.topic] = removeEvent(r.handlers[sub.topic], sub)
		if len(r.handlers[sub.topic]) == 0 {
			delete(r.handlers, sub.topic)
		}
	case kindReset:
		r.resets = removeEvent(r.resets, sub)
	case kindStatus:
		out := r.statuses[:0:0]
		for _, e := range r.statuses {
			if e.sub != sub {
				out = append(out, e)
			}
		}
		r.statuses = out
	}
}

// removeEvent copies so snapshots taken by in-flight dispatches stay valid.
func removeEvent(entries []eventEntry, sub *Subscription) []eventEntry {
	out := make([]eventEntry, 0, len(entries))
	for _, e := range entries {
		if e.sub != sub {
			out = append(out, e)
		}
	}
	return out
}

// Group collects subscriptions so a component can release all of them at
// once when it shuts down.
type Group struct {
	mu     sync.Mutex
	subs   []*Subscription
	closed bool
}

func NewGroup() *Group {
	return &Group{}
}

// Add tracks sub. Adding to a closed group closes sub immediately.
func (g *Group) Add(sub *Subscription) *Subscription {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		sub.Close()
		return sub
	}
	g.subs = append(g.subs, sub)
	g.mu.Unlock()
	return sub
}

func (g *Group) Close() {
	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.closed = true
	g.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}
