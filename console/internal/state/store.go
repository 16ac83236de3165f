package state

import (
	"context"
	"log/slog"
	"sync"

	"k8s.io/utils/clock"

	"airport-ops-console/console/internal/router"
	"airport-ops-console/console/internal/stream"
	"airport-ops-console/shared/events"
	"airport-ops-console/shared/logx"
	"airport-ops-console/shared/metricsx"
)

// Store serializes every reducer application and publishes immutable views.
type Store struct {
	clock clock.PassiveClock
	log   logx.Logger

	mu      sync.Mutex
	state   State
	version uint64

	// While holding, stream actions queue in held until the reload with
	// sequence reloadSeq lands.
	holding   bool
	held      []Action
	reloadSeq uint64
}

func NewStore(log logx.Logger, clk clock.PassiveClock) *Store {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Store{
		clock: clk,
		log:   log.Component("store"),
		state: Empty(),
	}
}

// Dispatch applies a and returns the outcome. Actions are applied one at a
// time in call order.
func (s *Store) Dispatch(a Action) Outcome {
	s.mu.Lock()
	outcome := s.reduceLocked(a)
	s.mu.Unlock()
	s.record(a, outcome)
	return outcome
}

func (s *Store) reduceLocked(a Action) Outcome {
	next, outcome := Reduce(s.state, a)
	if outcome == OutcomeApplied || outcome == OutcomeReopened {
		s.state = next
		s.version++
	}
	return outcome
}

func (s *Store) record(a Action, outcome Outcome) {
	metricsx.IncStoreAction(a.Name(), string(outcome))
	switch outcome {
	case OutcomeReopened:
		s.log.Warn(context.Background(), "incident_reopened", "resolved incident moved to another state",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("action", a.Name()),
		)
	case OutcomeMissingID, OutcomeUnknownEntity:
		s.log.Debug(context.Background(), "action_noop", "action left the store unchanged",
			slog.String("action", a.Name()),
			slog.String("outcome", string(outcome)),
		)
	}
}

// Apply maps a routed envelope to its action and dispatches it.
func (s *Store) Apply(env events.Envelope) {
	a, ok := ActionFor(env, s.clock.Now())
	if !ok {
		s.log.Debug(context.Background(), "envelope_skipped", "envelope has no reducer action",
			slog.String("event_type", string(env.Event)),
			slog.String("event_id", env.ID),
		)
		return
	}
	s.mu.Lock()
	if s.holding {
		s.held = append(s.held, a)
		s.mu.Unlock()
		return
	}
	outcome := s.reduceLocked(a)
	s.mu.Unlock()
	s.record(a, outcome)
}

// BeginReload starts holding stream envelopes passed to Apply. They are
// applied, in arrival order, after the snapshot handed to FinishReload with
// the returned sequence. A later BeginReload supersedes earlier ones.
func (s *Store) BeginReload() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holding = true
	s.held = nil
	s.reloadSeq++
	return s.reloadSeq
}

// FinishReload applies snap and then the held actions in one critical
// section. It reports false and changes nothing when seq was superseded.
func (s *Store) FinishReload(seq uint64, snap SnapshotLoaded) bool {
	if snap.At.IsZero() {
		snap.At = s.clock.Now()
	}
	s.mu.Lock()
	if !s.holding || seq != s.reloadSeq {
		s.mu.Unlock()
		return false
	}
	held := s.held
	s.holding = false
	s.held = nil
	outcomes := make([]Outcome, 0, len(held)+1)
	outcomes = append(outcomes, s.reduceLocked(snap))
	for _, a := range held {
		outcomes = append(outcomes, s.reduceLocked(a))
	}
	s.mu.Unlock()

	s.record(snap, outcomes[0])
	for i, a := range held {
		s.record(a, outcomes[i+1])
	}
	return true
}

// Holding reports whether a reload is in flight.
func (s *Store) Holding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holding
}

// reset clears every collection. Actions held for a reload in flight
// predate the reset and are dropped with it.
func (s *Store) reset() {
	a := Reset{At: s.clock.Now()}
	s.mu.Lock()
	s.held = nil
	outcome := s.reduceLocked(a)
	s.mu.Unlock()
	s.record(a, outcome)
}

func (s *Store) SetFilter(text string) {
	s.Dispatch(FilterSet{Text: text})
}

func (s *Store) Select(id *string) {
	s.Dispatch(SelectIncident{ID: id})
}

func (s *Store) LoadSnapshot(a SnapshotLoaded) {
	if a.At.IsZero() {
		a.At = s.clock.Now()
	}
	s.Dispatch(a)
}

// MarkInProgress records an optimistic claim of incident id.
func (s *Store) MarkInProgress(id string) Outcome {
	return s.Dispatch(IncidentStateChanged{
		Payload: map[string]any{"incident_id": id, "to_state": "in_progress"},
		At:      s.clock.Now(),
	})
}

func (s *Store) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return View{state: s.state, version: s.version}
}

// Bind subscribes the store to every reduced event type, to system.reset
// and to connection status. Closing the returned group detaches it.
func (s *Store) Bind(r *router.Router) *router.Group {
	g := router.NewGroup()
	for _, t := range ReducedTypes {
		g.Add(r.On(t, s.Apply))
	}
	g.Add(r.OnReset(func(events.Envelope) {
		s.reset()
	}))
	g.Add(r.OnStatus(func(status stream.Status) {
		s.Dispatch(ConnectionChanged{Status: status})
	}))
	return g
}
