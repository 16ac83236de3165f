package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"airport-ops-console/console/internal/state"
	"airport-ops-console/shared/logx"
	"airport-ops-console/shared/metricsx"
)

// Lister fetches one REST collection as raw JSON.
type Lister interface {
	List(ctx context.Context, path string) (json.RawMessage, error)
}

type collection struct {
	name string
	path string
}

var collections = []collection{
	{name: "incidents", path: "/incidents"},
	{name: "tickets", path: "/tickets"},
	{name: "assets", path: "/fleet/assets"},
	{name: "robots", path: "/robots"},
}

var errNotCollection = errors.New("response is neither an array nor an object with items")

// Loader fetches all collections concurrently. A collection that fails is
// loaded as empty and reported; it never fails the whole snapshot.
type Loader struct {
	api   Lister
	log   logx.Logger
	clock clock.PassiveClock
}

func NewLoader(api Lister, log logx.Logger, clk clock.PassiveClock) *Loader {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Loader{api: api, log: log.Component("snapshot"), clock: clk}
}

// Result lists the collections that were replaced with empty data.
type Result struct {
	Failed []string
}

func (l *Loader) Fetch(ctx context.Context) (state.SnapshotLoaded, Result) {
	start := time.Now()
	var (
		mu     sync.Mutex
		res    Result
		loaded = make(map[string][]map[string]any, len(collections))
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range collections {
		c := c
		g.Go(func() error {
			items, err := l.fetchOne(gctx, c.path)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				metricsx.IncSnapshotFailure(c.name)
				l.log.Warn(gctx, "snapshot_collection_failed", "snapshot collection treated as empty",
					slog.String("error_code", "UNAVAILABLE"),
					slog.String("collection", c.name),
					slog.String("error", err.Error()),
				)
				res.Failed = append(res.Failed, c.name)
				return nil
			}
			loaded[c.name] = items
			return nil
		})
	}
	_ = g.Wait()
	metricsx.ObserveSnapshotLatency(time.Since(start))

	return state.SnapshotLoaded{
		Incidents: loaded["incidents"],
		Tickets:   loaded["tickets"],
		Assets:    loaded["assets"],
		Robots:    loaded["robots"],
		At:        l.clock.Now(),
	}, res
}

// Sync fetches a snapshot and replaces the store's collections with it.
func (l *Loader) Sync(ctx context.Context, store *state.Store) Result {
	snap, res := l.Fetch(ctx)
	store.LoadSnapshot(snap)
	l.log.Info(ctx, "snapshot_loaded", "snapshot applied",
		slog.Int("incidents", len(snap.Incidents)),
		slog.Int("tickets", len(snap.Tickets)),
		slog.Int("assets", len(snap.Assets)),
		slog.Int("robots", len(snap.Robots)),
		slog.Int("failed", len(res.Failed)),
	)
	return res
}

// Reload refetches in the background after a system.reset. The store holds
// envelopes routed while the fetch runs and applies them on top of the
// snapshot, so nothing delivered mid-fetch is overwritten. Call it from the
// router's delivery goroutine so the hold starts before the next envelope.
func (l *Loader) Reload(ctx context.Context, store *state.Store) <-chan Result {
	seq := store.BeginReload()
	done := make(chan Result, 1)
	go func() {
		snap, res := l.Fetch(ctx)
		if !store.FinishReload(seq, snap) {
			l.log.Debug(ctx, "snapshot_superseded", "a later reset started another reload",
				slog.Uint64("reload", seq),
			)
			done <- res
			return
		}
		l.log.Info(ctx, "snapshot_reloaded", "snapshot applied after reset",
			slog.Uint64("reload", seq),
			slog.Int("incidents", len(snap.Incidents)),
			slog.Int("failed", len(res.Failed)),
		)
		done <- res
	}()
	return done
}

func (l *Loader) fetchOne(ctx context.Context, path string) ([]map[string]any, error) {
	raw, err := l.api.List(ctx, path)
	if err != nil {
		return nil, err
	}
	return decodeCollection(raw)
}

// decodeCollection accepts a bare array or an object wrapping the array in
// "items", "data" or "results". Non-object elements are skipped.
func decodeCollection(raw json.RawMessage) ([]map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	var list []any
	switch t := v.(type) {
	case []any:
		list = t
	case map[string]any:
		for _, key := range []string{"items", "data", "results"} {
			if arr, ok := t[key].([]any); ok {
				list = arr
				break
			}
		}
		if list == nil {
			return nil, errNotCollection
		}
	case nil:
		return nil, nil
	default:
		return nil, errNotCollection
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out, nil
}
