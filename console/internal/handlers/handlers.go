package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"airport-ops-console/console/internal/state"
	"airport-ops-console/console/internal/stream"
	"airport-ops-console/shared/clients/opsapi"
	"airport-ops-console/shared/config"
	"airport-ops-console/shared/httpx"
	"airport-ops-console/shared/logx"
	"airport-ops-console/shared/metricsx"
	"airport-ops-console/shared/workflow"
)

type OpsAPI interface {
	ClaimIncident(ctx context.Context, id string) error
	TransitionIncident(ctx context.Context, id string, toState string) error
	Evidence(ctx context.Context, id string) (json.RawMessage, error)
}

type Stream interface {
	Connect()
	Status() stream.Status
	LastEventID() string
}

// Check is a named dependency probe run by /readyz.
type Check struct {
	Name string
	Run  func(ctx context.Context) error
}

type Handlers struct {
	Store    *state.Store
	API      OpsAPI
	Stream   Stream
	Logger   logx.Logger
	Service  string
	Env      string
	Version  string
	Problems []config.Problem
	Checks   []Check
}

type statusResponse struct {
	Status  string        `json:"status"`
	Service string        `json:"service"`
	Env     string        `json:"env,omitempty"`
	Version string        `json:"version,omitempty"`
	Stream  stream.Status `json:"stream,omitempty"`
}

func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.HandleFunc("GET /readyz", h.readyz)
	mux.Handle("GET /metrics", metricsx.Handler())

	mux.HandleFunc("GET /v1/state", h.getState)
	mux.HandleFunc("GET /v1/incidents", h.listIncidents)
	mux.HandleFunc("GET /v1/incidents/{id}", h.getIncident)
	mux.HandleFunc("GET /v1/incidents/{id}/evidence", h.getEvidence)
	mux.HandleFunc("POST /v1/incidents/{id}/claim", h.claimIncident)
	mux.HandleFunc("POST /v1/incidents/{id}/transition", h.transitionIncident)
	mux.HandleFunc("GET /v1/assets", h.listAssets)
	mux.HandleFunc("GET /v1/tickets", h.listTickets)
	mux.HandleFunc("GET /v1/robot-feed", h.getRobotFeed)
	mux.HandleFunc("PUT /v1/view/filter", h.setFilter)
	mux.HandleFunc("PUT /v1/view/selection", h.setSelection)
	mux.HandleFunc("POST /v1/stream/reconnect", h.reconnect)
}

func (h *Handlers) healthz(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, statusResponse{
		Status:  "ok",
		Service: h.Service,
		Env:     h.Env,
		Version: h.Version,
	})
}

func (h *Handlers) readyz(w http.ResponseWriter, r *http.Request) {
	if len(h.Problems) > 0 {
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
			"service not ready: invalid configuration",
			map[string]any{"problems": h.Problems},
		)
		return
	}
	for _, c := range h.Checks {
		if err := c.Run(r.Context()); err != nil {
			h.Logger.Warn(r.Context(), "readiness_check_failed", "readiness check failed",
				slog.String("error_code", "UNAVAILABLE"),
				slog.String("check", c.Name),
				slog.String("error", err.Error()),
			)
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
				"service not ready: "+c.Name+" unavailable",
				map[string]any{"problem": c.Name + "_unavailable"},
			)
			return
		}
	}
	resp := statusResponse{Status: "ready", Service: h.Service, Env: h.Env, Version: h.Version}
	if h.Stream != nil {
		resp.Stream = h.Stream.Status()
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handlers) getState(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, h.Store.View().Summary())
}

func (h *Handlers) listIncidents(w http.ResponseWriter, r *http.Request) {
	v := h.Store.View()
	items := v.FilteredIncidents()
	if r.URL.Query().Has("filter") {
		items = state.Filtered(v.Incidents(), r.URL.Query().Get("filter"))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items, "version": v.Version()})
}

func (h *Handlers) getIncident(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	v := h.Store.View()
	inc, ok := v.Incident(id)
	if !ok {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "incident not found", nil)
		return
	}
	selected, _ := v.SelectedID()
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"incident": inc,
		"tickets":  v.TicketsFor(id),
		"selected": selected == id,
	})
}

func (h *Handlers) listAssets(w http.ResponseWriter, r *http.Request) {
	v := h.Store.View()
	items := v.Assets()
	if class := strings.TrimSpace(r.URL.Query().Get("class")); class != "" {
		filtered := items[:0:0]
		for _, a := range items {
			if string(a.Class) == class {
				filtered = append(filtered, a)
			}
		}
		items = filtered
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items, "version": v.Version()})
}

func (h *Handlers) listTickets(w http.ResponseWriter, r *http.Request) {
	v := h.Store.View()
	items := v.Tickets()
	if incidentID := strings.TrimSpace(r.URL.Query().Get("incident_id")); incidentID != "" {
		items = v.TicketsFor(incidentID)
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items, "version": v.Version()})
}

func (h *Handlers) getRobotFeed(w http.ResponseWriter, r *http.Request) {
	feed, ok := h.Store.View().RobotFeed()
	if !ok {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "no robot patrol in progress", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, feed)
}

type filterRequest struct {
	Filter string `json:"filter"`
}

func (h *Handlers) setFilter(w http.ResponseWriter, r *http.Request) {
	var req filterRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", map[string]any{"error": err.Error()})
		return
	}
	h.Store.SetFilter(req.Filter)
	v := h.Store.View()
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"filter": v.Filter(), "items": v.FilteredIncidents()})
}

type selectionRequest struct {
	IncidentID *string `json:"incident_id"`
}

func (h *Handlers) setSelection(w http.ResponseWriter, r *http.Request) {
	var req selectionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", map[string]any{"error": err.Error()})
		return
	}
	h.Store.Select(req.IncidentID)
	id, ok := h.Store.View().SelectedID()
	if !ok {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"incident_id": nil})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"incident_id": id})
}

func (h *Handlers) claimIncident(w http.ResponseWriter, r *http.Request) {
	if h.API == nil {
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "ops api not configured", nil)
		return
	}
	id := r.PathValue("id")
	if err := h.API.ClaimIncident(r.Context(), id); err != nil {
		h.writeUpstreamError(w, r, "claim", id, err)
		return
	}
	outcome := h.Store.MarkInProgress(id)
	h.Logger.Info(r.Context(), "incident_claimed", "incident claimed",
		slog.String("incident_id", id),
		slog.String("outcome", string(outcome)),
		slog.String("request_id", httpx.RequestIDFromContext(r.Context())),
	)
	resp := map[string]any{"incident_id": id, "status": workflow.IncidentStatusInProgress}
	if inc, ok := h.Store.View().Incident(id); ok {
		resp["incident"] = inc
	}
	httpx.WriteJSON(w, http.StatusAccepted, resp)
}

type transitionRequest struct {
	ToState string `json:"to_state"`
}

func (h *Handlers) transitionIncident(w http.ResponseWriter, r *http.Request) {
	if h.API == nil {
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "ops api not configured", nil)
		return
	}
	id := r.PathValue("id")
	var req transitionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", map[string]any{"error": err.Error()})
		return
	}
	if !workflow.KnownIncidentStatus(req.ToState) {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "unknown target state",
			map[string]any{"allowed": workflow.AllIncidentStatuses()},
		)
		return
	}
	if inc, ok := h.Store.View().Incident(id); ok && !workflow.CanTransition(inc.Status, req.ToState) {
		httpx.WriteError(w, r, http.StatusConflict, "FAILED_PRECONDITION", "transition not allowed",
			map[string]any{"from": inc.Status, "to": workflow.NormalizeIncidentStatus(req.ToState)},
		)
		return
	}
	if err := h.API.TransitionIncident(r.Context(), id, req.ToState); err != nil {
		h.writeUpstreamError(w, r, "transition", id, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{"incident_id": id, "to_state": req.ToState})
}

func (h *Handlers) getEvidence(w http.ResponseWriter, r *http.Request) {
	if h.API == nil {
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "ops api not configured", nil)
		return
	}
	id := r.PathValue("id")
	raw, err := h.API.Evidence(r.Context(), id)
	if err != nil {
		h.writeUpstreamError(w, r, "evidence", id, err)
		return
	}
	if len(raw) == 0 {
		raw = json.RawMessage("[]")
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"incident_id": id, "items": raw})
}

func (h *Handlers) reconnect(w http.ResponseWriter, r *http.Request) {
	if h.Stream == nil {
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "stream not configured", nil)
		return
	}
	before := h.Stream.Status()
	h.Stream.Connect()
	h.Logger.Info(r.Context(), "stream_manual_reconnect", "manual stream reconnect requested",
		slog.String("status", string(before)),
	)
	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{
		"previous_status": before,
		"last_event_id":   h.Stream.LastEventID(),
	})
}

func (h *Handlers) writeUpstreamError(w http.ResponseWriter, r *http.Request, op string, id string, err error) {
	status, code := http.StatusBadGateway, "UNAVAILABLE"
	var se *opsapi.StatusError
	switch {
	case errors.Is(err, opsapi.ErrCircuitOpen):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, "TIMEOUT"
	case errors.As(err, &se) && se.StatusCode == http.StatusNotFound:
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.As(err, &se) && se.StatusCode == http.StatusConflict:
		status, code = http.StatusConflict, "FAILED_PRECONDITION"
	case errors.As(err, &se) && se.StatusCode == http.StatusBadRequest:
		status, code = http.StatusBadRequest, "INVALID_ARGUMENT"
	}
	h.Logger.Warn(r.Context(), "ops_api_call_failed", "ops api call failed",
		slog.String("error_code", code),
		slog.String("error", err.Error()),
		slog.String("op", op),
		slog.String("incident_id", id),
		slog.String("request_id", httpx.RequestIDFromContext(r.Context())),
	)
	httpx.WriteError(w, r, status, code, op+" failed", nil)
}
