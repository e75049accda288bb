// ABOUTME: HTTP API for submitting tasks, inspecting agents, and health checks.
// ABOUTME: Also serves the hub's A2A card, the WebSocket agent endpoint, and metrics.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/2389/agenthub/internal/auth"
	"github.com/2389/agenthub/internal/correlator"
	"github.com/2389/agenthub/internal/protocol"
	"github.com/2389/agenthub/internal/registry"
	"github.com/2389/agenthub/internal/router"
	"github.com/2389/agenthub/internal/store"
	"github.com/2389/agenthub/internal/transport"
)

const (
	maxRequestBody = 1 << 20
	maxWait        = 5 * time.Minute
)

// SubmitTaskRequest is the JSON request body for POST /api/tasks.
type SubmitTaskRequest struct {
	Originator string          `json:"originator,omitempty"`
	AgentID    string          `json:"agent_id"`
	Payload    json.RawMessage `json:"payload"`
	TimeoutMS  int64           `json:"timeout_ms,omitempty"`
	Wait       bool            `json:"wait,omitempty"`
}

// FanOutRequest is the JSON request body for POST /api/fanout.
type FanOutRequest struct {
	Originator string          `json:"originator,omitempty"`
	AgentIDs   []string        `json:"agent_ids"`
	Payload    json.RawMessage `json:"payload"`
	TimeoutMS  int64           `json:"timeout_ms,omitempty"`
}

// TaskResponse describes a task in API responses.
type TaskResponse struct {
	TaskID     string          `json:"task_id"`
	Originator string          `json:"originator,omitempty"`
	AgentID    string          `json:"agent_id,omitempty"`
	State      string          `json:"state"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	CreatedAt  string          `json:"created_at,omitempty"`
	Deadline   string          `json:"deadline,omitempty"`
	FinishedAt string          `json:"finished_at,omitempty"`
}

// FanOutResponse is one target's entry in a POST /api/fanout response.
type FanOutResponse struct {
	AgentID string          `json:"agent_id"`
	TaskID  string          `json:"task_id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// AgentInfoResponse is the JSON response for GET /api/agents.
type AgentInfoResponse struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Protocol     string   `json:"protocol"`
	Status       string   `json:"status"`
	Capabilities []string `json:"capabilities"`
	ConnectionID string   `json:"connection_id,omitempty"`
	CardURL      string   `json:"card_url,omitempty"`
	RegisteredAt string   `json:"registered_at,omitempty"`
	UpdatedAt    string   `json:"updated_at,omitempty"`
}

// OutcomeResponse is one row of GET /api/outcomes.
type OutcomeResponse struct {
	TaskID     string `json:"task_id"`
	Originator string `json:"originator"`
	AgentID    string `json:"agent_id"`
	State      string `json:"state"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
	CreatedAt  string `json:"created_at"`
	FinishedAt string `json:"finished_at"`
	DurationMS int64  `json:"duration_ms"`
}

// routes builds the HTTP handler. API routes sit behind bearer auth when a
// JWT secret is configured; health, the card, metrics, and the agent
// WebSocket endpoint do not (agents authenticate in their hello).
func (g *Gateway) routes() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/tasks", g.handleSubmitTask)
	api.HandleFunc("GET /api/tasks/{id}", g.handleGetTask)
	api.HandleFunc("DELETE /api/tasks/{id}", g.handleCancelTask)
	api.HandleFunc("POST /api/fanout", g.handleFanOut)
	api.HandleFunc("GET /api/agents", g.handleListAgents)
	api.HandleFunc("GET /api/agents/{id}", g.handleGetAgent)
	api.HandleFunc("DELETE /api/agents/{id}", g.handleDeregisterAgent)
	api.HandleFunc("GET /api/outcomes", g.handleListOutcomes)

	mux := http.NewServeMux()
	mux.Handle("/api/", auth.HTTPAuthMiddleware(g.authn)(api))

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	mux.HandleFunc("GET "+protocol.WellKnownCardPath, g.handleHubCard)
	mux.Handle(transport.WebSocketPath, transport.NewWebSocketHandler(g.accept, g.logger.With("component", "websocket")))

	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
	}

	return mux
}

// handleSubmitTask handles POST /api/tasks. With wait=true the response is
// held until the task finishes.
func (g *Gateway) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if err := decodeBody(r.Body, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.AgentID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage("{}")
	}
	originator := originatorFor(r, req.Originator)
	timeout := time.Duration(req.TimeoutMS) * time.Millisecond

	taskID, err := g.router.Submit(r.Context(), originator, req.AgentID, req.Payload, timeout)
	if err != nil {
		g.sendRouteError(w, err)
		return
	}

	if !req.Wait {
		snap, err := g.router.Get(taskID)
		if err != nil {
			g.sendJSONResponse(w, http.StatusAccepted, TaskResponse{TaskID: taskID, State: correlator.StateSent.String()})
			return
		}
		g.sendJSONResponse(w, http.StatusAccepted, taskResponse(snap))
		return
	}

	snap, err := g.router.Wait(r.Context(), taskID)
	if err != nil {
		if r.Context().Err() != nil {
			// client went away; the task keeps running until its own deadline
			return
		}
		g.sendTaskLookupError(w, err)
		return
	}
	g.sendJSONResponse(w, http.StatusOK, taskResponse(snap))
}

// handleGetTask handles GET /api/tasks/{id}. An optional ?wait=<duration>
// blocks until the task finishes or the wait elapses.
func (g *Gateway) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	wait, err := parseWait(r.URL.Query().Get("wait"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	var snap correlator.Snapshot
	if wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		snap, err = g.router.Wait(ctx, taskID)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			snap, err = g.router.Get(taskID)
		}
	} else {
		snap, err = g.router.Get(taskID)
	}
	if err != nil {
		g.sendTaskLookupError(w, err)
		return
	}
	g.sendJSONResponse(w, http.StatusOK, taskResponse(snap))
}

// handleCancelTask handles DELETE /api/tasks/{id}.
func (g *Gateway) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if err := g.router.Cancel(taskID); err != nil {
		g.sendTaskLookupError(w, err)
		return
	}
	snap, err := g.router.Get(taskID)
	if err != nil {
		g.sendJSONResponse(w, http.StatusOK, TaskResponse{TaskID: taskID, State: correlator.StateFailed.String(), Reason: router.ReasonCancelled})
		return
	}
	g.sendJSONResponse(w, http.StatusOK, taskResponse(snap))
}

// handleFanOut handles POST /api/fanout: one task per target, joined.
func (g *Gateway) handleFanOut(w http.ResponseWriter, r *http.Request) {
	var req FanOutRequest
	if err := decodeBody(r.Body, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.AgentIDs) == 0 {
		g.sendJSONError(w, http.StatusBadRequest, "agent_ids is required")
		return
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage("{}")
	}

	results := g.router.FanOut(r.Context(), originatorFor(r, req.Originator), req.AgentIDs, req.Payload,
		time.Duration(req.TimeoutMS)*time.Millisecond)

	response := make([]FanOutResponse, len(results))
	for i, res := range results {
		response[i] = FanOutResponse{
			AgentID: res.AgentID,
			TaskID:  res.TaskID,
			Result:  res.Result,
		}
		if res.Err != nil {
			response[i].Error = res.Err.Error()
			response[i].Reason = router.Reason(res.Err)
		}
	}
	g.sendJSONResponse(w, http.StatusOK, response)
}

// handleListAgents handles GET /api/agents. ?status=online filters by status.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	statusFilter := r.URL.Query().Get("status")

	agents := g.registry.List()
	response := make([]AgentInfoResponse, 0, len(agents))
	for _, a := range agents {
		if statusFilter != "" && a.Status.String() != statusFilter {
			continue
		}
		response = append(response, agentInfo(a))
	}
	g.sendJSONResponse(w, http.StatusOK, response)
}

// handleGetAgent handles GET /api/agents/{id}.
func (g *Gateway) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, ok := g.registry.Get(r.PathValue("id"))
	if !ok {
		g.sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}
	g.sendJSONResponse(w, http.StatusOK, agentInfo(a))
}

// handleDeregisterAgent handles DELETE /api/agents/{id}. Tasks in flight to
// the agent fail with AgentUnavailable.
func (g *Gateway) handleDeregisterAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := g.router.Deregister(id); err != nil {
		g.sendRouteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListOutcomes handles GET /api/outcomes from the audit table. The
// route exists either way; without a database it is unavailable.
func (g *Gateway) handleListOutcomes(w http.ResponseWriter, r *http.Request) {
	if g.store == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "task audit requires database.path")
		return
	}

	q := r.URL.Query()
	filter := store.OutcomeFilter{
		AgentID: q.Get("agent_id"),
		State:   q.Get("state"),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = &since
	}

	outcomes, err := g.store.ListTaskOutcomes(r.Context(), filter)
	if err != nil {
		g.logger.Error("failed to list task outcomes", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]OutcomeResponse, len(outcomes))
	for i, o := range outcomes {
		response[i] = OutcomeResponse{
			TaskID:     o.TaskID,
			Originator: o.Originator,
			AgentID:    o.AgentID,
			State:      o.State,
			Reason:     o.Reason,
			Error:      o.Error,
			CreatedAt:  o.CreatedAt.Format(time.RFC3339),
			FinishedAt: o.FinishedAt.Format(time.RFC3339),
			DurationMS: o.DurationMS,
		}
	}
	g.sendJSONResponse(w, http.StatusOK, response)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one agent is online.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	counts := g.registry.Counts()
	live := counts[registry.StatusOnline] + counts[registry.StatusDegraded]
	if live == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", live)
}

// handleHubCard serves the hub's A2A card with one skill per known agent.
func (g *Gateway) handleHubCard(w http.ResponseWriter, r *http.Request) {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	baseURL := scheme + "://" + r.Host

	agents := g.registry.List()
	skills := make([]a2a.AgentSkill, 0, len(agents))
	for _, a := range agents {
		skills = append(skills, a2a.AgentSkill{
			ID:          a.ID,
			Name:        a.Metadata.Name,
			Description: a.Metadata.Description,
			Tags:        append([]string{string(a.Metadata.Protocol), a.Status.String()}, a.Metadata.Capabilities...),
		})
	}

	card := &a2a.AgentCard{
		Name:               "agenthub",
		Description:        "Routes tasks between connected agents speaking native, MCP, or A2A protocols",
		URL:                baseURL + "/api/tasks",
		Version:            "1.0.0",
		ProtocolVersion:    "0.3.0",
		PreferredTransport: a2a.TransportProtocolJSONRPC,
		Capabilities:       a2a.AgentCapabilities{},
		Skills:             skills,
		DefaultInputModes:  []string{"application/json"},
		DefaultOutputModes: []string{"application/json"},
	}
	g.sendJSONResponse(w, http.StatusOK, card)
}

// sendRouteError maps routing failures onto HTTP statuses.
func (g *Gateway) sendRouteError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, router.ErrAgentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, router.ErrAgentOffline):
		status = http.StatusConflict
	case errors.Is(err, correlator.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		status = 499
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "reason": router.Reason(err)})
}

// sendTaskLookupError maps task query failures onto HTTP statuses.
func (g *Gateway) sendTaskLookupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, correlator.ErrTaskNotFound):
		g.sendJSONError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, correlator.ErrTaskExpired):
		g.sendJSONError(w, http.StatusGone, "task result expired")
	case errors.Is(err, correlator.ErrTaskTerminal):
		g.sendJSONError(w, http.StatusConflict, "task already finished")
	default:
		g.logger.Error("task lookup failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSONResponse(w, status, map[string]string{"error": message})
}

// sendJSONResponse writes v as a JSON body with the given status.
func (g *Gateway) sendJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

func decodeBody(r io.Reader, v any) error {
	dec := json.NewDecoder(io.LimitReader(r, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func parseWait(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid wait %q", v)
	}
	return min(d, maxWait), nil
}

// originatorFor defaults the originator to the authenticated caller.
func originatorFor(r *http.Request, requested string) string {
	if requested != "" {
		return requested
	}
	if ac := auth.FromContext(r.Context()); ac != nil && ac.PrincipalID != "" {
		return "api:" + ac.PrincipalID
	}
	return "api"
}

func taskResponse(s correlator.Snapshot) TaskResponse {
	resp := TaskResponse{
		TaskID:     s.ID,
		Originator: s.Originator,
		AgentID:    s.AgentID,
		State:      s.State.String(),
		Result:     s.Result,
		CreatedAt:  formatTime(s.CreatedAt),
		Deadline:   formatTime(s.Deadline),
		FinishedAt: formatTime(s.FinishedAt),
	}
	if s.Err != nil {
		resp.Error = s.Err.Error()
		resp.Reason = router.Reason(s.Err)
	}
	return resp
}

func agentInfo(a registry.Agent) AgentInfoResponse {
	caps := a.Metadata.Capabilities
	if caps == nil {
		caps = []string{}
	}
	return AgentInfoResponse{
		ID:           a.ID,
		Name:         a.Metadata.Name,
		Description:  a.Metadata.Description,
		Protocol:     string(a.Metadata.Protocol),
		Status:       a.Status.String(),
		Capabilities: caps,
		ConnectionID: a.ConnectionID,
		CardURL:      a.Metadata.CardURL,
		RegisteredAt: formatTime(a.RegisteredAt),
		UpdatedAt:    formatTime(a.UpdatedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}
