// ABOUTME: Tests for the HTTP task and agent API handlers.
// ABOUTME: Uses httptest against the gateway's mux with in-memory agents.

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agenthub/internal/auth"
	"github.com/2389/agenthub/internal/config"
	"github.com/2389/agenthub/internal/protocol"
	"github.com/2389/agenthub/internal/registry"
	"github.com/2389/agenthub/internal/router"
)

// startEchoAgent registers a native agent that answers every request with
// its own payload. It returns the session so tests can disconnect it.
func startEchoAgent(t *testing.T, gw *Gateway, id string) *memSession {
	t.Helper()
	s := newMemSession()
	connect(context.Background(), gw, s, helloFrame(t, protocol.Hello{AgentID: id}))
	_, err := protocol.ParseWelcome(s.next(t))
	require.NoError(t, err)

	go func() {
		for {
			select {
			case frame := <-s.out:
				msg, err := protocol.Decode(frame, protocol.Native)
				if err != nil || msg.Kind != protocol.KindRequest {
					continue
				}
				reply, _ := protocol.Encode(protocol.Message{
					Kind:          protocol.KindResponse,
					CorrelationID: msg.CorrelationID,
					Payload:       msg.Payload,
				}, protocol.Native)
				select {
				case s.in <- reply:
				case <-s.closed:
					return
				}
			case <-s.closed:
				return
			}
		}
	}()
	t.Cleanup(func() { s.Close() })
	return s
}

// startSilentAgent registers a native agent that never answers.
func startSilentAgent(t *testing.T, gw *Gateway, id string) *memSession {
	t.Helper()
	s := newMemSession()
	connect(context.Background(), gw, s, helloFrame(t, protocol.Hello{AgentID: id}))
	_, err := protocol.ParseWelcome(s.next(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func doRequest(t *testing.T, gw *Gateway, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	gw.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), "body: %s", rec.Body.String())
	return v
}

func TestSubmitTask(t *testing.T) {
	gw := newTestGateway(t)
	startEchoAgent(t, gw, "echo")

	t.Run("wait returns result", func(t *testing.T) {
		rec := doRequest(t, gw, http.MethodPost, "/api/tasks", SubmitTaskRequest{
			AgentID: "echo",
			Payload: json.RawMessage(`{"q":"hi"}`),
			Wait:    true,
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		resp := decodeJSON[TaskResponse](t, rec)
		assert.Equal(t, "completed", resp.State)
		assert.JSONEq(t, `{"q":"hi"}`, string(resp.Result))
		assert.Equal(t, "api:anonymous", resp.Originator)
		assert.NotEmpty(t, resp.FinishedAt)
	})

	t.Run("async returns 202 then completes", func(t *testing.T) {
		rec := doRequest(t, gw, http.MethodPost, "/api/tasks", SubmitTaskRequest{
			Originator: "planner",
			AgentID:    "echo",
			Payload:    json.RawMessage(`{"q":"later"}`),
		})
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		resp := decodeJSON[TaskResponse](t, rec)
		require.NotEmpty(t, resp.TaskID)

		rec = doRequest(t, gw, http.MethodGet, "/api/tasks/"+resp.TaskID+"?wait=2s", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		got := decodeJSON[TaskResponse](t, rec)
		assert.Equal(t, "completed", got.State)
		assert.Equal(t, "planner", got.Originator)
		assert.JSONEq(t, `{"q":"later"}`, string(got.Result))
	})

	t.Run("unknown agent is 404", func(t *testing.T) {
		rec := doRequest(t, gw, http.MethodPost, "/api/tasks", SubmitTaskRequest{AgentID: "nobody"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
		body := decodeJSON[map[string]string](t, rec)
		assert.Equal(t, router.ReasonAgentNotFound, body["reason"])
	})

	t.Run("offline agent is 409", func(t *testing.T) {
		gw.registry.Preload([]registry.Agent{{ID: "napping", Metadata: registry.Metadata{Protocol: protocol.Native}}})
		rec := doRequest(t, gw, http.MethodPost, "/api/tasks", SubmitTaskRequest{AgentID: "napping"})
		assert.Equal(t, http.StatusConflict, rec.Code)
		body := decodeJSON[map[string]string](t, rec)
		assert.Equal(t, router.ReasonAgentOffline, body["reason"])
	})

	t.Run("missing agent_id", func(t *testing.T) {
		rec := doRequest(t, gw, http.MethodPost, "/api/tasks", SubmitTaskRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader("{"))
		rec := httptest.NewRecorder()
		gw.httpServer.Handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestSubmitTaskTimeout(t *testing.T) {
	gw := newTestGateway(t)
	startSilentAgent(t, gw, "mute")

	start := time.Now()
	rec := doRequest(t, gw, http.MethodPost, "/api/tasks", SubmitTaskRequest{
		AgentID:   "mute",
		TimeoutMS: 100,
		Wait:      true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	resp := decodeJSON[TaskResponse](t, rec)
	assert.Equal(t, "timed_out", resp.State)
	assert.Equal(t, router.ReasonTimedOut, resp.Reason)
}

func TestCancelTask(t *testing.T) {
	gw := newTestGateway(t)
	startSilentAgent(t, gw, "mute")

	rec := doRequest(t, gw, http.MethodPost, "/api/tasks", SubmitTaskRequest{AgentID: "mute", TimeoutMS: 60_000})
	require.Equal(t, http.StatusAccepted, rec.Code)
	taskID := decodeJSON[TaskResponse](t, rec).TaskID

	rec = doRequest(t, gw, http.MethodDelete, "/api/tasks/"+taskID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeJSON[TaskResponse](t, rec)
	assert.Equal(t, "failed", resp.State)
	assert.Equal(t, router.ReasonCancelled, resp.Reason)

	rec = doRequest(t, gw, http.MethodDelete, "/api/tasks/"+taskID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "second cancel hits a finished task")

	rec = doRequest(t, gw, http.MethodDelete, "/api/tasks/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetTask(t *testing.T) {
	gw := newTestGateway(t)
	startSilentAgent(t, gw, "mute")

	rec := doRequest(t, gw, http.MethodGet, "/api/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, gw, http.MethodPost, "/api/tasks", SubmitTaskRequest{AgentID: "mute", TimeoutMS: 60_000})
	taskID := decodeJSON[TaskResponse](t, rec).TaskID

	rec = doRequest(t, gw, http.MethodGet, "/api/tasks/"+taskID+"?wait=20ms", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeJSON[TaskResponse](t, rec)
	assert.Equal(t, "sent", resp.State, "wait elapsing returns the current snapshot")
	assert.Equal(t, "mute", resp.AgentID)
	assert.NotEmpty(t, resp.Deadline)

	rec = doRequest(t, gw, http.MethodGet, "/api/tasks/"+taskID+"?wait=soon", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFanOutEndpoint(t *testing.T) {
	gw := newTestGateway(t)
	startEchoAgent(t, gw, "a")
	startEchoAgent(t, gw, "b")

	rec := doRequest(t, gw, http.MethodPost, "/api/fanout", FanOutRequest{
		AgentIDs:  []string{"a", "missing", "b"},
		Payload:   json.RawMessage(`{"x":1}`),
		TimeoutMS: 2000,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	results := decodeJSON[[]FanOutResponse](t, rec)
	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].AgentID)
	assert.JSONEq(t, `{"x":1}`, string(results[0].Result))
	assert.Equal(t, router.ReasonAgentNotFound, results[1].Reason)
	assert.Empty(t, results[1].TaskID)
	assert.JSONEq(t, `{"x":1}`, string(results[2].Result))
}

func TestAgentsEndpoints(t *testing.T) {
	gw := newTestGateway(t)
	startEchoAgent(t, gw, "echo")
	gw.registry.Preload([]registry.Agent{{ID: "old", Metadata: registry.Metadata{Name: "Old", Protocol: protocol.MCP}}})

	rec := doRequest(t, gw, http.MethodGet, "/api/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	agents := decodeJSON[[]AgentInfoResponse](t, rec)
	require.Len(t, agents, 2)

	byID := map[string]AgentInfoResponse{}
	for _, a := range agents {
		byID[a.ID] = a
	}
	assert.Equal(t, "online", byID["echo"].Status)
	assert.Equal(t, "native", byID["echo"].Protocol)
	assert.Equal(t, "offline", byID["old"].Status)
	assert.Equal(t, "mcp", byID["old"].Protocol)

	rec = doRequest(t, gw, http.MethodGet, "/api/agents?status=online", nil)
	assert.Len(t, decodeJSON[[]AgentInfoResponse](t, rec), 1)

	rec = doRequest(t, gw, http.MethodGet, "/api/agents/echo", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decodeJSON[AgentInfoResponse](t, rec).ConnectionID)

	rec = doRequest(t, gw, http.MethodGet, "/api/agents/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	t.Run("deregister", func(t *testing.T) {
		rec := doRequest(t, gw, http.MethodDelete, "/api/agents/echo", nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)

		rec = doRequest(t, gw, http.MethodDelete, "/api/agents/echo", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)

		rec = doRequest(t, gw, http.MethodPost, "/api/tasks", SubmitTaskRequest{AgentID: "echo"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHealthEndpoints(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(t, gw, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = doRequest(t, gw, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	startEchoAgent(t, gw, "echo")
	rec = doRequest(t, gw, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "1 agents")
}

func TestHubCard(t *testing.T) {
	gw := newTestGateway(t)
	startEchoAgent(t, gw, "echo")

	rec := doRequest(t, gw, http.MethodGet, protocol.WellKnownCardPath, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	card := decodeJSON[a2a.AgentCard](t, rec)
	assert.Equal(t, "agenthub", card.Name)
	require.Len(t, card.Skills, 1)
	assert.Equal(t, "echo", card.Skills[0].ID)
	assert.Contains(t, card.Skills[0].Tags, "native")
}

func TestMetricsEndpoint(t *testing.T) {
	gw := newTestGateway(t)
	startEchoAgent(t, gw, "echo")

	rec := doRequest(t, gw, http.MethodPost, "/api/tasks", SubmitTaskRequest{AgentID: "echo", Wait: true})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, gw, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "agenthub_tasks_submitted_total 1")
	assert.Contains(t, body, `agenthub_agents{status="online"} 1`)
	assert.Contains(t, body, `agenthub_connections_active{protocol="native"} 1`)

	t.Run("disabled", func(t *testing.T) {
		gw := newTestGateway(t, func(c *config.Config) { c.Metrics.Enabled = false })
		rec := doRequest(t, gw, http.MethodGet, "/metrics", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestAPIAuth(t *testing.T) {
	gw := newTestGateway(t, func(c *config.Config) { c.Auth.JWTSecret = testSecret })

	rec := doRequest(t, gw, http.MethodGet, "/api/agents", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := auth.NewJWTVerifier([]byte(testSecret)).Generate("cli", auth.PrincipalClient, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	gw.httpServer.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, gw, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "health stays open")
}

func TestOutcomesEndpoint(t *testing.T) {
	t.Run("without database", func(t *testing.T) {
		gw := newTestGateway(t)
		rec := doRequest(t, gw, http.MethodGet, "/api/outcomes", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "database.path")
	})

	t.Run("records finished tasks", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "hub.db")
		gw := newTestGateway(t, func(c *config.Config) { c.Database.Path = dbPath })
		startEchoAgent(t, gw, "echo")
		startSilentAgent(t, gw, "mute")

		rec := doRequest(t, gw, http.MethodPost, "/api/tasks", SubmitTaskRequest{AgentID: "echo", Wait: true})
		require.Equal(t, http.StatusOK, rec.Code)
		rec = doRequest(t, gw, http.MethodPost, "/api/tasks", SubmitTaskRequest{AgentID: "mute", TimeoutMS: 50, Wait: true})
		require.Equal(t, http.StatusOK, rec.Code)

		var outcomes []OutcomeResponse
		require.Eventually(t, func() bool {
			rec := doRequest(t, gw, http.MethodGet, "/api/outcomes", nil)
			if rec.Code != http.StatusOK {
				return false
			}
			outcomes = nil
			_ = json.NewDecoder(rec.Body).Decode(&outcomes)
			return len(outcomes) == 2
		}, 2*time.Second, 20*time.Millisecond)

		rec = doRequest(t, gw, http.MethodGet, "/api/outcomes?agent_id=mute", nil)
		filtered := decodeJSON[[]OutcomeResponse](t, rec)
		require.Len(t, filtered, 1)
		assert.Equal(t, "timed_out", filtered[0].State)
		assert.Equal(t, router.ReasonTimedOut, filtered[0].Reason)

		rec = doRequest(t, gw, http.MethodGet, "/api/outcomes?limit=x", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
