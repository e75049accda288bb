// ABOUTME: Tests for the Prometheus collectors and their nil-safe observers.
// ABOUTME: Reads values back with the testutil helpers.

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agenthub/internal/correlator"
	"github.com/2389/agenthub/internal/protocol"
	"github.com/2389/agenthub/internal/registry"
)

func TestObserversUpdateCollectors(t *testing.T) {
	m := New(nil)

	m.ConnectionOpened(protocol.MCP)
	m.ConnectionOpened(protocol.MCP)
	m.ConnectionClosed(protocol.MCP)
	m.MalformedFrame(protocol.A2A)

	now := time.Now()
	m.TaskCreated(correlator.Snapshot{})
	m.TaskCreated(correlator.Snapshot{})
	m.TaskFinished(correlator.Snapshot{State: correlator.StateCompleted, CreatedAt: now, FinishedAt: now.Add(10 * time.Millisecond)})
	m.TaskFinished(correlator.Snapshot{State: correlator.StateTimedOut, CreatedAt: now, FinishedAt: now.Add(time.Second)})

	m.Superseded("a1")
	m.LateResponse("a1")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionsActive.WithLabelValues("mcp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.malformedFrames.WithLabelValues("a2a")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.tasksSubmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksTerminal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksTerminal.WithLabelValues("timed_out")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.supersessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lateResponses))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ConnectionOpened(protocol.Native)
		m.ConnectionClosed(protocol.Native)
		m.MalformedFrame(protocol.Native)
		m.TaskCreated(correlator.Snapshot{})
		m.TaskFinished(correlator.Snapshot{})
		m.Superseded("a1")
		m.LateResponse("a1")
	})
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAgentsGaugeSampledAtScrape(t *testing.T) {
	counts := map[registry.Status]int{registry.StatusOnline: 2, registry.StatusDegraded: 0, registry.StatusOffline: 1}
	m := New(func() map[registry.Status]int { return counts })

	expected := `
# HELP agenthub_agents Known agents by status.
# TYPE agenthub_agents gauge
agenthub_agents{status="degraded"} 0
agenthub_agents{status="offline"} 1
agenthub_agents{status="online"} 2
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "agenthub_agents"))
}

func TestHandlerServesText(t *testing.T) {
	m := New(nil)
	m.TaskCreated(correlator.Snapshot{})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "agenthub_tasks_submitted_total 1")
}
