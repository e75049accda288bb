// ABOUTME: Prometheus collectors for connections, agents, tasks, and malformed frames.
// ABOUTME: A nil *Metrics is valid and records nothing, so wiring stays optional.

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/agenthub/internal/correlator"
	"github.com/2389/agenthub/internal/protocol"
	"github.com/2389/agenthub/internal/registry"
)

const namespace = "agenthub"

// Metrics owns a private Prometheus registry and the hub's collectors. It
// implements the observer interfaces of conn, correlator and router.
type Metrics struct {
	registry *prometheus.Registry

	connectionsActive *prometheus.GaugeVec
	tasksSubmitted    prometheus.Counter
	tasksTerminal     *prometheus.CounterVec
	taskDuration      *prometheus.HistogramVec
	malformedFrames   *prometheus.CounterVec
	supersessions     prometheus.Counter
	lateResponses     prometheus.Counter
}

// New creates the collectors. agents, when non-nil, is sampled at scrape
// time for the per-status agent gauge.
func New(agents func() map[registry.Status]int) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Live agent connections.",
		}, []string{"protocol"}),
		tasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Tasks created by the router.",
		}),
		tasksTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_terminal_total",
			Help:      "Tasks that reached a terminal state, by outcome.",
		}, []string{"outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Time from task creation to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 9),
		}, []string{"outcome"}),
		malformedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Inbound frames that failed to decode, by protocol.",
		}, []string{"protocol"}),
		supersessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "supersessions_total",
			Help:      "Connections closed because the agent registered again.",
		}),
		lateResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "late_responses_total",
			Help:      "Replies discarded because their task had already finished.",
		}),
	}

	m.registry.MustRegister(
		m.connectionsActive,
		m.tasksSubmitted,
		m.tasksTerminal,
		m.taskDuration,
		m.malformedFrames,
		m.supersessions,
		m.lateResponses,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if agents != nil {
		m.registry.MustRegister(&agentsCollector{counts: agents})
	}
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ConnectionOpened implements conn.Observer.
func (m *Metrics) ConnectionOpened(p protocol.ProtocolKind) {
	if m == nil {
		return
	}
	m.connectionsActive.WithLabelValues(string(p)).Inc()
}

// ConnectionClosed implements conn.Observer.
func (m *Metrics) ConnectionClosed(p protocol.ProtocolKind) {
	if m == nil {
		return
	}
	m.connectionsActive.WithLabelValues(string(p)).Dec()
}

// MalformedFrame implements conn.Observer.
func (m *Metrics) MalformedFrame(p protocol.ProtocolKind) {
	if m == nil {
		return
	}
	m.malformedFrames.WithLabelValues(string(p)).Inc()
}

// TaskCreated implements correlator.Observer.
func (m *Metrics) TaskCreated(correlator.Snapshot) {
	if m == nil {
		return
	}
	m.tasksSubmitted.Inc()
}

// TaskFinished implements correlator.Observer.
func (m *Metrics) TaskFinished(s correlator.Snapshot) {
	if m == nil {
		return
	}
	outcome := s.State.String()
	m.tasksTerminal.WithLabelValues(outcome).Inc()
	m.taskDuration.WithLabelValues(outcome).Observe(s.FinishedAt.Sub(s.CreatedAt).Seconds())
}

// Superseded implements router.Observer.
func (m *Metrics) Superseded(string) {
	if m == nil {
		return
	}
	m.supersessions.Inc()
}

// LateResponse implements router.Observer.
func (m *Metrics) LateResponse(string) {
	if m == nil {
		return
	}
	m.lateResponses.Inc()
}

// agentsCollector reports registry status counts at scrape time so the
// gauge can never drift from the registry.
type agentsCollector struct {
	counts func() map[registry.Status]int
}

var agentsDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "", "agents"),
	"Known agents by status.",
	[]string{"status"}, nil,
)

func (c *agentsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- agentsDesc
}

func (c *agentsCollector) Collect(ch chan<- prometheus.Metric) {
	for status, n := range c.counts() {
		ch <- prometheus.MustNewConstMetric(agentsDesc, prometheus.GaugeValue, float64(n), status.String())
	}
}
