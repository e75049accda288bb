// ABOUTME: Binds the registry, correlator, and connection manager into request routing.
// ABOUTME: Submits tasks to agents and demultiplexes their replies back to callers.

package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/2389/agenthub/internal/conn"
	"github.com/2389/agenthub/internal/correlator"
	"github.com/2389/agenthub/internal/protocol"
	"github.com/2389/agenthub/internal/registry"
)

// Timeout defaults.
const (
	DefaultTimeout = 60 * time.Second
	MaxTimeout     = 10 * time.Minute
	maxFanOut      = 32
)

// DefaultMaxRelays caps the requests one connection may have in flight to
// other agents.
const DefaultMaxRelays = 16

// Config bounds task timeouts and agent-to-agent relays.
type Config struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MaxRelays      int
}

func (c *Config) applyDefaults() {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = MaxTimeout
	}
	if c.DefaultTimeout > c.MaxTimeout {
		c.DefaultTimeout = c.MaxTimeout
	}
	if c.MaxRelays <= 0 {
		c.MaxRelays = DefaultMaxRelays
	}
}

// Observer receives routing events that no other component sees.
type Observer interface {
	Superseded(agentID string)
	LateResponse(agentID string)
}

type nopObserver struct{}

func (nopObserver) Superseded(string)   {}
func (nopObserver) LateResponse(string) {}

// Router routes caller requests to agents and agent replies to callers.
// It implements conn.Handler for every agent connection.
type Router struct {
	cfg      Config
	registry *registry.Registry
	tasks    *correlator.Correlator
	observer Observer
	logger   *slog.Logger

	relayMu sync.Mutex
	relays  map[string]*semaphore.Weighted // by connection id
}

// New creates a Router. A nil observer is allowed.
func New(cfg Config, reg *registry.Registry, tasks *correlator.Correlator, observer Observer, logger *slog.Logger) *Router {
	cfg.applyDefaults()
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:      cfg,
		registry: reg,
		tasks:    tasks,
		observer: observer,
		logger:   logger.With("component", "router"),
		relays:   make(map[string]*semaphore.Weighted),
	}
}

var _ conn.Handler = (*Router)(nil)

func (r *Router) normalizeTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return r.cfg.DefaultTimeout
	}
	if d > r.cfg.MaxTimeout {
		return r.cfg.MaxTimeout
	}
	return d
}

// Submit sends payload to agentID on behalf of originator and returns the
// task id to await. Unknown and offline agents fail synchronously without
// creating a task. A send failure after the task exists fails the task
// rather than the call.
func (r *Router) Submit(ctx context.Context, originator, agentID string, payload json.RawMessage, timeout time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	h, err := r.registry.Resolve(agentID)
	if err != nil {
		return "", fmt.Errorf("submit to %s: %w", agentID, err)
	}

	timeout = r.normalizeTimeout(timeout)
	snap, err := r.tasks.Create(correlator.NewTask{
		Originator:   originator,
		AgentID:      agentID,
		ConnectionID: h.ConnectionID(),
		Payload:      payload,
		Timeout:      timeout,
	})
	if err != nil {
		return "", fmt.Errorf("submit to %s: %w", agentID, err)
	}

	msg := protocol.Message{
		Kind:          protocol.KindRequest,
		CorrelationID: snap.ID,
		Peer:          agentID,
		Payload:       payload,
		Timestamp:     snap.CreatedAt,
	}
	if err := h.Send(msg); err != nil {
		r.logger.Warn("send to agent failed",
			"agent_id", agentID,
			"task_id", snap.ID,
			"error", err,
		)
		_ = r.tasks.Fail(snap.ID, err)
		return snap.ID, nil
	}
	_ = r.tasks.MarkSent(snap.ID)

	r.logger.Debug("task submitted",
		"task_id", snap.ID,
		"agent_id", agentID,
		"originator", originator,
		"connection_id", h.ConnectionID(),
		"timeout", timeout,
	)
	return snap.ID, nil
}

// Await blocks until taskID finishes and returns its result or failure.
func (r *Router) Await(ctx context.Context, taskID string) (json.RawMessage, error) {
	return r.tasks.Await(ctx, taskID)
}

// Wait blocks until taskID finishes or ctx is done and returns its snapshot.
func (r *Router) Wait(ctx context.Context, taskID string) (correlator.Snapshot, error) {
	return r.tasks.Wait(ctx, taskID)
}

// Get returns the current snapshot of taskID.
func (r *Router) Get(taskID string) (correlator.Snapshot, error) {
	return r.tasks.Get(taskID)
}

// Cancel fails taskID with ErrCancelled unless it already finished.
func (r *Router) Cancel(taskID string) error {
	return r.tasks.Cancel(taskID)
}

// Call submits and awaits in one step. If ctx ends first the task is
// cancelled.
func (r *Router) Call(ctx context.Context, originator, agentID string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	id, err := r.Submit(ctx, originator, agentID, payload, timeout)
	if err != nil {
		return nil, err
	}
	result, err := r.tasks.Await(ctx, id)
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		_ = r.tasks.Cancel(id)
	}
	return result, err
}

// FanOutResult is one target's outcome from FanOut.
type FanOutResult struct {
	AgentID string
	TaskID  string
	Result  json.RawMessage
	Err     error
}

// FanOut sends payload to every target independently and waits for all of
// them. Results are returned in target order; one target's failure does
// not affect the others.
func (r *Router) FanOut(ctx context.Context, originator string, targets []string, payload json.RawMessage, timeout time.Duration) []FanOutResult {
	results := make([]FanOutResult, len(targets))

	var g errgroup.Group
	g.SetLimit(maxFanOut)
	for i, target := range targets {
		g.Go(func() error {
			res := FanOutResult{AgentID: target}
			res.TaskID, res.Err = r.Submit(ctx, originator, target, payload, timeout)
			if res.Err == nil {
				res.Result, res.Err = r.tasks.Await(ctx, res.TaskID)
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// AgentConnected binds a freshly registered connection to its agent entry,
// superseding any earlier connection.
func (r *Router) AgentConnected(c *conn.Connection, meta registry.Metadata) registry.Outcome {
	return r.registry.Upsert(c.AgentID(), meta, c, conn.ErrSuperseded)
}

// Deregister removes agentID and closes its connection.
func (r *Router) Deregister(agentID string) error {
	return r.registry.Deregister(agentID)
}

// HandleMessage routes one decoded inbound message.
func (r *Router) HandleMessage(c *conn.Connection, msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindResponse:
		r.settle(c, msg.CorrelationID, func(id string) error {
			return r.tasks.Complete(id, msg.Payload)
		})
	case protocol.KindError:
		r.settle(c, msg.CorrelationID, func(id string) error {
			return r.tasks.Fail(id, &correlator.RemoteError{AgentID: c.AgentID(), Message: msg.Error})
		})
	case protocol.KindRequest:
		r.startRelay(c, msg)
	}
}

// settle applies a terminal transition on behalf of the agent behind c. An
// agent may only finish tasks addressed to it.
func (r *Router) settle(c *conn.Connection, id string, apply func(string) error) {
	if id == "" {
		r.logger.Warn("reply without correlation id discarded", "agent_id", c.AgentID())
		return
	}

	snap, err := r.tasks.Get(id)
	switch {
	case errors.Is(err, correlator.ErrTaskExpired):
		r.lateResponse(c, id)
		return
	case err != nil:
		r.logger.Warn("reply for unknown task discarded", "agent_id", c.AgentID(), "task_id", id)
		return
	case snap.AgentID != c.AgentID():
		r.logger.Warn("reply from wrong agent discarded",
			"agent_id", c.AgentID(),
			"task_id", id,
			"target_agent_id", snap.AgentID,
		)
		return
	}

	if err := apply(id); errors.Is(err, correlator.ErrTaskTerminal) {
		r.lateResponse(c, id)
	}
}

func (r *Router) lateResponse(c *conn.Connection, id string) {
	r.logger.Info("late response discarded", "agent_id", c.AgentID(), "task_id", id)
	r.observer.LateResponse(c.AgentID())
}

// relaySlots returns the relay semaphore for c, or nil once c has closed.
func (r *Router) relaySlots(c *conn.Connection) *semaphore.Weighted {
	r.relayMu.Lock()
	defer r.relayMu.Unlock()
	if c.Err() != nil {
		return nil
	}
	slots, ok := r.relays[c.ID()]
	if !ok {
		slots = semaphore.NewWeighted(int64(r.cfg.MaxRelays))
		r.relays[c.ID()] = slots
	}
	return slots
}

// startRelay serves a request an agent sent to another agent. The reply goes
// back on c under the caller's correlation id. A connection with MaxRelays
// requests already in flight gets an immediate error instead.
func (r *Router) startRelay(c *conn.Connection, req protocol.Message) {
	slots := r.relaySlots(c)
	if slots == nil {
		return
	}
	if !slots.TryAcquire(1) {
		r.logger.Warn("relay limit reached, request rejected",
			"agent_id", c.AgentID(),
			"correlation_id", req.CorrelationID,
			"limit", r.cfg.MaxRelays,
		)
		r.replyRelay(c, req, nil, fmt.Errorf("%w: %d requests in flight", ErrRelayLimit, r.cfg.MaxRelays))
		return
	}

	go func() {
		result, err := r.relay(c, req)
		slots.Release(1)
		if c.Context().Err() != nil {
			return
		}
		r.replyRelay(c, req, result, err)
	}()
}

func (r *Router) relay(c *conn.Connection, req protocol.Message) (json.RawMessage, error) {
	if req.Peer == "" {
		return nil, errors.New("request has no target agent")
	}
	return r.Call(c.Context(), "agent:"+c.AgentID(), req.Peer, req.Payload, 0)
}

func (r *Router) replyRelay(c *conn.Connection, req protocol.Message, result json.RawMessage, err error) {
	reply := protocol.Message{
		Kind:          protocol.KindResponse,
		CorrelationID: req.CorrelationID,
		Peer:          req.Peer,
		Payload:       result,
		Timestamp:     time.Now(),
	}
	if err != nil {
		reply.Kind = protocol.KindError
		reply.Payload = nil
		reply.Error = err.Error()
	}
	if err := c.Send(reply); err != nil {
		r.logger.Debug("relay reply not delivered", "agent_id", c.AgentID(), "error", err)
	}
}

// HandleDecodeError fails the awaiting task when the frame named one and
// otherwise records the frame as noise.
func (r *Router) HandleDecodeError(c *conn.Connection, err error) {
	var de *protocol.DecodeError
	if errors.As(err, &de) && de.CorrelationID != "" {
		snap, gerr := r.tasks.Get(de.CorrelationID)
		if gerr == nil && snap.AgentID == c.AgentID() {
			if r.tasks.Fail(de.CorrelationID, err) == nil {
				r.logger.Warn("malformed reply failed task",
					"agent_id", c.AgentID(),
					"task_id", de.CorrelationID,
					"error", err,
				)
				return
			}
		}
	}
	r.logger.Warn("malformed frame discarded", "agent_id", c.AgentID(), "error", err)
}

// ConnectionDegraded marks the agent Degraded after a missed heartbeat.
func (r *Router) ConnectionDegraded(c *conn.Connection) {
	r.registry.MarkDegraded(c.AgentID(), c)
}

// ConnectionRecovered marks the agent Online again.
func (r *Router) ConnectionRecovered(c *conn.Connection) {
	r.registry.MarkOnline(c.AgentID(), c)
}

// ConnectionClosed takes the agent offline and fails every task that was
// in flight on the connection.
func (r *Router) ConnectionClosed(c *conn.Connection, reason error) {
	r.relayMu.Lock()
	delete(r.relays, c.ID())
	r.relayMu.Unlock()

	wentOffline := r.registry.MarkOffline(c.AgentID(), c)

	failed := r.tasks.FailConnection(c.ID(), fmt.Errorf("%w: %v", correlator.ErrAgentUnavailable, reason))

	if errors.Is(reason, conn.ErrSuperseded) {
		r.observer.Superseded(c.AgentID())
	}
	if wentOffline || failed > 0 {
		r.logger.Info("=== AGENT OFFLINE ===",
			"agent_id", c.AgentID(),
			"connection_id", c.ID(),
			"reason", reason,
			"failed_tasks", failed,
		)
	}
}
