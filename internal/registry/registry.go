// ABOUTME: Directory of known agents, their metadata, status, and live connection.
// ABOUTME: Handles registration, supersession on reconnect, and status transitions.

package registry

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/2389/agenthub/internal/protocol"
)

// ErrAgentNotFound indicates the agent id has never registered or was deregistered.
var ErrAgentNotFound = errors.New("agent not found")

// ErrAgentOffline indicates the agent is known but has no live connection.
var ErrAgentOffline = errors.New("agent offline")

// ErrDeregistered is the close reason given to a connection whose agent was removed.
var ErrDeregistered = errors.New("agent deregistered")

// Status is an agent's reachability.
type Status int

const (
	StatusOffline Status = iota
	StatusOnline
	StatusDegraded
)

func (s Status) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusDegraded:
		return "degraded"
	default:
		return "offline"
	}
}

// Outcome reports how a registration was applied.
type Outcome int

const (
	Registered Outcome = iota + 1
	Reconnected
)

func (o Outcome) String() string {
	if o == Reconnected {
		return protocol.OutcomeReconnected
	}
	return protocol.OutcomeRegistered
}

// Handle is the registry's view of a live connection. Done must be closed
// before Close runs any callback that could reach MarkOffline.
type Handle interface {
	ConnectionID() string
	Send(msg protocol.Message) error
	Close(reason error)
	Done() <-chan struct{}
}

func closed(h Handle) bool {
	select {
	case <-h.Done():
		return true
	default:
		return false
	}
}

// Metadata is what an agent declares about itself.
type Metadata struct {
	Name         string
	Description  string
	Protocol     protocol.ProtocolKind
	Capabilities []string
	CardURL      string
	Card         *a2a.AgentCard
}

// Agent is a point-in-time snapshot of a registry entry.
type Agent struct {
	ID           string
	Metadata     Metadata
	Status       Status
	ConnectionID string
	RegisteredAt time.Time
	UpdatedAt    time.Time
}

// Observer is notified after registry changes, outside any registry lock.
type Observer interface {
	AgentRegistered(a Agent, outcome Outcome)
	AgentDeregistered(id string)
	AgentStatusChanged(id string, from, to Status)
}

type nopObserver struct{}

func (nopObserver) AgentRegistered(Agent, Outcome) {}
func (nopObserver) AgentDeregistered(string) {}
func (nopObserver) AgentStatusChanged(string, Status, Status) {}

// entry holds one agent. regMu serializes registrations for the agent so a
// superseded connection is fully torn down before the next one binds; mu
// guards the fields and is never held while calling out.
type entry struct {
	regMu sync.Mutex

	mu           sync.Mutex
	id           string
	meta         Metadata
	status       Status
	handle       Handle
	registeredAt time.Time
	updatedAt    time.Time
	removed      bool
}

func (e *entry) snapshotLocked() Agent {
	a := Agent{
		ID:           e.id,
		Metadata:     e.meta,
		Status:       e.status,
		RegisteredAt: e.registeredAt,
		UpdatedAt:    e.updatedAt,
	}
	a.Metadata.Capabilities = append([]string(nil), e.meta.Capabilities...)
	if e.handle != nil {
		a.ConnectionID = e.handle.ConnectionID()
	}
	return a
}

// Registry maps agent ids to entries. The map lock only guards membership;
// per-agent state has its own lock so traffic to one agent never waits on
// another.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an empty Registry. A nil observer is allowed.
func New(observer Observer, logger *slog.Logger) *Registry {
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries:  make(map[string]*entry),
		observer: observer,
		logger:   logger,
		now:      time.Now,
	}
}

func (r *Registry) getOrCreate(id string) (*entry, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if ok {
		return e, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e, false
	}
	now := r.now()
	e = &entry{id: id, registeredAt: now, updatedAt: now}
	r.entries[id] = e
	return e, true
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

// Upsert binds handle to agent id with meta and marks it Online. If another
// connection is bound it is closed with reason superseded, and that close
// (including any failure sweep its handler runs) completes before handle
// becomes visible. A handle that has already closed is never bound; the
// metadata is still recorded and the agent is left Offline.
func (r *Registry) Upsert(id string, meta Metadata, handle Handle, superseded error) Outcome {
	for {
		e, created := r.getOrCreate(id)
		e.regMu.Lock()

		e.mu.Lock()
		if e.removed {
			// Lost a race with Deregister; start over with a fresh entry.
			e.mu.Unlock()
			e.regMu.Unlock()
			continue
		}
		prior := e.handle
		e.handle = nil
		prevStatus := e.status
		e.status = StatusOffline
		e.mu.Unlock()

		if prior != nil && prior != handle {
			r.logger.Info("superseding connection",
				"agent_id", id,
				"old_connection_id", prior.ConnectionID(),
				"new_connection_id", handle.ConnectionID(),
			)
			prior.Close(superseded)
		}

		// Checked under e.mu: a handle that closes after this point finds
		// itself bound when its MarkOffline runs.
		e.mu.Lock()
		e.meta = meta
		e.updatedAt = r.now()
		to := StatusOffline
		if !closed(handle) {
			e.handle = handle
			e.status = StatusOnline
			to = StatusOnline
		}
		snap := e.snapshotLocked()
		e.mu.Unlock()
		e.regMu.Unlock()

		if to == StatusOffline {
			r.logger.Warn("connection closed before it was bound",
				"agent_id", id,
				"connection_id", handle.ConnectionID(),
			)
		}

		outcome := Registered
		if !created {
			outcome = Reconnected
		}
		r.observer.AgentRegistered(snap, outcome)
		if prevStatus != to {
			r.observer.AgentStatusChanged(id, prevStatus, to)
		}
		return outcome
	}
}

// Resolve returns the live handle for id. Degraded agents still resolve.
func (r *Registry) Resolve(id string) (Handle, error) {
	e := r.lookup(id)
	if e == nil {
		return nil, ErrAgentNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil, ErrAgentNotFound
	}
	if e.handle == nil {
		return nil, ErrAgentOffline
	}
	return e.handle, nil
}

// MarkOffline unbinds handle from id if it is still the bound connection.
// A stale handle (already superseded) is ignored. Reports whether a
// transition happened.
func (r *Registry) MarkOffline(id string, handle Handle) bool {
	return r.transition(id, handle, StatusOffline, func(e *entry) {
		e.handle = nil
	})
}

// MarkDegraded flags id as having missed a heartbeat on handle.
func (r *Registry) MarkDegraded(id string, handle Handle) bool {
	return r.transition(id, handle, StatusDegraded, nil)
}

// MarkOnline clears a degraded flag set on handle.
func (r *Registry) MarkOnline(id string, handle Handle) bool {
	return r.transition(id, handle, StatusOnline, nil)
}

func (r *Registry) transition(id string, handle Handle, to Status, mutate func(*entry)) bool {
	e := r.lookup(id)
	if e == nil {
		return false
	}

	e.mu.Lock()
	if e.removed || e.handle == nil || e.handle != handle || e.status == to {
		e.mu.Unlock()
		return false
	}
	from := e.status
	e.status = to
	e.updatedAt = r.now()
	if mutate != nil {
		mutate(e)
	}
	e.mu.Unlock()

	r.logger.Info("agent status changed", "agent_id", id, "from", from, "to", to)
	r.observer.AgentStatusChanged(id, from, to)
	return true
}

// Deregister removes id and closes its connection, if any.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrAgentNotFound
	}

	e.mu.Lock()
	e.removed = true
	handle := e.handle
	from := e.status
	e.handle = nil
	e.status = StatusOffline
	e.mu.Unlock()

	if handle != nil {
		handle.Close(ErrDeregistered)
	}

	r.logger.Info("=== AGENT DEREGISTERED ===", "agent_id", id)
	if from != StatusOffline {
		r.observer.AgentStatusChanged(id, from, StatusOffline)
	}
	r.observer.AgentDeregistered(id)
	return nil
}

// Preload adds known agents as Offline without touching existing entries.
func (r *Registry) Preload(agents []Agent) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, a := range agents {
		if _, ok := r.entries[a.ID]; ok || a.ID == "" {
			continue
		}
		r.entries[a.ID] = &entry{
			id:           a.ID,
			meta:         a.Metadata,
			status:       StatusOffline,
			registeredAt: a.RegisteredAt,
			updatedAt:    a.UpdatedAt,
		}
		n++
	}
	return n
}

// Get returns a snapshot of id.
func (r *Registry) Get(id string) (Agent, bool) {
	e := r.lookup(id)
	if e == nil {
		return Agent{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Agent{}, false
	}
	return e.snapshotLocked(), true
}

// List returns snapshots of all agents sorted by id.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Agent, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			out = append(out, e.snapshotLocked())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts returns the number of agents in each status.
func (r *Registry) Counts() map[Status]int {
	counts := map[Status]int{StatusOnline: 0, StatusDegraded: 0, StatusOffline: 0}
	for _, a := range r.List() {
		counts[a.Status]++
	}
	return counts
}
