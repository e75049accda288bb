// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	agents   map[string]*AgentRecord
	outcomes map[string]*TaskOutcome
	order    []string // outcome task IDs in insertion order
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:   make(map[string]*AgentRecord),
		outcomes: make(map[string]*TaskOutcome),
	}
}

// UpsertAgent stores a copy of a, keeping the first registered_at.
func (m *MockStore) UpsertAgent(ctx context.Context, a *AgentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *a
	cp.Capabilities = append([]string(nil), a.Capabilities...)
	if prev, ok := m.agents[a.ID]; ok {
		cp.RegisteredAt = prev.RegisteredAt
	}
	if cp.RegisteredAt.IsZero() {
		cp.RegisteredAt = time.Now().UTC()
	}
	if cp.LastSeen.IsZero() {
		cp.LastSeen = time.Now().UTC()
	}
	m.agents[a.ID] = &cp
	return nil
}

// TouchAgent updates last_seen.
func (m *MockStore) TouchAgent(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.LastSeen = at
	return nil
}

// GetAgent returns a copy of the agent.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// ListAgents returns copies of all agents ordered by ID.
func (m *MockStore) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*AgentRecord, 0, len(m.agents))
	for _, a := range m.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteAgent removes an agent.
func (m *MockStore) DeleteAgent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[id]; !ok {
		return ErrNotFound
	}
	delete(m.agents, id)
	return nil
}

// RecordTaskOutcome stores the first outcome per task.
func (m *MockStore) RecordTaskOutcome(ctx context.Context, o *TaskOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.outcomes[o.TaskID]; ok {
		return nil
	}
	cp := *o
	m.outcomes[o.TaskID] = &cp
	m.order = append(m.order, o.TaskID)
	return nil
}

// ListTaskOutcomes returns matching outcomes, newest first.
func (m *MockStore) ListTaskOutcomes(ctx context.Context, f OutcomeFilter) ([]*TaskOutcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*TaskOutcome{}
	for i := len(m.order) - 1; i >= 0; i-- {
		o := m.outcomes[m.order[i]]
		if f.AgentID != "" && o.AgentID != f.AgentID {
			continue
		}
		if f.State != "" && o.State != f.State {
			continue
		}
		if f.Since != nil && o.FinishedAt.Before(*f.Since) {
			continue
		}
		cp := *o
		out = append(out, &cp)
		if len(out) == normalizeLimit(f.Limit) {
			break
		}
	}
	return out, nil
}

// Close is a no-op.
func (m *MockStore) Close() error { return nil }

var _ Store = (*MockStore)(nil)
