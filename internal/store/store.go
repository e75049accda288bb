// ABOUTME: Store interface and record types for the durable agent directory
// ABOUTME: Agents survive restarts as Offline entries; task outcomes form an audit trail

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// AgentRecord is the durable part of a registry entry
type AgentRecord struct {
	ID           string
	Name         string
	Description  string
	Protocol     string
	Capabilities []string
	CardURL      string
	RegisteredAt time.Time
	LastSeen     time.Time
}

// TaskOutcome is one finished task
type TaskOutcome struct {
	TaskID     string
	Originator string
	AgentID    string
	State      string // completed, failed, timed_out
	Reason     string // reason code, empty when completed
	Error      string
	CreatedAt  time.Time
	FinishedAt time.Time
	DurationMS int64
}

// OutcomeFilter narrows ListTaskOutcomes.
type OutcomeFilter struct {
	AgentID string     // only this agent
	State   string     // only this terminal state
	Since   *time.Time // finished at or after
	Limit   int        // max results (default 100, max 1000)
}

// Store persists the agent directory and task outcomes
type Store interface {
	// UpsertAgent inserts or replaces an agent row, keeping the original
	// registered_at.
	UpsertAgent(ctx context.Context, a *AgentRecord) error
	// TouchAgent updates last_seen. Returns ErrNotFound for unknown agents.
	TouchAgent(ctx context.Context, id string, at time.Time) error
	GetAgent(ctx context.Context, id string) (*AgentRecord, error)
	ListAgents(ctx context.Context) ([]*AgentRecord, error)
	DeleteAgent(ctx context.Context, id string) error

	RecordTaskOutcome(ctx context.Context, o *TaskOutcome) error
	ListTaskOutcomes(ctx context.Context, f OutcomeFilter) ([]*TaskOutcome, error)

	Close() error
}

// normalizeLimit applies default (100) and cap (1000) to a list limit.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}
