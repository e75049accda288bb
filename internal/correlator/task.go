// ABOUTME: Task state machine, snapshots, and the errors tasks can finish with.
// ABOUTME: Per-task locking keeps transitions atomic without a global lock.

package correlator

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Task outcome and lookup errors.
var (
	ErrAgentUnavailable = errors.New("agent unavailable")
	ErrCancelled        = errors.New("task cancelled")
	ErrTimedOut         = errors.New("task timed out")
	ErrTaskNotFound     = errors.New("task not found")
	ErrTaskTerminal     = errors.New("task already finished")
	ErrTaskExpired      = errors.New("task result expired")
	ErrClosed           = errors.New("correlator closed")
)

// RemoteError is a failure reported by the agent itself.
type RemoteError struct {
	AgentID string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("agent %s reported an error", e.AgentID)
	}
	return fmt.Sprintf("agent %s: %s", e.AgentID, e.Message)
}

// State is a task's position in its lifecycle.
type State int

const (
	StatePending State = iota
	StateSent
	StateCompleted
	StateFailed
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSent:
		return "sent"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

// Snapshot is a copy of a task's state at one instant.
type Snapshot struct {
	ID           string
	Originator   string
	AgentID      string
	ConnectionID string
	State        State
	Payload      json.RawMessage
	Result       json.RawMessage
	Err          error
	CreatedAt    time.Time
	Deadline     time.Time
	FinishedAt   time.Time
}

type task struct {
	id         string
	originator string
	agentID    string
	connID     string
	payload    json.RawMessage
	createdAt  time.Time
	deadline   time.Time
	done       chan struct{}

	mu         sync.Mutex
	state      State
	result     json.RawMessage
	err        error
	finishedAt time.Time
	timer      *time.Timer
}

func (t *task) snapshotLocked() Snapshot {
	return Snapshot{
		ID:           t.id,
		Originator:   t.originator,
		AgentID:      t.agentID,
		ConnectionID: t.connID,
		State:        t.state,
		Payload:      t.payload,
		Result:       t.result,
		Err:          t.err,
		CreatedAt:    t.createdAt,
		Deadline:     t.deadline,
		FinishedAt:   t.finishedAt,
	}
}

func (t *task) snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}
