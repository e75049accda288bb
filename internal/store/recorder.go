// ABOUTME: Asynchronous writer that mirrors registry and task events into a Store
// ABOUTME: Runs writes on one worker goroutine so routing never waits on the disk

package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/agenthub/internal/correlator"
	"github.com/2389/agenthub/internal/registry"
)

const (
	defaultRecorderQueue = 1024
	recorderWriteTimeout = 5 * time.Second
)

// Recorder persists registry and correlator events. Writes are queued and
// applied in order by a single worker; when the queue is full the event is
// dropped and logged. Write failures are logged, never returned.
type Recorder struct {
	store  Store
	reason func(error) string
	logger *slog.Logger

	ops       chan op
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

type op struct {
	name string
	fn   func(ctx context.Context) error
}

// NewRecorder starts a Recorder over s. reason maps a task error to its
// reason code; nil records no reason.
func NewRecorder(s Store, reason func(error) string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		store:  s,
		reason: reason,
		logger: logger.With("component", "recorder"),
		ops:    make(chan op, defaultRecorderQueue),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for o := range r.ops {
		ctx, cancel := context.WithTimeout(context.Background(), recorderWriteTimeout)
		if err := o.fn(ctx); err != nil {
			r.logger.Warn("store write failed", "op", o.name, "error", err)
		}
		cancel()
	}
}

func (r *Recorder) enqueue(name string, fn func(ctx context.Context) error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ops <- op{name: name, fn: fn}:
	default:
		r.logger.Warn("store queue full, dropping write", "op", name)
	}
}

// AgentRegistered upserts the agent's directory row.
func (r *Recorder) AgentRegistered(a registry.Agent, outcome registry.Outcome) {
	rec := &AgentRecord{
		ID:           a.ID,
		Name:         a.Metadata.Name,
		Description:  a.Metadata.Description,
		Protocol:     string(a.Metadata.Protocol),
		Capabilities: a.Metadata.Capabilities,
		CardURL:      a.Metadata.CardURL,
		RegisteredAt: a.RegisteredAt,
		LastSeen:     a.UpdatedAt,
	}
	r.enqueue("upsert_agent", func(ctx context.Context) error {
		return r.store.UpsertAgent(ctx, rec)
	})
}

// AgentDeregistered deletes the agent's directory row.
func (r *Recorder) AgentDeregistered(id string) {
	r.enqueue("delete_agent", func(ctx context.Context) error {
		err := r.store.DeleteAgent(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	})
}

// AgentStatusChanged refreshes last_seen.
func (r *Recorder) AgentStatusChanged(id string, from, to registry.Status) {
	at := time.Now()
	r.enqueue("touch_agent", func(ctx context.Context) error {
		err := r.store.TouchAgent(ctx, id, at)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	})
}

// TaskCreated is a no-op; only outcomes are recorded.
func (r *Recorder) TaskCreated(correlator.Snapshot) {}

// TaskFinished appends the task's outcome.
func (r *Recorder) TaskFinished(s correlator.Snapshot) {
	o := &TaskOutcome{
		TaskID:     s.ID,
		Originator: s.Originator,
		AgentID:    s.AgentID,
		State:      s.State.String(),
		CreatedAt:  s.CreatedAt,
		FinishedAt: s.FinishedAt,
		DurationMS: s.FinishedAt.Sub(s.CreatedAt).Milliseconds(),
	}
	if s.Err != nil {
		o.Error = s.Err.Error()
		if r.reason != nil {
			o.Reason = r.reason(s.Err)
		}
	}
	r.enqueue("record_outcome", func(ctx context.Context) error {
		return r.store.RecordTaskOutcome(ctx, o)
	})
}

// Close stops accepting events and waits for queued writes to finish.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.ops)
		r.mu.Unlock()
		<-r.done
	})
}

var (
	_ registry.Observer   = (*Recorder)(nil)
	_ correlator.Observer = (*Recorder)(nil)
)
