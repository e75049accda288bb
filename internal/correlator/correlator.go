// ABOUTME: Task table with deadlines, awaiting, cancellation, and connection sweeps.
// ABOUTME: Finished tasks are garbage collected after a grace period into tombstones.

package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/agenthub/internal/dedupe"
)

// Defaults for Config fields left zero.
const (
	DefaultResultGracePeriod = time.Minute
	DefaultTombstoneTTL      = 10 * time.Minute
	DefaultMaxTombstones     = 100000
)

// Config controls task retention.
type Config struct {
	// ResultGracePeriod is how long a finished task stays queryable.
	ResultGracePeriod time.Duration
	// TombstoneTTL is how long a collected task id is remembered.
	TombstoneTTL  time.Duration
	MaxTombstones int
}

func (c *Config) applyDefaults() {
	if c.ResultGracePeriod <= 0 {
		c.ResultGracePeriod = DefaultResultGracePeriod
	}
	if c.TombstoneTTL <= 0 {
		c.TombstoneTTL = DefaultTombstoneTTL
	}
	if c.MaxTombstones <= 0 {
		c.MaxTombstones = DefaultMaxTombstones
	}
}

// Observer is notified of task lifecycle events outside any lock.
type Observer interface {
	TaskCreated(s Snapshot)
	TaskFinished(s Snapshot)
}

type nopObserver struct{}

func (nopObserver) TaskCreated(Snapshot) {}
func (nopObserver) TaskFinished(Snapshot) {}

// NewTask describes a task to create.
type NewTask struct {
	// ID is optional; a random id is generated when empty.
	ID           string
	Originator   string
	AgentID      string
	ConnectionID string
	Payload      json.RawMessage
	Timeout      time.Duration
}

// Correlator owns every in-flight task. The table lock guards membership
// and the per-connection index only; state transitions take the task's own
// lock.
type Correlator struct {
	cfg Config

	mu     sync.Mutex
	tasks  map[string]*task
	byConn map[string]map[string]*task
	closed bool

	tombstones *dedupe.Cache[State]
	observer   Observer
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a Correlator. A nil observer is allowed.
func New(cfg Config, observer Observer, logger *slog.Logger) *Correlator {
	cfg.applyDefaults()
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		cfg:        cfg,
		tasks:      make(map[string]*task),
		byConn:     make(map[string]map[string]*task),
		tombstones: dedupe.New[State](cfg.TombstoneTTL, cfg.MaxTombstones),
		observer:   observer,
		logger:     logger,
		now:        time.Now,
	}
}

// Create registers a Pending task and starts its deadline clock. Reusing a
// correlation id that is live or tombstoned panics.
func (c *Correlator) Create(nt NewTask) (Snapshot, error) {
	if nt.Timeout <= 0 {
		return Snapshot{}, fmt.Errorf("create task: timeout must be positive, got %s", nt.Timeout)
	}
	if nt.ID == "" {
		nt.ID = uuid.New().String()
	}

	now := c.now()
	t := &task{
		id:         nt.ID,
		originator: nt.Originator,
		agentID:    nt.AgentID,
		connID:     nt.ConnectionID,
		payload:    nt.Payload,
		createdAt:  now,
		deadline:   now.Add(nt.Timeout),
		done:       make(chan struct{}),
		state:      StatePending,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Snapshot{}, ErrClosed
	}
	if _, dup := c.tasks[t.id]; dup || c.tombstones.Contains(t.id) {
		c.mu.Unlock()
		panic(fmt.Sprintf("correlator: duplicate correlation id %q", t.id))
	}
	c.tasks[t.id] = t
	if t.connID != "" {
		idx := c.byConn[t.connID]
		if idx == nil {
			idx = make(map[string]*task)
			c.byConn[t.connID] = idx
		}
		idx[t.id] = t
	}

	// The timer may fire before Create returns; holding t.mu makes the
	// callback wait until the timer is recorded on the task.
	t.mu.Lock()
	t.timer = time.AfterFunc(nt.Timeout, func() {
		c.finish(t, StateTimedOut, nil, ErrTimedOut)
	})
	snap := t.snapshotLocked()
	t.mu.Unlock()
	c.mu.Unlock()

	c.logger.Debug("task created",
		"task_id", t.id,
		"agent_id", t.agentID,
		"originator", t.originator,
		"timeout", nt.Timeout,
	)
	c.observer.TaskCreated(snap)
	return snap, nil
}

func (c *Correlator) lookup(id string) (*task, error) {
	c.mu.Lock()
	t, ok := c.tasks[id]
	c.mu.Unlock()
	if ok {
		return t, nil
	}
	if c.tombstones.Contains(id) {
		return nil, ErrTaskExpired
	}
	return nil, ErrTaskNotFound
}

// MarkSent records that the request frame was handed to the connection.
// A task that already finished (a fast reply or a timeout) is left as is.
func (c *Correlator) MarkSent(id string) error {
	t, err := c.lookup(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.state == StatePending:
		t.state = StateSent
		return nil
	case t.state.Terminal():
		return ErrTaskTerminal
	default:
		return nil
	}
}

// Complete finishes id with result. It returns ErrTaskTerminal when the task
// had already finished or been collected, and ErrTaskNotFound for ids that
// were never issued.
func (c *Correlator) Complete(id string, result json.RawMessage) error {
	return c.resolve(id, StateCompleted, result, nil)
}

// Fail finishes id with reason.
func (c *Correlator) Fail(id string, reason error) error {
	if reason == nil {
		reason = ErrAgentUnavailable
	}
	return c.resolve(id, StateFailed, nil, reason)
}

// Cancel fails id with ErrCancelled. Cancelling a finished task returns
// ErrTaskTerminal and changes nothing.
func (c *Correlator) Cancel(id string) error {
	return c.resolve(id, StateFailed, nil, ErrCancelled)
}

func (c *Correlator) resolve(id string, state State, result json.RawMessage, reason error) error {
	t, err := c.lookup(id)
	if errors.Is(err, ErrTaskExpired) {
		return ErrTaskTerminal
	}
	if err != nil {
		return err
	}
	if !c.finish(t, state, result, reason) {
		return ErrTaskTerminal
	}
	return nil
}

// finish applies a terminal transition. Only the first call for a task
// succeeds.
func (c *Correlator) finish(t *task, state State, result json.RawMessage, reason error) bool {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return false
	}
	t.state = state
	t.result = result
	t.err = reason
	t.finishedAt = c.now()
	if t.timer != nil {
		t.timer.Stop()
	}
	close(t.done)
	snap := t.snapshotLocked()
	t.mu.Unlock()

	c.mu.Lock()
	if idx := c.byConn[t.connID]; idx != nil {
		delete(idx, t.id)
		if len(idx) == 0 {
			delete(c.byConn, t.connID)
		}
	}
	closed := c.closed
	c.mu.Unlock()

	if !closed {
		time.AfterFunc(c.cfg.ResultGracePeriod, func() { c.collect(t.id, state) })
	}

	attrs := []any{
		"task_id", t.id,
		"agent_id", t.agentID,
		"state", state,
		"elapsed", snap.FinishedAt.Sub(t.createdAt).Round(time.Millisecond),
	}
	if reason != nil {
		attrs = append(attrs, "reason", reason)
	}
	if state == StateCompleted {
		c.logger.Debug("task finished", attrs...)
	} else {
		c.logger.Info("task finished", attrs...)
	}
	c.observer.TaskFinished(snap)
	return true
}

func (c *Correlator) collect(id string, state State) {
	c.tombstones.Put(id, state)
	c.mu.Lock()
	delete(c.tasks, id)
	c.mu.Unlock()
}

// FailConnection fails every unfinished task that was sent over connID and
// returns how many it failed.
func (c *Correlator) FailConnection(connID string, reason error) int {
	c.mu.Lock()
	idx := c.byConn[connID]
	delete(c.byConn, connID)
	victims := make([]*task, 0, len(idx))
	for _, t := range idx {
		victims = append(victims, t)
	}
	c.mu.Unlock()

	return c.failAll(victims, reason)
}

// FailAgent fails every unfinished task targeting agentID.
func (c *Correlator) FailAgent(agentID string, reason error) int {
	c.mu.Lock()
	var victims []*task
	for _, t := range c.tasks {
		if t.agentID == agentID {
			victims = append(victims, t)
		}
	}
	c.mu.Unlock()

	return c.failAll(victims, reason)
}

func (c *Correlator) failAll(victims []*task, reason error) int {
	n := 0
	for _, t := range victims {
		if c.finish(t, StateFailed, nil, reason) {
			n++
		}
	}
	return n
}

// Get returns a snapshot of id.
func (c *Correlator) Get(id string) (Snapshot, error) {
	t, err := c.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	return t.snapshot(), nil
}

// Wait blocks until id finishes or ctx is done and returns the task's
// snapshot. A ctx error leaves the task running.
func (c *Correlator) Wait(ctx context.Context, id string) (Snapshot, error) {
	t, err := c.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	select {
	case <-t.done:
		return t.snapshot(), nil
	case <-ctx.Done():
		return t.snapshot(), ctx.Err()
	}
}

// Await blocks until id finishes and returns its result, or the error it
// failed with.
func (c *Correlator) Await(ctx context.Context, id string) (json.RawMessage, error) {
	snap, err := c.Wait(ctx, id)
	if err != nil {
		return nil, err
	}
	if snap.Err != nil {
		return nil, snap.Err
	}
	return snap.Result, nil
}

// Active returns the number of unfinished tasks.
func (c *Correlator) Active() int {
	c.mu.Lock()
	tasks := make([]*task, 0, len(c.tasks))
	for _, t := range c.tasks {
		tasks = append(tasks, t)
	}
	c.mu.Unlock()

	n := 0
	for _, t := range tasks {
		t.mu.Lock()
		if !t.state.Terminal() {
			n++
		}
		t.mu.Unlock()
	}
	return n
}

// Close fails every unfinished task with reason and rejects new ones.
func (c *Correlator) Close(reason error) {
	if reason == nil {
		reason = ErrClosed
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	victims := make([]*task, 0, len(c.tasks))
	for _, t := range c.tasks {
		victims = append(victims, t)
	}
	c.mu.Unlock()

	if n := c.failAll(victims, reason); n > 0 {
		c.logger.Info("failed outstanding tasks on shutdown", "count", n)
	}
	c.tombstones.Close()
}
