// ABOUTME: Admits agent sessions, runs their read loops, and watches heartbeats.
// ABOUTME: Central owner of every live Connection in the hub.

package conn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/2389/agenthub/internal/auth"
	"github.com/2389/agenthub/internal/protocol"
)

// Liveness thresholds in heartbeat intervals. Half an interval of slack
// absorbs scheduling jitter on either side.
const (
	degradedAfter = 1.5
	offlineAfter  = 2.5
)

// Config holds connection tuning.
type Config struct {
	HeartbeatInterval     time.Duration
	SendTimeout           time.Duration
	OutboundBuffer        int
	MaxMalformedPerSecond float64
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 2 * time.Second
	}
	if c.OutboundBuffer <= 0 {
		c.OutboundBuffer = 64
	}
	if c.MaxMalformedPerSecond <= 0 {
		c.MaxMalformedPerSecond = 20
	}
}

// Identity is what a session declared in its hello frame.
type Identity struct {
	AgentID    string
	Protocol   protocol.ProtocolKind
	Credential auth.Credential
}

// ManagerConfig wires a Manager's collaborators.
type ManagerConfig struct {
	Config        Config
	Handler       Handler
	Authenticator Authenticator // nil accepts every credential
	Observer      Observer      // nil disables counters
	Logger        *slog.Logger
}

// Manager tracks all live connections.
type Manager struct {
	cfg      Config
	handler  Handler
	authn    Authenticator
	observer Observer
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewManager creates a Manager. Handler is required.
func NewManager(mc ManagerConfig) *Manager {
	mc.Config.applyDefaults()
	m := &Manager{
		cfg:      mc.Config,
		handler:  mc.Handler,
		authn:    mc.Authenticator,
		observer: mc.Observer,
		logger:   mc.Logger,
		now:      time.Now,
		conns:    make(map[string]*Connection),
	}
	if m.observer == nil {
		m.observer = nopObserver{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// HeartbeatInterval is the interval agents are told to beat at.
func (m *Manager) HeartbeatInterval() time.Duration {
	return m.cfg.HeartbeatInterval
}

// Register verifies the session's credential and protocol and returns a
// Connection that is tracked but not yet writing or reading. Errors wrap
// auth.ErrAuthRejected or protocol.ErrProtocolMismatch.
func (m *Manager) Register(ctx context.Context, session Session, id Identity) (*Connection, error) {
	codec, err := protocol.CodecFor(id.Protocol)
	if err != nil {
		return nil, err
	}

	principal := auth.Anonymous(auth.PrincipalAgent)
	if m.authn != nil {
		principal, err = m.authn.Authenticate(ctx, id.AgentID, id.Credential)
		if err != nil {
			return nil, err
		}
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:          uuid.New().String(),
		agentID:     id.AgentID,
		protocol:    id.Protocol,
		codec:       codec,
		principal:   principal,
		session:     session,
		connectedAt: m.now(),
		out:         make(chan []byte, m.cfg.OutboundBuffer),
		closed:      make(chan struct{}),
		ctx:         connCtx,
		cancel:      cancel,
		malformed:   rate.NewLimiter(rate.Limit(m.cfg.MaxMalformedPerSecond), int(m.cfg.MaxMalformedPerSecond)+1),
		mgr:         m,
	}
	c.logger = m.logger.With("agent_id", c.agentID, "connection_id", c.id)
	c.lastSeen.Store(c.connectedAt.UnixNano())

	m.mu.Lock()
	m.conns[c.id] = c
	total := len(m.conns)
	m.mu.Unlock()

	m.observer.ConnectionOpened(c.protocol)
	m.logger.Info("=== AGENT CONNECTED ===",
		"agent_id", c.agentID,
		"connection_id", c.id,
		"protocol", c.protocol,
		"principal", principal.PrincipalID,
		"auth_method", principal.Method,
		"remote_addr", session.RemoteAddr(),
		"total_connections", total,
	)
	return c, nil
}

// Serve runs c's read loop until the session ends or c is closed, and
// returns the close reason.
func (m *Manager) Serve(c *Connection) error {
	for {
		frame, err := c.session.Recv()
		if err != nil {
			c.Close(fmt.Errorf("%w: %v", ErrConnectionClosed, err))
			return c.Err()
		}
		m.dispatch(c, frame)
		if c.Err() != nil {
			return c.Err()
		}
	}
}

func (m *Manager) dispatch(c *Connection, frame []byte) {
	c.touch(m.now())

	msg, err := c.codec.Decode(frame)
	if err != nil {
		m.observer.MalformedFrame(c.protocol)
		if !c.malformed.Allow() {
			c.Close(ErrMalformedFlood)
			return
		}
		m.handler.HandleDecodeError(c, err)
		return
	}

	if msg.Kind == protocol.KindHeartbeat {
		if msg.ReplyExpected {
			if err := c.Send(protocol.Pong(msg)); err != nil {
				c.logger.Debug("pong not delivered", "error", err)
			}
		}
		return
	}
	m.handler.HandleMessage(c, msg)
}

// Run sweeps for missed heartbeats until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	tick := m.cfg.HeartbeatInterval / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkLiveness(m.now())
		}
	}
}

func (m *Manager) checkLiveness(now time.Time) {
	interval := float64(m.cfg.HeartbeatInterval)
	for _, c := range m.List() {
		idle := float64(now.Sub(c.LastSeen()))
		switch {
		case idle > offlineAfter*interval:
			c.Close(ErrHeartbeatTimeout)
		case idle > degradedAfter*interval:
			c.degrade(now, time.Duration(degradedAfter*interval))
		}
	}
}

// Get returns the connection with id.
func (m *Manager) Get(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	return c, ok
}

// List returns a snapshot of live connections.
func (m *Manager) List() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// CloseAll closes every live connection with reason.
func (m *Manager) CloseAll(reason error) {
	for _, c := range m.List() {
		c.Close(reason)
	}
}

func (m *Manager) remove(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.conns[c.id]; ok && cur == c {
		delete(m.conns, c.id)
	}
}
