// ABOUTME: Represents a single connected agent and manages its bidirectional session.
// ABOUTME: Serializes outbound frames through one writer and closes exactly once.

package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/agenthub/internal/auth"
	"github.com/2389/agenthub/internal/protocol"
)

// Connection errors.
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	ErrMalformedFlood   = errors.New("too many malformed frames")
	ErrSuperseded       = errors.New("superseded by a newer connection")
	ErrShutdown         = errors.New("hub shutting down")
)

// Connection is a live agent session. It satisfies the registry's handle
// contract and is safe for concurrent use.
type Connection struct {
	id          string
	agentID     string
	protocol    protocol.ProtocolKind
	codec       protocol.Codec
	principal   *auth.AuthContext
	session     Session
	connectedAt time.Time

	out     chan []byte
	started atomic.Bool

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
	ctx       context.Context
	cancel    context.CancelFunc

	lastSeen  atomic.Int64 // unix nanos
	malformed *rate.Limiter

	// statusMu orders degraded flips and their handler callbacks so a
	// heartbeat racing the liveness sweep cannot leave the agent degraded.
	statusMu sync.Mutex
	degraded atomic.Bool

	mgr    *Manager
	logger *slog.Logger
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// ConnectionID returns the connection id.
func (c *Connection) ConnectionID() string { return c.id }

// AgentID returns the agent this connection registered as.
func (c *Connection) AgentID() string { return c.agentID }

// Protocol returns the wire protocol negotiated at registration.
func (c *Connection) Protocol() protocol.ProtocolKind { return c.protocol }

// Principal returns the authenticated identity.
func (c *Connection) Principal() *auth.AuthContext { return c.principal }

// RemoteAddr returns the transport peer address.
func (c *Connection) RemoteAddr() string { return c.session.RemoteAddr() }

// ConnectedAt returns when the connection was admitted.
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// LastSeen returns when the last frame arrived.
func (c *Connection) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

// Degraded reports whether the connection has missed a heartbeat.
func (c *Connection) Degraded() bool { return c.degraded.Load() }

// Done is closed when the connection closes.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Context is cancelled when the connection closes.
func (c *Connection) Context() context.Context { return c.ctx }

// Err returns the close reason, or nil while open.
func (c *Connection) Err() error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
		return nil
	}
}

// Send encodes msg for this connection's protocol and queues it.
func (c *Connection) Send(msg protocol.Message) error {
	frame, err := c.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s for %s: %w", msg.Kind, c.agentID, err)
	}
	return c.SendFrame(frame)
}

// SendFrame queues an already encoded frame. Frames are written in the
// order SendFrame returns. If the queue stays full for the send timeout the
// peer is considered hung and the connection is closed.
func (c *Connection) SendFrame(frame []byte) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}

	timer := time.NewTimer(c.mgr.cfg.SendTimeout)
	defer timer.Stop()

	select {
	case c.out <- frame:
	case <-c.closed:
		return ErrConnectionClosed
	case <-timer.C:
		err := fmt.Errorf("%w: outbound queue blocked for %s", ErrConnectionClosed, c.mgr.cfg.SendTimeout)
		c.Close(err)
		return err
	}

	// A frame queued while Close ran will never be written.
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
		return nil
	}
}

// Start launches the writer. first, when non-nil, is written before any
// queued frame so the handshake reply always leads.
func (c *Connection) Start(first []byte) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go c.writeLoop(first)
}

func (c *Connection) writeLoop(first []byte) {
	if first != nil {
		if err := c.session.Send(first); err != nil {
			c.Close(fmt.Errorf("%w: write: %v", ErrConnectionClosed, err))
			return
		}
	}
	for {
		select {
		case frame := <-c.out:
			if err := c.session.Send(frame); err != nil {
				c.Close(fmt.Errorf("%w: write: %v", ErrConnectionClosed, err))
				return
			}
		case <-c.closed:
			return
		}
	}
}

// Close shuts the connection down. Only the first call has any effect; it
// closes the session, removes the connection from its manager, and runs the
// handler's ConnectionClosed callback before returning. Concurrent callers
// block until that first call completes.
func (c *Connection) Close(reason error) {
	c.closeOnce.Do(func() {
		if reason == nil {
			reason = ErrConnectionClosed
		}
		c.closeErr = reason
		close(c.closed)
		c.cancel()
		_ = c.session.Close()

		c.mgr.remove(c)
		c.mgr.observer.ConnectionClosed(c.protocol)
		c.logger.Info("=== AGENT DISCONNECTED ===",
			"reason", reason,
			"connected_for", time.Since(c.connectedAt).Round(time.Millisecond),
		)
		c.mgr.handler.ConnectionClosed(c, reason)
	})
}

func (c *Connection) touch(now time.Time) {
	c.lastSeen.Store(now.UnixNano())

	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	if c.degraded.CompareAndSwap(true, false) {
		c.logger.Info("agent recovered")
		c.mgr.handler.ConnectionRecovered(c)
	}
}

// degrade marks c degraded if it is still idle past threshold at now. The
// idle check is repeated under statusMu, so a frame that arrived after the
// sweep sampled LastSeen either keeps c healthy or recovers it afterwards.
func (c *Connection) degrade(now time.Time, threshold time.Duration) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()

	idle := now.Sub(c.LastSeen())
	if idle <= threshold || c.degraded.Load() {
		return
	}
	select {
	case <-c.closed:
		return
	default:
	}
	c.degraded.Store(true)
	c.logger.Warn("agent missed heartbeat", "idle", idle.Round(time.Millisecond))
	c.mgr.handler.ConnectionDegraded(c)
}
