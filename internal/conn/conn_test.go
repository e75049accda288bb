// ABOUTME: Tests for connection admission, ordered sends, read loop, and liveness.
// ABOUTME: Uses an in-memory session and a recording handler.

package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agenthub/internal/auth"
	"github.com/2389/agenthub/internal/protocol"
)

// fakeSession is an in-memory Session. Frames pushed to in are returned by
// Recv; frames written by Send appear on sent.
type fakeSession struct {
	in      chan []byte
	sent    chan []byte
	closed  chan struct{}
	once    sync.Once
	gate    chan struct{} // when non-nil, Send waits for it
	sendErr error
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		in:     make(chan []byte, 64),
		sent:   make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (s *fakeSession) Send(frame []byte) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-s.closed:
			return io.ErrClosedPipe
		}
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent <- frame
	return nil
}

func (s *fakeSession) Recv() ([]byte, error) {
	select {
	case f, ok := <-s.in:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	case <-s.closed:
		return nil, io.ErrClosedPipe
	}
}

func (s *fakeSession) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSession) RemoteAddr() string { return "fake:0" }

func (s *fakeSession) next(t *testing.T) []byte {
	t.Helper()
	select {
	case f := <-s.sent:
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return nil
	}
}

type recordingHandler struct {
	mu        sync.Mutex
	messages  []protocol.Message
	decodeErr []error
	degraded  int
	recovered int
	closed    []error
	closedCh  chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{closedCh: make(chan struct{}, 16)}
}

func (h *recordingHandler) HandleMessage(c *Connection, msg protocol.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
}

func (h *recordingHandler) HandleDecodeError(c *Connection, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.decodeErr = append(h.decodeErr, err)
}

func (h *recordingHandler) ConnectionDegraded(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.degraded++
}

func (h *recordingHandler) ConnectionRecovered(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recovered++
}

func (h *recordingHandler) ConnectionClosed(c *Connection, reason error) {
	h.mu.Lock()
	h.closed = append(h.closed, reason)
	h.mu.Unlock()
	h.closedCh <- struct{}{}
}

func (h *recordingHandler) snapshot() (msgs []protocol.Message, decodeErrs []error, closed []error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]protocol.Message(nil), h.messages...), append([]error(nil), h.decodeErr...), append([]error(nil), h.closed...)
}

type stubAuthenticator struct{ err error }

func (s stubAuthenticator) Authenticate(ctx context.Context, agentID string, cred auth.Credential) (*auth.AuthContext, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &auth.AuthContext{PrincipalID: agentID, PrincipalType: auth.PrincipalAgent, Method: "jwt"}, nil
}

func newTestManager(t *testing.T, cfg Config, h Handler) *Manager {
	t.Helper()
	return NewManager(ManagerConfig{Config: cfg, Handler: h})
}

func register(t *testing.T, m *Manager, agentID string, p protocol.ProtocolKind) (*Connection, *fakeSession) {
	t.Helper()
	sess := newFakeSession()
	c, err := m.Register(context.Background(), sess, Identity{AgentID: agentID, Protocol: p})
	require.NoError(t, err)
	return c, sess
}

func TestRegister_ProtocolMismatch(t *testing.T) {
	m := newTestManager(t, Config{}, newRecordingHandler())
	_, err := m.Register(context.Background(), newFakeSession(), Identity{AgentID: "a", Protocol: "carrier-pigeon"})
	assert.ErrorIs(t, err, protocol.ErrProtocolMismatch)
	assert.Equal(t, 0, m.Count())
}

func TestRegister_AuthRejected(t *testing.T) {
	m := NewManager(ManagerConfig{
		Handler:       newRecordingHandler(),
		Authenticator: stubAuthenticator{err: fmt.Errorf("%w: bad token", auth.ErrAuthRejected)},
	})
	_, err := m.Register(context.Background(), newFakeSession(), Identity{AgentID: "a", Protocol: protocol.Native})
	assert.ErrorIs(t, err, auth.ErrAuthRejected)
	assert.Equal(t, 0, m.Count())
}

func TestRegister_Principal(t *testing.T) {
	m := NewManager(ManagerConfig{Handler: newRecordingHandler(), Authenticator: stubAuthenticator{}})
	c, err := m.Register(context.Background(), newFakeSession(), Identity{AgentID: "agent-1", Protocol: protocol.MCP})
	require.NoError(t, err)

	assert.Equal(t, "agent-1", c.Principal().PrincipalID)
	assert.Equal(t, protocol.MCP, c.Protocol())
	assert.NotEmpty(t, c.ID())
	assert.Equal(t, c.ID(), c.ConnectionID())

	got, ok := m.Get(c.ID())
	require.True(t, ok)
	assert.Same(t, c, got)
}

func TestConnection_WelcomeFirstThenFIFO(t *testing.T) {
	m := newTestManager(t, Config{}, newRecordingHandler())
	c, sess := register(t, m, "agent-1", protocol.Native)

	// Queue before the writer starts; the welcome must still lead.
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Send(protocol.Message{
			Kind:          protocol.KindRequest,
			CorrelationID: fmt.Sprintf("t%d", i),
		}))
	}
	c.Start([]byte(`{"type":"welcome"}`))

	assert.JSONEq(t, `{"type":"welcome"}`, string(sess.next(t)))
	for i := 0; i < 3; i++ {
		msg, err := protocol.Decode(sess.next(t), protocol.Native)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("t%d", i), msg.CorrelationID)
	}
}

func TestServe_DispatchesInOrder(t *testing.T) {
	h := newRecordingHandler()
	m := newTestManager(t, Config{}, h)
	c, sess := register(t, m, "agent-1", protocol.Native)
	c.Start(nil)

	sess.in <- []byte(`{"type":"response","id":"t1","payload":1}`)
	sess.in <- []byte(`{"type":"heartbeat"}`)
	sess.in <- []byte(`{"type":"error","id":"t2","error":"nope"}`)
	sess.in <- []byte(`not json`)
	sess.in <- []byte(`{"type":"response","id":"t3","payload":3}`)
	close(sess.in)

	err := m.Serve(c)
	assert.ErrorIs(t, err, ErrConnectionClosed)

	msgs, decodeErrs, closed := h.snapshot()
	require.Len(t, msgs, 3, "heartbeats are not forwarded")
	assert.Equal(t, "t1", msgs[0].CorrelationID)
	assert.Equal(t, protocol.KindError, msgs[1].Kind)
	assert.Equal(t, "t3", msgs[2].CorrelationID)
	require.Len(t, decodeErrs, 1)
	assert.ErrorIs(t, decodeErrs[0], protocol.ErrMalformedPayload)
	require.Len(t, closed, 1)
	assert.Equal(t, 0, m.Count())
}

func TestConnection_CloseIsIdempotent(t *testing.T) {
	h := newRecordingHandler()
	m := newTestManager(t, Config{}, h)
	c, _ := register(t, m, "agent-1", protocol.Native)
	c.Start(nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				c.Close(ErrHeartbeatTimeout)
			} else {
				c.Close(nil)
			}
		}(i)
	}
	wg.Wait()

	_, _, closed := h.snapshot()
	assert.Len(t, closed, 1)
	assert.Error(t, c.Err())
	assert.Error(t, c.Context().Err())

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed")
	}

	err := c.Send(protocol.Message{Kind: protocol.KindHeartbeat})
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestConnection_SendTimeoutClosesHungPeer(t *testing.T) {
	h := newRecordingHandler()
	m := newTestManager(t, Config{SendTimeout: 30 * time.Millisecond, OutboundBuffer: 1}, h)
	c, sess := register(t, m, "agent-1", protocol.Native)
	sess.gate = make(chan struct{}) // writer blocks on the first frame
	c.Start(nil)

	hb := protocol.Message{Kind: protocol.KindHeartbeat}
	var err error
	for i := 0; i < 4 && err == nil; i++ {
		err = c.Send(hb)
	}
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionClosed)

	select {
	case <-h.closedCh:
	case <-time.After(time.Second):
		t.Fatal("connection not closed after send timeout")
	}
}

func TestConnection_WriteErrorCloses(t *testing.T) {
	h := newRecordingHandler()
	m := newTestManager(t, Config{}, h)
	c, sess := register(t, m, "agent-1", protocol.Native)
	sess.sendErr = errors.New("broken pipe")
	c.Start(nil)

	_ = c.Send(protocol.Message{Kind: protocol.KindHeartbeat})

	select {
	case <-h.closedCh:
	case <-time.After(time.Second):
		t.Fatal("connection not closed after write error")
	}
	assert.ErrorIs(t, c.Err(), ErrConnectionClosed)
}

func TestLiveness_DegradeRecoverTimeout(t *testing.T) {
	h := newRecordingHandler()
	m := newTestManager(t, Config{HeartbeatInterval: time.Second}, h)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	c, sess := register(t, m, "agent-1", protocol.Native)
	c.Start(nil)

	m.checkLiveness(base.Add(1200 * time.Millisecond))
	assert.False(t, c.Degraded(), "within slack")

	m.checkLiveness(base.Add(1600 * time.Millisecond))
	assert.True(t, c.Degraded())
	m.checkLiveness(base.Add(1700 * time.Millisecond))
	h.mu.Lock()
	assert.Equal(t, 1, h.degraded, "degraded reported once")
	h.mu.Unlock()

	// A heartbeat frame recovers the connection.
	later := base.Add(1800 * time.Millisecond)
	m.now = func() time.Time { return later }
	m.dispatch(c, []byte(`{"type":"heartbeat"}`))
	assert.False(t, c.Degraded())
	h.mu.Lock()
	assert.Equal(t, 1, h.recovered)
	h.mu.Unlock()

	m.checkLiveness(later.Add(2600 * time.Millisecond))
	assert.ErrorIs(t, c.Err(), ErrHeartbeatTimeout)
	_, _, closed := h.snapshot()
	require.Len(t, closed, 1)
	assert.ErrorIs(t, closed[0], ErrHeartbeatTimeout)

	select {
	case <-sess.closed:
	default:
		t.Fatal("session not closed")
	}
}

// gatedDegradeHandler blocks ConnectionDegraded until release is closed and
// records the resulting status transitions in order.
type gatedDegradeHandler struct {
	*recordingHandler
	entered chan struct{}
	release chan struct{}

	statusMu sync.Mutex
	statuses []string
}

func (h *gatedDegradeHandler) ConnectionDegraded(c *Connection) {
	h.entered <- struct{}{}
	<-h.release
	h.statusMu.Lock()
	defer h.statusMu.Unlock()
	h.statuses = append(h.statuses, "degraded")
}

func (h *gatedDegradeHandler) ConnectionRecovered(c *Connection) {
	h.statusMu.Lock()
	defer h.statusMu.Unlock()
	h.statuses = append(h.statuses, "online")
}

func (h *gatedDegradeHandler) transitions() []string {
	h.statusMu.Lock()
	defer h.statusMu.Unlock()
	return append([]string(nil), h.statuses...)
}

func TestLiveness_HeartbeatDuringDegradeRecovers(t *testing.T) {
	h := &gatedDegradeHandler{
		recordingHandler: newRecordingHandler(),
		entered:          make(chan struct{}, 1),
		release:          make(chan struct{}),
	}
	m := newTestManager(t, Config{HeartbeatInterval: time.Second}, h)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	beat := base.Add(1700 * time.Millisecond)
	m.now = func() time.Time { return beat }
	c, _ := register(t, m, "agent-1", protocol.Native)
	c.Start(nil)
	c.lastSeen.Store(base.UnixNano())

	sweepDone := make(chan struct{})
	go func() {
		m.checkLiveness(base.Add(1600 * time.Millisecond))
		close(sweepDone)
	}()
	select {
	case <-h.entered:
	case <-time.After(time.Second):
		t.Fatal("sweep never reported the connection degraded")
	}

	// The heartbeat lands while the degraded callback is still running.
	beatDone := make(chan struct{})
	go func() {
		m.dispatch(c, []byte(`{"type":"heartbeat"}`))
		close(beatDone)
	}()
	require.Eventually(t, func() bool { return c.LastSeen().Equal(beat) }, time.Second, time.Millisecond)

	close(h.release)
	for _, done := range []chan struct{}{sweepDone, beatDone} {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("liveness transition did not finish")
		}
	}

	for i := 0; i < 5; i++ {
		m.dispatch(c, []byte(`{"type":"heartbeat"}`))
	}

	assert.False(t, c.Degraded())
	assert.Equal(t, []string{"degraded", "online"}, h.transitions(), "last transition must leave the agent online")
}

func TestLiveness_StaleSweepDoesNotDegrade(t *testing.T) {
	h := newRecordingHandler()
	m := newTestManager(t, Config{HeartbeatInterval: time.Second}, h)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	c, _ := register(t, m, "agent-1", protocol.Native)
	c.Start(nil)

	// A frame arrives after the sweep sampled LastSeen but before it acts.
	c.touch(base.Add(1700 * time.Millisecond))
	c.degrade(base.Add(1600*time.Millisecond), 1500*time.Millisecond)

	assert.False(t, c.Degraded())
	h.mu.Lock()
	assert.Zero(t, h.degraded)
	h.mu.Unlock()
}

func TestServe_AnswersPingRequest(t *testing.T) {
	h := newRecordingHandler()
	m := newTestManager(t, Config{}, h)
	c, sess := register(t, m, "agent-1", protocol.MCP)
	c.Start(nil)

	done := make(chan error, 1)
	go func() { done <- m.Serve(c) }()

	sess.in <- []byte(`{"jsonrpc":"2.0","id":5,"method":"ping"}`)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":5,"result":{}}`, string(sess.next(t)))

	// A ping notification is answered with nothing, so the next frame out
	// is the reply to the ping after it.
	sess.in <- []byte(`{"jsonrpc":"2.0","method":"ping"}`)
	sess.in <- []byte(`{"jsonrpc":"2.0","id":"p6","method":"ping"}`)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"p6","result":{}}`, string(sess.next(t)))

	c.Close(ErrShutdown)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return")
	}
	msgs, _, _ := h.snapshot()
	assert.Empty(t, msgs, "heartbeats never reach the handler")
}

func TestServe_MalformedFloodCloses(t *testing.T) {
	h := newRecordingHandler()
	m := newTestManager(t, Config{MaxMalformedPerSecond: 2}, h)
	c, sess := register(t, m, "agent-1", protocol.Native)
	c.Start(nil)

	for i := 0; i < 10; i++ {
		sess.in <- []byte(`garbage`)
	}

	err := m.Serve(c)
	assert.ErrorIs(t, err, ErrMalformedFlood)
	_, decodeErrs, _ := h.snapshot()
	assert.Less(t, len(decodeErrs), 10)
}

func TestManager_CloseAll(t *testing.T) {
	h := newRecordingHandler()
	m := newTestManager(t, Config{}, h)
	for i := 0; i < 3; i++ {
		c, _ := register(t, m, fmt.Sprintf("agent-%d", i), protocol.Native)
		c.Start(nil)
	}
	require.Equal(t, 3, m.Count())

	m.CloseAll(ErrShutdown)
	assert.Equal(t, 0, m.Count())
	_, _, closed := h.snapshot()
	assert.Len(t, closed, 3)
}

func TestManager_RunStopsOnCancel(t *testing.T) {
	m := newTestManager(t, Config{HeartbeatInterval: 40 * time.Millisecond}, newRecordingHandler())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
