// ABOUTME: WebSocket agent transport built on gorilla/websocket.
// ABOUTME: One text message per frame; the endpoint may pin a protocol kind.

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/agenthub/internal/auth"
	"github.com/2389/agenthub/internal/conn"
	"github.com/2389/agenthub/internal/protocol"
)

// WebSocket limits.
const (
	WebSocketPath       = "/ws/agent"
	maxWebSocketMessage = 1 << 20
	wsWriteTimeout      = 10 * time.Second
	wsCloseGrace        = time.Second
)

// WebSocketHandler upgrades agent requests and hands the session to accept.
type WebSocketHandler struct {
	accept   AcceptFunc
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWebSocketHandler creates the /ws/agent handler.
func NewWebSocketHandler(accept AcceptFunc, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		accept: accept,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are not browsers; origin carries no meaning here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With("component", "websocket"),
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if raw := r.URL.Query().Get(ProtocolQuery); raw != "" {
		kind, err := protocol.ParseProtocolKind(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ctx = WithProtocolPin(ctx, kind)
	}
	if cred := auth.BearerCredential(r); !cred.IsZero() {
		ctx = auth.WithCredential(ctx, cred)
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	sess := newWebSocketSession(ws, r.RemoteAddr)
	defer sess.Close()

	// The hijacked request context is no longer tied to the socket.
	ctx = context.WithoutCancel(ctx)
	if err := h.accept(ctx, sess); err != nil {
		h.logger.Debug("websocket session ended", "remote_addr", r.RemoteAddr, "reason", err)
	}
}

// WebSocketSession adapts a websocket connection to conn.Session.
type WebSocketSession struct {
	ws     *websocket.Conn
	remote string
	once   sync.Once
}

func newWebSocketSession(ws *websocket.Conn, remote string) *WebSocketSession {
	ws.SetReadLimit(maxWebSocketMessage)
	return &WebSocketSession{ws: ws, remote: remote}
}

func (s *WebSocketSession) Send(frame []byte) error {
	if err := s.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return s.ws.WriteMessage(websocket.TextMessage, frame)
}

func (s *WebSocketSession) Recv() ([]byte, error) {
	for {
		mt, data, err := s.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Close sends a close frame and tears the socket down. It is safe to call
// while another goroutine is writing.
func (s *WebSocketSession) Close() error {
	var err error
	s.once.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseGrace))
		err = s.ws.Close()
	})
	return err
}

func (s *WebSocketSession) RemoteAddr() string { return s.remote }

// WebSocketDialOptions configures DialWebSocket.
type WebSocketDialOptions struct {
	Token    string
	Protocol protocol.ProtocolKind
}

// DialWebSocket connects an agent to a hub's /ws/agent endpoint. url is the
// full ws:// or wss:// URL of the endpoint.
func DialWebSocket(ctx context.Context, url string, opts WebSocketDialOptions) (*WebSocketSession, error) {
	if opts.Protocol != "" {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url += sep + ProtocolQuery + "=" + string(opts.Protocol)
	}

	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return newWebSocketSession(ws, url), nil
}

var _ conn.Session = (*WebSocketSession)(nil)
