package handlers

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/andrey-viktorov/stream-mock/pkg/registry"
	"github.com/andrey-viktorov/stream-mock/pkg/storage"
	"github.com/fasthttp/websocket"
	"github.com/valyala/fasthttp"
)

// ShutdownReason is the close reason sent to duplex peers when the server stops.
const ShutdownReason = "Server shutting down"

// WebSocketOptions configures the duplex handler.
type WebSocketOptions struct {
	Path              string
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	CloseGracePeriod  time.Duration
	Replies           *storage.ReplyStore // optional scripted replies
}

// WebSocketHandler upgrades requests to duplex connections, greets them,
// sends heartbeats and echoes every inbound message.
type WebSocketHandler struct {
	path         string
	interval     time.Duration
	writeTimeout time.Duration
	closeGrace   time.Duration
	replies      *storage.ReplyStore
	registry     *registry.Registry
	logger       *slog.Logger

	upgrader  websocket.FastHTTPUpgrader
	accepting atomic.Bool
}

// NewWebSocketHandler creates a duplex handler that tracks its connections in reg.
func NewWebSocketHandler(reg *registry.Registry, opts WebSocketOptions, logger *slog.Logger) *WebSocketHandler {
	if opts.Path == "" {
		opts.Path = "/ws"
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.CloseGracePeriod <= 0 {
		opts.CloseGracePeriod = time.Second
	}

	h := &WebSocketHandler{
		path:         opts.Path,
		interval:     opts.HeartbeatInterval,
		writeTimeout: opts.WriteTimeout,
		closeGrace:   opts.CloseGracePeriod,
		replies:      opts.Replies,
		registry:     reg,
		logger:       logger,
		upgrader: websocket.FastHTTPUpgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(ctx *fasthttp.RequestCtx) bool {
				return true
			},
		},
	}
	h.accepting.Store(true)
	return h
}

// Path returns the request path duplex connections are accepted on.
func (h *WebSocketHandler) Path() string {
	return h.path
}

// StopAccepting makes every following upgrade attempt fail with 503.
func (h *WebSocketHandler) StopAccepting() {
	h.accepting.Store(false)
}

// Handle upgrades the request. The upgrader writes its own error responses.
func (h *WebSocketHandler) Handle(ctx *fasthttp.RequestCtx) {
	if !h.accepting.Load() {
		ctx.Error(ShutdownReason, fasthttp.StatusServiceUnavailable)
		return
	}

	// ctx must not be touched once the connection is hijacked
	path := string(ctx.Path())

	err := h.upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		h.serve(conn, path)
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "path", path, "error", err)
	}
}

// serve owns the connection until its read loop ends.
func (h *WebSocketHandler) serve(conn *websocket.Conn, path string) {
	heartbeatCtx, stop := context.WithCancel(context.Background())
	session := newSession(conn, path, h.writeTimeout, h.closeGrace, stop)

	// Deadlines left over from the HTTP request must not apply to the stream.
	_ = conn.SetReadDeadline(time.Time{})

	h.registry.Add(session)
	defer h.release(session)

	// An upgrade accepted just before StopAccepting may register after the
	// shutdown snapshot was taken. Close it here instead.
	if !h.accepting.Load() {
		h.logger.Info("websocket connection opened during shutdown", "path", path)
		if err := session.Shutdown(websocket.CloseGoingAway, ShutdownReason); err != nil {
			h.logger.Debug("websocket close failed", "path", path, "error", err)
		}
	} else {
		h.logger.Info("websocket connection opened", "path", path, "active", h.registry.Len())
	}

	// The peer may already be gone; the read loop below will notice.
	if err := session.send(Message{
		Type:      TypeConnected,
		Message:   "WebSocket connection established",
		Path:      path,
		Timestamp: timestamp(),
	}); err != nil {
		h.logger.Debug("websocket welcome failed", "path", path, "error", err)
	}

	go h.heartbeat(heartbeatCtx, session)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			h.logReadEnd(session, err)
			return
		}

		h.logger.Debug("websocket message received", "path", path, "message", string(data))
		h.respond(session, data)
	}
}

// heartbeat sends the registry size every interval while the session is open.
func (h *WebSocketHandler) heartbeat(ctx context.Context, s *wsSession) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			connections := h.registry.Len()
			err := s.send(Message{
				Type:        TypeHeartbeat,
				Connections: &connections,
				Timestamp:   timestamp(),
			})
			if errors.Is(err, errSessionClosed) {
				return
			}
			if err != nil {
				h.logger.Debug("websocket heartbeat failed", "path", s.path, "error", err)
			}
		}
	}
}

// respond echoes the inbound message and sends a scripted reply when one matches.
// Send failures are dropped: the echo is best effort.
func (h *WebSocketHandler) respond(s *wsSession, data []byte) {
	err := s.send(Message{
		Type:      TypeEcho,
		Original:  parseInbound(data),
		Timestamp: timestamp(),
		Path:      s.path,
	})
	if err != nil {
		h.logger.Debug("websocket echo failed", "path", s.path, "error", err)
		return
	}

	reply := h.replies.MatchReply(data)
	if reply == nil {
		return
	}

	err = s.send(Message{
		Type:      TypeReply,
		Rule:      reply.Name,
		Payload:   reply.Payload,
		Timestamp: timestamp(),
	})
	if err != nil {
		h.logger.Debug("websocket reply failed", "path", s.path, "rule", reply.Name, "error", err)
	}
}

// release stops the heartbeat, forgets the session and closes the transport.
// Close and error both end up here; only the first call has any effect.
func (h *WebSocketHandler) release(s *wsSession) {
	s.release.Do(func() {
		s.markClosed()
		s.stop()
		h.registry.Remove(s)
		_ = s.conn.Close()

		h.logger.Info("websocket connection closed", "path", s.path, "active", h.registry.Len())
	})
}

func (h *WebSocketHandler) logReadEnd(s *wsSession, err error) {
	if !s.isOpen() {
		// Server-initiated shutdown: the peer answered or the grace period ran out.
		h.logger.Debug("websocket read ended after shutdown", "path", s.path, "error", err)
		return
	}

	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		h.logger.Warn("websocket error", "path", s.path, "error", err)
		return
	}

	h.logger.Debug("websocket peer closed", "path", s.path, "error", err)
}
