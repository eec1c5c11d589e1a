package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/andrey-viktorov/stream-mock/pkg/config"
	"github.com/andrey-viktorov/stream-mock/pkg/handlers"
	"github.com/andrey-viktorov/stream-mock/pkg/registry"
	"github.com/andrey-viktorov/stream-mock/pkg/storage"
	"github.com/fasthttp/websocket"
	"github.com/valyala/fasthttp"
)

// Server wires the handlers to a fasthttp server and owns the shutdown sequence.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *registry.Registry
	sse      *handlers.SSEHandler
	ws       *handlers.WebSocketHandler
	http     *fasthttp.Server

	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds a server from cfg. replies may be nil.
func New(cfg *config.Config, replies *storage.ReplyStore, logger *slog.Logger) *Server {
	reg := registry.New()

	health := handlers.NewHealthHandler(reg, cfg.Version, time.Now())
	page := handlers.NewTestPageHandler(cfg.TestPage.File, logger.With("component", "test-page"))
	sse := handlers.NewSSEHandler(cfg.SSE.HeartbeatInterval, logger.With("component", "sse"))
	ws := handlers.NewWebSocketHandler(reg, handlers.WebSocketOptions{
		Path:              cfg.WebSocket.Path,
		HeartbeatInterval: cfg.WebSocket.HeartbeatInterval,
		WriteTimeout:      cfg.WebSocket.WriteTimeout,
		CloseGracePeriod:  cfg.WebSocket.CloseGracePeriod,
		Replies:           replies,
	}, logger.With("component", "websocket"))

	return &Server{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		sse:      sse,
		ws:       ws,
		http: &fasthttp.Server{
			Handler:     handlers.Router(health, page, sse, ws),
			Name:        cfg.Server.Name,
			ReadTimeout: cfg.Server.ReadTimeout,
			IdleTimeout: cfg.Server.IdleTimeout,
			Logger:      fasthttpLogger{logger: logger.With("component", "fasthttp")},
		},
	}
}

// Registry exposes the duplex connection registry.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// SSE exposes the event stream handler.
func (s *Server) SSE() *handlers.SSEHandler {
	return s.sse
}

// Listen opens the configured TCP listener.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", s.cfg.Address(), err)
	}
	return ln, nil
}

// Run serves on ln until ctx is done or SIGINT/SIGTERM arrives, then runs
// Shutdown. It returns nil after a clean shutdown.
func (s *Server) Run(ctx context.Context, ln net.Listener) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.http.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if err == nil {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown requested", "cause", context.Cause(ctx))
	}

	if err := s.Shutdown(); err != nil {
		return err
	}

	// Serve returns once the listener is closed.
	if err := <-serveErr; err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	s.logger.Info("server closed")
	return nil
}

// Shutdown stops accepting duplex connections, closes every open one with
// 1001, clears the registry and finally stops the HTTP listener. Every step
// is best effort. Only the first call does anything.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown()
	})
	return s.shutdownErr
}

func (s *Server) shutdown() error {
	// Upgrades registering after this point close themselves.
	s.ws.StopAccepting()

	conns := s.registry.Snapshot()
	s.logger.Info("shutting down", "websocket_connections", len(conns), "sse_streams", s.sse.Streams())
	s.closeDuplex(conns)

	s.awaitDuplexDrain(s.cfg.WebSocket.CloseGracePeriod + 100*time.Millisecond)

	// Shutdown is a no-op for connections already closed above.
	if late := s.registry.Snapshot(); len(late) > 0 {
		s.closeDuplex(late)
		s.awaitDuplexDrain(s.cfg.WebSocket.CloseGracePeriod + 100*time.Millisecond)
	}
	s.registry.Clear()

	// Event streams are not force-closed; they get until the timeout to end.
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := s.http.ShutdownWithContext(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("shutdown timeout reached with streams still open", "sse_streams", s.sse.Streams())
			return nil
		}
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func (s *Server) closeDuplex(conns []registry.Conn) {
	for _, conn := range conns {
		if err := conn.Shutdown(websocket.CloseGoingAway, handlers.ShutdownReason); err != nil {
			s.logger.Warn("failed to close websocket connection", "path", conn.Path(), "error", err)
		}
	}
}

// awaitDuplexDrain waits for closed duplex connections to release, up to timeout.
func (s *Server) awaitDuplexDrain(timeout time.Duration) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for s.registry.Len() > 0 {
		select {
		case <-deadline.C:
			s.logger.Warn("websocket connections still open after close grace period", "count", s.registry.Len())
			return
		case <-ticker.C:
		}
	}
}

// fasthttpLogger routes fasthttp's internal messages into slog.
type fasthttpLogger struct {
	logger *slog.Logger
}

func (l fasthttpLogger) Printf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}
