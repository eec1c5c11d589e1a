package handlers

import (
	"bufio"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
)

// Pool for SSE stream writers, one is taken per streaming request.
var sseStreamPool = sync.Pool{
	New: func() interface{} {
		return &sseStream{}
	},
}

// SSEHandler streams a "connected" event followed by periodic heartbeats
// until the client goes away.
type SSEHandler struct {
	interval time.Duration
	logger   *slog.Logger
	streams  atomic.Int64
}

// NewSSEHandler creates a handler emitting a heartbeat every interval.
func NewSSEHandler(interval time.Duration, logger *slog.Logger) *SSEHandler {
	return &SSEHandler{
		interval: interval,
		logger:   logger,
	}
}

// Streams returns the number of event streams currently open.
func (h *SSEHandler) Streams() int {
	return int(h.streams.Load())
}

// Handle sets the event-stream headers and hands the body over to a stream writer.
func (h *SSEHandler) Handle(ctx *fasthttp.RequestCtx) {
	stream := sseStreamPool.Get().(*sseStream)
	stream.handler = h
	stream.path = string(ctx.RequestURI())
	stream.method = string(ctx.Method())
	stream.conn = ctx.Conn()

	h.logger.Info("sse request received", "method", stream.method, "path", stream.path)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.Response.Header.Set("Content-Type", "text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("Access-Control-Allow-Origin", "*")
	ctx.Response.Header.Set("Access-Control-Allow-Methods", "*")
	ctx.Response.Header.Set("Access-Control-Allow-Headers", "*")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")

	ctx.Response.SetBodyStreamWriter(stream.StreamTo)
}

// sseStream is the state of one open event stream.
type sseStream struct {
	handler *SSEHandler
	path    string
	method  string
	conn    net.Conn // nil when not served from a real connection
}

// StreamTo writes events until the client goes away. A closed connection
// stops the ticker before the next tick; a failed write does the same.
func (s *sseStream) StreamTo(w *bufio.Writer) {
	h := s.handler
	h.streams.Add(1)

	closed := watchClose(s.conn)

	ticker := time.NewTicker(h.interval)
	defer func() {
		ticker.Stop()
		h.streams.Add(-1)
		h.logger.Info("sse connection closed", "path", s.path)

		s.handler = nil
		s.conn = nil
		sseStreamPool.Put(s)
	}()

	err := writeEvent(w, Event{
		Type:      TypeConnected,
		Message:   "Connection established",
		Path:      s.path,
		Method:    s.method,
		Timestamp: timestamp(),
	})
	if err != nil {
		return
	}

	for {
		select {
		case <-closed:
			h.logger.Debug("sse client disconnected", "path", s.path)
			return
		case <-ticker.C:
		}

		// Both cases may be ready at once; a closed peer wins.
		select {
		case <-closed:
			h.logger.Debug("sse client disconnected", "path", s.path)
			return
		default:
		}

		err := writeEvent(w, Event{
			Type:      TypeHeartbeat,
			Path:      s.path,
			Method:    s.method,
			Timestamp: timestamp(),
		})
		if err != nil {
			h.logger.Debug("sse write failed", "path", s.path, "error", err)
			return
		}
	}
}

// watchClose returns a channel closed once the peer closes conn or the
// connection fails. Clients never send on an event stream, so any inbound
// bytes are discarded. A nil conn yields a channel that never closes.
func watchClose(conn net.Conn) <-chan struct{} {
	closed := make(chan struct{})
	if conn == nil {
		return closed
	}

	// The request read deadline must not end the stream.
	_ = conn.SetReadDeadline(time.Time{})

	go func() {
		defer close(closed)

		buf := make([]byte, 1)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()
	return closed
}
