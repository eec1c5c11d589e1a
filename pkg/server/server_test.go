package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/andrey-viktorov/stream-mock/pkg/config"
	"github.com/andrey-viktorov/stream-mock/pkg/handlers"
	"github.com/andrey-viktorov/stream-mock/pkg/logging"
	"github.com/fasthttp/websocket"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

type runningServer struct {
	srv    *Server
	ln     *fasthttputil.InmemoryListener
	cancel context.CancelFunc
	done   chan error
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.SSE.HeartbeatInterval = 20 * time.Millisecond
	cfg.WebSocket.HeartbeatInterval = time.Hour
	cfg.WebSocket.CloseGracePeriod = 200 * time.Millisecond
	cfg.Server.ShutdownTimeout = time.Second
	return cfg
}

func startServer(t *testing.T, cfg *config.Config) *runningServer {
	t.Helper()

	srv := New(cfg, nil, logging.Discard())
	ln := fasthttputil.NewInmemoryListener()
	ctx, cancel := context.WithCancel(context.Background())

	rs := &runningServer{srv: srv, ln: ln, cancel: cancel, done: make(chan error, 1)}
	go func() {
		rs.done <- srv.Run(ctx, ln)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-rs.done:
		case <-time.After(5 * time.Second):
			t.Error("Server did not stop")
		}
	})
	return rs
}

func (rs *runningServer) stop(t *testing.T) {
	t.Helper()

	rs.cancel()
	select {
	case err := <-rs.done:
		if err != nil {
			t.Fatalf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Server did not stop within 5s")
	}
	// Cleanup must not wait for a second result.
	rs.done <- nil
}

func (rs *runningServer) dialWebSocket(t *testing.T) *websocket.Conn {
	t.Helper()

	dialer := websocket.Dialer{
		NetDial: func(network, addr string) (net.Conn, error) {
			return rs.ln.Dial()
		},
		HandshakeTimeout: 2 * time.Second,
	}
	conn, _, err := dialer.Dial("ws://stream-mock/ws", nil)
	if err != nil {
		t.Fatalf("Failed to dial websocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("Failed to read welcome: %v", err)
	}
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServerHealthOverHTTP(t *testing.T) {
	rs := startServer(t, testConfig())

	client := &fasthttp.Client{
		Dial: func(addr string) (net.Conn, error) {
			return rs.ln.Dial()
		},
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI("http://stream-mock/healthz")
	if err := client.DoTimeout(req, resp, 2*time.Second); err != nil {
		t.Fatalf("Health request failed: %v", err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode())
	}

	var snapshot handlers.HealthSnapshot
	if err := json.Unmarshal(resp.Body(), &snapshot); err != nil {
		t.Fatalf("Invalid health body %q: %v", resp.Body(), err)
	}
	if snapshot.Status != "healthy" || snapshot.Version != "1.0.0" {
		t.Fatalf("Unexpected snapshot %+v", snapshot)
	}

	rs.stop(t)
}

func TestServerHealthCountsWebSockets(t *testing.T) {
	rs := startServer(t, testConfig())

	rs.dialWebSocket(t)
	rs.dialWebSocket(t)
	waitFor(t, "2 registered connections", func() bool { return rs.srv.Registry().Len() == 2 })

	client := &fasthttp.Client{
		Dial: func(addr string) (net.Conn, error) {
			return rs.ln.Dial()
		},
	}
	statusCode, body, err := client.Get(nil, "http://stream-mock/health")
	if err != nil {
		t.Fatalf("Health request failed: %v", err)
	}
	if statusCode != fasthttp.StatusOK {
		t.Fatalf("Expected 200, got %d", statusCode)
	}

	var snapshot handlers.HealthSnapshot
	if err := json.Unmarshal(body, &snapshot); err != nil {
		t.Fatalf("Invalid health body %q: %v", body, err)
	}
	if snapshot.WebSocketConnections != 2 {
		t.Fatalf("Expected 2 websocket connections, got %d", snapshot.WebSocketConnections)
	}

	rs.stop(t)
}

func TestServerSSEStream(t *testing.T) {
	rs := startServer(t, testConfig())

	conn, err := rs.ln.Dial()
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "GET /sse/test?x=1 HTTP/1.1\r\nHost: stream-mock\r\n\r\n")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	reader := bufio.NewReader(conn)
	var events []handlers.Event
	for len(events) < 3 {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("Failed to read stream: %v", err)
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event handlers.Event
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data: "))), &event); err != nil {
			t.Fatalf("Invalid event %q: %v", line, err)
		}
		events = append(events, event)
	}

	if events[0].Type != handlers.TypeConnected {
		t.Fatalf("Expected connected first, got %s", events[0].Type)
	}
	for _, event := range events[1:] {
		if event.Type != handlers.TypeHeartbeat {
			t.Fatalf("Expected heartbeat, got %s", event.Type)
		}
	}
	for _, event := range events {
		if event.Path != "/sse/test?x=1" || event.Method != "GET" {
			t.Fatalf("Unexpected path/method %s %s", event.Method, event.Path)
		}
	}

	if rs.srv.SSE().Streams() != 1 {
		t.Fatalf("Expected 1 open stream, got %d", rs.srv.SSE().Streams())
	}

	conn.Close()
	waitFor(t, "stream to stop after disconnect", func() bool { return rs.srv.SSE().Streams() == 0 })

	rs.stop(t)
}

func TestServerShutdownClosesWebSockets(t *testing.T) {
	rs := startServer(t, testConfig())

	conns := make([]*websocket.Conn, 3)
	for i := range conns {
		conns[i] = rs.dialWebSocket(t)
	}
	waitFor(t, "3 registered connections", func() bool { return rs.srv.Registry().Len() == 3 })

	rs.cancel()

	for i, conn := range conns {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))

		var closeErr *websocket.CloseError
		for {
			_, _, err := conn.ReadMessage()
			if err == nil {
				continue
			}
			if !errors.As(err, &closeErr) {
				t.Fatalf("Connection %d: expected close frame, got %v", i, err)
			}
			break
		}
		if closeErr.Code != websocket.CloseGoingAway {
			t.Errorf("Connection %d: expected 1001, got %d", i, closeErr.Code)
		}
		if closeErr.Text != handlers.ShutdownReason {
			t.Errorf("Connection %d: unexpected reason %q", i, closeErr.Text)
		}
	}

	select {
	case err := <-rs.done:
		if err != nil {
			t.Fatalf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Server did not stop")
	}
	rs.done <- nil

	if rs.srv.Registry().Len() != 0 {
		t.Fatalf("Expected empty registry after shutdown, got %d", rs.srv.Registry().Len())
	}
}

func TestServerShutdownWithOpenStream(t *testing.T) {
	cfg := testConfig()
	cfg.Server.ShutdownTimeout = 100 * time.Millisecond
	rs := startServer(t, cfg)

	conn, err := rs.ln.Dial()
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "GET /events HTTP/1.1\r\nHost: stream-mock\r\n\r\n")
	waitFor(t, "stream to open", func() bool { return rs.srv.SSE().Streams() == 1 })

	// The stream never ends by itself; the shutdown timeout bounds the wait.
	rs.stop(t)
}

func TestServerShutdownIsIdempotent(t *testing.T) {
	srv := New(testConfig(), nil, logging.Discard())
	ln := fasthttputil.NewInmemoryListener()

	go srv.http.Serve(ln) //nolint:errcheck

	if err := srv.Shutdown(); err != nil {
		t.Fatalf("First shutdown failed: %v", err)
	}
	if err := srv.Shutdown(); err != nil {
		t.Fatalf("Second shutdown failed: %v", err)
	}
}
