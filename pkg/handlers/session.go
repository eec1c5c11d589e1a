package handlers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
)

var errSessionClosed = errors.New("websocket session closed")

// wsSession is the handle of one open duplex connection.
// The mutex guards both the open flag and every write, so a send can never
// race past a close.
type wsSession struct {
	conn         *websocket.Conn
	path         string
	writeTimeout time.Duration
	closeGrace   time.Duration

	mu   sync.Mutex
	open bool

	stop    context.CancelFunc // stops the heartbeat goroutine
	release sync.Once
}

func newSession(conn *websocket.Conn, path string, writeTimeout, closeGrace time.Duration, stop context.CancelFunc) *wsSession {
	return &wsSession{
		conn:         conn,
		path:         path,
		writeTimeout: writeTimeout,
		closeGrace:   closeGrace,
		open:         true,
		stop:         stop,
	}
}

// Path implements registry.Conn.
func (s *wsSession) Path() string {
	return s.path
}

func (s *wsSession) isOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// send writes msg if the session is still open.
func (s *wsSession) send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return errSessionClosed
	}

	data, err := encodeJSON(msg)
	if err != nil {
		return err
	}

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Shutdown implements registry.Conn. It sends a close frame, stops further
// data frames and gives the peer closeGrace to answer before the read loop
// is unblocked.
func (s *wsSession) Shutdown(code int, reason string) error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil
	}
	s.open = false
	err := s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(s.writeTimeout))
	s.mu.Unlock()

	if deadlineErr := s.conn.SetReadDeadline(time.Now().Add(s.closeGrace)); deadlineErr != nil && err == nil {
		err = deadlineErr
	}
	return err
}

// markClosed flips the session to closed and reports whether it was open.
func (s *wsSession) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasOpen := s.open
	s.open = false
	return wasOpen
}
