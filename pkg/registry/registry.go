package registry

import "sync"

// Conn is an open duplex connection as seen by the registry.
// The registry only references connections; their owner closes them.
type Conn interface {
	// Path returns the request path the connection was opened on.
	Path() string
	// Shutdown asks the peer to close the connection with the given close code.
	Shutdown(code int, reason string) error
}

// Registry tracks currently open duplex connections.
// A connection is present iff it is open.
type Registry struct {
	mu    sync.RWMutex
	conns map[Conn]struct{}
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		conns: make(map[Conn]struct{}),
	}
}

// Add records an opened connection.
func (r *Registry) Add(c Conn) {
	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()
}

// Remove forgets a connection. Removing an unknown connection is a no-op.
func (r *Registry) Remove(c Conn) {
	r.mu.Lock()
	delete(r.conns, c)
	r.mu.Unlock()
}

// Contains reports whether the connection is registered.
func (r *Registry) Contains(c Conn) bool {
	r.mu.RLock()
	_, ok := r.conns[c]
	r.mu.RUnlock()
	return ok
}

// Len returns the number of open connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	n := len(r.conns)
	r.mu.RUnlock()
	return n
}

// Snapshot returns a copy of the registered connections, safe to iterate
// while connections are being removed concurrently.
func (r *Registry) Snapshot() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

// Clear removes every connection.
func (r *Registry) Clear() {
	r.mu.Lock()
	clear(r.conns)
	r.mu.Unlock()
}
