package server

import (
	"errors"
	"sort"
	"sync"

	"msgd/metrics"
)

var (
	ErrDuplicateSession  = errors.New("username already taken")
	ErrAlreadyRegistered = errors.New("connection already registered")
)

// Registry is the single source of truth for who is online. It tracks every
// open connection and, for authenticated ones, the account they belong to.
// At most one connection is registered per account.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Conn
	accounts map[*Conn]string
	open     map[*Conn]struct{}
	metrics  *metrics.Metrics
}

func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		sessions: make(map[string]*Conn),
		accounts: make(map[*Conn]string),
		open:     make(map[*Conn]struct{}),
		metrics:  m,
	}
}

// Track adds a freshly accepted connection.
func (r *Registry) Track(conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.open[conn] = struct{}{}
	r.report()
}

// Drop forgets the connection, removes its session if it still owns one and
// closes it. Safe to call more than once.
func (r *Registry) Drop(conn *Conn) {
	r.mu.Lock()
	delete(r.open, conn)
	if name, ok := r.accounts[conn]; ok {
		delete(r.accounts, conn)
		if r.sessions[name] == conn {
			delete(r.sessions, name)
		}
	}
	r.report()
	r.mu.Unlock()

	conn.close()
}

func (r *Registry) Register(name string, conn *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[name]; ok {
		return ErrDuplicateSession
	}
	if _, ok := r.accounts[conn]; ok {
		return ErrAlreadyRegistered
	}
	if conn.isClosed() {
		return ErrConnClosed
	}

	r.sessions[name] = conn
	r.accounts[conn] = name
	r.open[conn] = struct{}{}
	r.report()
	return nil
}

func (r *Registry) Lookup(name string) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.sessions[name]
	return conn, ok
}

// Deregister removes the session for name. Removing an absent name is a no-op.
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.sessions[name]
	if !ok {
		return
	}
	delete(r.sessions, name)
	delete(r.accounts, conn)
	r.report()
}

// Evict removes name only while it still maps to conn, then closes conn.
// A newer session registered under the same name is left alone.
func (r *Registry) Evict(name string, conn *Conn) bool {
	r.mu.Lock()
	if r.sessions[name] != conn {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, name)
	delete(r.accounts, conn)
	delete(r.open, conn)
	r.report()
	r.mu.Unlock()

	conn.close()
	return true
}

// LiveConnections returns the registered connections. Connections still in
// the handshake are not included.
func (r *Registry) LiveConnections() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := make([]*Conn, 0, len(r.sessions))
	for _, conn := range r.sessions {
		conns = append(conns, conn)
	}
	return conns
}

// Online returns the registered account names, sorted.
func (r *Registry) Online() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) OpenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}

// DropAll closes every open connection.
func (r *Registry) DropAll() {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.open))
	for conn := range r.open {
		conns = append(conns, conn)
	}
	r.mu.Unlock()

	for _, conn := range conns {
		r.Drop(conn)
	}
}

// report must be called with r.mu held.
func (r *Registry) report() {
	r.metrics.SetSessions(len(r.sessions))
	r.metrics.SetConnections(len(r.open))
}
