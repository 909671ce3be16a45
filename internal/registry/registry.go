package registry

import "sync"

// Conn is the transport handle the registry tracks for one live socket. The
// concrete implementation lives in internal/realtime; tests use stubs.
type Conn interface {
	// ID uniquely identifies this connection within the process.
	ID() string
	// UserID returns the identity that authenticated the connection.
	UserID() string
	// Send writes a payload to the peer. It must be safe for concurrent use
	// and must not block indefinitely.
	Send(payload []byte) error
	// Close terminates the connection with a close code and reason.
	Close(code int, reason string) error
}

// Stats summarizes registry size for diagnostics.
type Stats struct {
	TotalConnections int `json:"totalConnections"`
	ConnectedUsers   int `json:"connectedUsers"`
}

// Registry maps user identities to their live local connections. It is purely
// in-memory and never shared across processes. A user key exists iff its
// connection set is non-empty; empty sets are pruned immediately.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]map[Conn]struct{}
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{
		conns: make(map[string]map[Conn]struct{}),
	}
}

// Register adds the connection to the user's set, creating the set if absent.
// Registering the same connection twice is a no-op.
func (r *Registry) Register(userID string, conn Conn) {
	if userID == "" || conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conns[userID] == nil {
		r.conns[userID] = make(map[Conn]struct{})
	}
	r.conns[userID][conn] = struct{}{}
}

// Unregister removes the connection; the user key is deleted when its set
// becomes empty. Unknown users or connections are a no-op.
func (r *Registry) Unregister(userID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[userID]
	if !ok {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(r.conns, userID)
	}
}

// ConnectionsFor returns a snapshot of the user's current connections. The
// registry may mutate concurrently after this returns.
func (r *Registry) ConnectionsFor(userID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.conns[userID]
	if len(set) == 0 {
		return nil
	}
	out := make([]Conn, 0, len(set))
	for conn := range set {
		out = append(out, conn)
	}
	return out
}

// CountFor returns the number of live connections for the user.
func (r *Registry) CountFor(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[userID])
}

// Users returns a snapshot of all identities with at least one connection.
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.conns))
	for userID := range r.conns {
		out = append(out, userID)
	}
	return out
}

// AllConnections returns a snapshot of every registered connection.
func (r *Registry) AllConnections() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Conn
	for _, set := range r.conns {
		for conn := range set {
			out = append(out, conn)
		}
	}
	return out
}

// Stats reports current registry size.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, set := range r.conns {
		total += len(set)
	}
	return Stats{
		TotalConnections: total,
		ConnectedUsers:   len(r.conns),
	}
}
