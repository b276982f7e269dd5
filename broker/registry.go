package broker

import (
	"net"
	"sync"
	"time"

	"github.com/minimw/mmw/internal/protocol"
)

// ConnectedClient is a broker-side registration: a socket's role and topic,
// plus the last time it was seen alive. Identity is (socket, topic, role).
type ConnectedClient struct {
	Socket        net.Conn
	Role          protocol.Role
	Topic         string
	LastHeartbeat time.Time
}

// Registry is the topic-indexed routing table: conceptually a multimap
// topic -> set<ConnectedClient>, implemented as a single sequence filtered
// on dispatch.
type Registry struct {
	mu      sync.RWMutex
	clients []ConnectedClient
}

// NewRegistry returns an empty routing table.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register inserts c unless an entry with the same (socket, topic, role)
// identity already exists.
func (r *Registry) Register(c ConnectedClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.clients {
		if existing.Socket == c.Socket && existing.Topic == c.Topic && existing.Role == c.Role {
			return
		}
	}
	r.clients = append(r.clients, c)
}

// Unregister removes entries matching (socket, topic), regardless of role.
func (r *Registry) Unregister(socket net.Conn, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients = filterOut(r.clients, func(c ConnectedClient) bool {
		return c.Socket == socket && c.Topic == topic
	})
}

// RemoveSocket drops every entry for socket, across all topics and roles,
// and returns the entries it removed so the caller can report what the
// socket was registered for after it's gone from the table.
func (r *Registry) RemoveSocket(socket net.Conn) []ConnectedClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []ConnectedClient
	r.clients = filterOut(r.clients, func(c ConnectedClient) bool {
		if c.Socket != socket {
			return false
		}
		removed = append(removed, c)
		return true
	})
	return removed
}

func filterOut(clients []ConnectedClient, match func(ConnectedClient) bool) []ConnectedClient {
	out := clients[:0]
	for _, c := range clients {
		if !match(c) {
			out = append(out, c)
		}
	}
	return out
}

// Subscribers returns the sockets registered as subscribers on topic, in
// insertion order — the deterministic delivery order for a single
// publisher-to-single-subscriber path.
func (r *Registry) Subscribers(topic string) []net.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []net.Conn
	for _, c := range r.clients {
		if c.Role == protocol.RoleSubscriber && c.Topic == topic {
			out = append(out, c.Socket)
		}
	}
	return out
}

// Touch updates last_heartbeat to now for every entry belonging to socket.
func (r *Registry) Touch(socket net.Conn, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.clients {
		if r.clients[i].Socket == socket {
			r.clients[i].LastHeartbeat = now
		}
	}
}

// EvictExpiredSubscribers removes subscriber entries whose last heartbeat
// predates now by more than timeout, returning the distinct sockets evicted
// so the caller can close them.
func (r *Registry) EvictExpiredSubscribers(now time.Time, timeout time.Duration) []net.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []net.Conn
	seen := make(map[net.Conn]bool)
	r.clients = filterOut(r.clients, func(c ConnectedClient) bool {
		if c.Role != protocol.RoleSubscriber || now.Sub(c.LastHeartbeat) <= timeout {
			return false
		}
		if !seen[c.Socket] {
			seen[c.Socket] = true
			stale = append(stale, c.Socket)
		}
		return true
	})
	return stale
}

// Snapshot returns a copy of every connected client, used during shutdown to
// close sockets that never disconnected on their own.
func (r *Registry) Snapshot() []ConnectedClient {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConnectedClient, len(r.clients))
	copy(out, r.clients)
	return out
}

// Clear empties the routing table.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients = nil
}
