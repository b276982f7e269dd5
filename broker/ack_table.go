package broker

import (
	"net"
	"sync"
	"time"

	"github.com/minimw/mmw/internal/protocol"
)

// PendingAck is a broker-side record of a reliable message awaiting
// acknowledgement from one subscriber (spec.md §4.6 INFLIGHT state).
type PendingAck struct {
	Message    protocol.Message
	SentAt     time.Time
	RetryCount int
}

// DeadEntry is a reliable message whose retries were exhausted for one
// subscriber (the §4.6 DEAD transition).
type DeadEntry struct {
	Socket  net.Conn
	Message protocol.Message
}

// AckTable is the two-level subscriber_socket -> message_id -> PendingAck
// mapping, guarded by one mutex.
type AckTable struct {
	mu      sync.Mutex
	pending map[net.Conn]map[uint32]*PendingAck
}

// NewAckTable returns an empty pending-ack table.
func NewAckTable() *AckTable {
	return &AckTable{pending: make(map[net.Conn]map[uint32]*PendingAck)}
}

// Track records a successful reliable send: UNSENT -> INFLIGHT.
func (t *AckTable) Track(socket net.Conn, m protocol.Message, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending[socket] == nil {
		t.pending[socket] = make(map[uint32]*PendingAck)
	}
	t.pending[socket][m.MessageID] = &PendingAck{Message: m, SentAt: now}
}

// Ack removes (socket, messageID): INFLIGHT -> ACKED. A repeated ack for an
// id already removed is a no-op.
func (t *AckTable) Ack(socket net.Conn, messageID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if msgs, ok := t.pending[socket]; ok {
		delete(msgs, messageID)
	}
}

// DropSocket removes every pending entry for socket.
func (t *AckTable) DropSocket(socket net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, socket)
}

// Sweep walks every pending entry older than retryInterval. resend is
// called to attempt redelivery; a false return is treated as a transport
// failure and evicts the socket without counting as a dead-letter. An entry
// that has already reached maxRetries transitions to DEAD instead of being
// resent, and its socket is evicted; dead entries are returned for the
// caller to forward to a dead-letter sink.
func (t *AckTable) Sweep(now time.Time, retryInterval time.Duration, maxRetries int, resend func(net.Conn, protocol.Message) bool) (dead []DeadEntry, failed []net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var evict []net.Conn
	for socket, msgs := range t.pending {
		socketEvicted := false
		for _, pending := range msgs {
			if now.Sub(pending.SentAt) < retryInterval {
				continue
			}
			if pending.RetryCount >= maxRetries {
				dead = append(dead, DeadEntry{Socket: socket, Message: pending.Message})
				socketEvicted = true
				break
			}
			if !resend(socket, pending.Message) {
				failed = append(failed, socket)
				socketEvicted = true
				break
			}
			pending.RetryCount++
			pending.SentAt = now
		}
		if socketEvicted {
			evict = append(evict, socket)
		}
	}
	for _, socket := range evict {
		delete(t.pending, socket)
	}
	return dead, failed
}
