package broker

import (
	"net"
	"testing"
	"time"

	"github.com/minimw/mmw/internal/protocol"
)

func TestAckRemovesPendingEntry(t *testing.T) {
	table := NewAckTable()
	sock := fakeConn()
	defer sock.Close()

	msg := protocol.Message{MessageID: 7, Type: protocol.TypePublish, Topic: "T", Reliability: true}
	table.Track(sock, msg, time.Now())

	table.Ack(sock, 7)

	dead, failed := table.Sweep(time.Now().Add(time.Hour), time.Second, 3, func(net.Conn, protocol.Message) bool { return true })
	if len(dead) != 0 || len(failed) != 0 {
		t.Fatalf("expected nothing pending after ack, got dead=%v failed=%v", dead, failed)
	}
}

func TestDoubleAckIsNoOp(t *testing.T) {
	table := NewAckTable()
	sock := fakeConn()
	defer sock.Close()

	msg := protocol.Message{MessageID: 1, Type: protocol.TypePublish, Topic: "T", Reliability: true}
	table.Track(sock, msg, time.Now())
	table.Ack(sock, 1)
	table.Ack(sock, 1) // must not panic or misbehave
}

func TestSweepResendsBeforeRetryExhausted(t *testing.T) {
	table := NewAckTable()
	sock := fakeConn()
	defer sock.Close()

	msg := protocol.Message{MessageID: 1, Type: protocol.TypePublish, Topic: "T", Reliability: true}
	table.Track(sock, msg, time.Now().Add(-3*time.Second))

	var resent int
	dead, failed := table.Sweep(time.Now(), 2*time.Second, 3, func(net.Conn, protocol.Message) bool {
		resent++
		return true
	})

	if resent != 1 {
		t.Errorf("got %d resends, want 1", resent)
	}
	if len(dead) != 0 || len(failed) != 0 {
		t.Errorf("expected no eviction yet, got dead=%v failed=%v", dead, failed)
	}
}

func TestSweepEvictsAfterMaxRetries(t *testing.T) {
	table := NewAckTable()
	sock := fakeConn()
	defer sock.Close()

	msg := protocol.Message{MessageID: 1, Type: protocol.TypePublish, Topic: "T", Reliability: true}
	table.Track(sock, msg, time.Now().Add(-3*time.Second))

	resend := func(net.Conn, protocol.Message) bool { return true }

	// Exhaust the retry budget.
	for i := 0; i < 3; i++ {
		table.Sweep(time.Now(), 2*time.Second, 3, resend)
		table.mu.Lock()
		for _, msgs := range table.pending {
			for _, p := range msgs {
				p.SentAt = time.Now().Add(-3 * time.Second)
			}
		}
		table.mu.Unlock()
	}

	dead, _ := table.Sweep(time.Now(), 2*time.Second, 3, resend)
	if len(dead) != 1 || dead[0].Socket != sock {
		t.Fatalf("got %v, want one dead entry for sock", dead)
	}
}

func TestSweepTreatsResendFailureAsTransportEviction(t *testing.T) {
	table := NewAckTable()
	sock := fakeConn()
	defer sock.Close()

	msg := protocol.Message{MessageID: 1, Type: protocol.TypePublish, Topic: "T", Reliability: true}
	table.Track(sock, msg, time.Now().Add(-3*time.Second))

	dead, failed := table.Sweep(time.Now(), 2*time.Second, 3, func(net.Conn, protocol.Message) bool { return false })

	if len(dead) != 0 {
		t.Errorf("expected no dead-letter entries on transport failure, got %v", dead)
	}
	if len(failed) != 1 || failed[0] != sock {
		t.Fatalf("got %v, want one failed socket", failed)
	}
}

func TestDropSocketRemovesAllItsPendingEntries(t *testing.T) {
	table := NewAckTable()
	sock := fakeConn()
	defer sock.Close()

	table.Track(sock, protocol.Message{MessageID: 1, Topic: "T", Reliability: true}, time.Now())
	table.Track(sock, protocol.Message{MessageID: 2, Topic: "T", Reliability: true}, time.Now())

	table.DropSocket(sock)

	dead, failed := table.Sweep(time.Now().Add(time.Hour), time.Second, 3, func(net.Conn, protocol.Message) bool { return true })
	if len(dead) != 0 || len(failed) != 0 {
		t.Errorf("expected empty table after DropSocket, got dead=%v failed=%v", dead, failed)
	}
}
