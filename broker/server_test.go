package broker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/minimw/mmw/internal/protocol"
	"github.com/minimw/mmw/internal/wire"
)

type testBroker struct {
	server *Server
	cancel context.CancelFunc
	done   chan struct{}
	codec  protocol.Codec
}

func startTestBroker(t *testing.T, cfg Config) *testBroker {
	t.Helper()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	if cfg.Codec == "" {
		cfg.Codec = protocol.NameJSON
	}

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("broker never started listening")
		}
		time.Sleep(time.Millisecond)
	}

	codec, _ := protocol.New(cfg.Codec)
	tb := &testBroker{server: s, cancel: cancel, done: done, codec: codec}
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return tb
}

func (tb *testBroker) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", tb.server.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (tb *testBroker) send(t *testing.T, conn net.Conn, m protocol.Message) {
	t.Helper()
	data, err := tb.codec.Serialize(m)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if err := wire.Send(conn, data); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func (tb *testBroker) recv(t *testing.T, conn net.Conn, timeout time.Duration) (protocol.Message, bool) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	data, err := wire.Recv(conn, wire.DefaultMaxRecordBytes)
	if err != nil {
		return protocol.Message{}, false
	}
	m, err := tb.codec.Deserialize(data)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	return m, true
}

func register(t *testing.T, tb *testBroker, conn net.Conn, role protocol.Role, topic string) {
	t.Helper()
	tb.send(t, conn, protocol.Message{Type: protocol.TypeRegister, Topic: topic, Payload: string(role)})
	time.Sleep(20 * time.Millisecond) // let the broker process registration before any publish
}

func TestBestEffortFanOutToMultipleSubscribers(t *testing.T) {
	tb := startTestBroker(t, Config{})

	sub1, sub2, pub := tb.dial(t), tb.dial(t), tb.dial(t)
	register(t, tb, sub1, protocol.RoleSubscriber, "T")
	register(t, tb, sub2, protocol.RoleSubscriber, "T")
	register(t, tb, pub, protocol.RolePublisher, "T")

	tb.send(t, pub, protocol.Message{Type: protocol.TypePublish, Topic: "T", Payload: "hello"})

	for _, sub := range []net.Conn{sub1, sub2} {
		msg, ok := tb.recv(t, sub, time.Second)
		if !ok {
			t.Fatal("expected delivery, got none")
		}
		if msg.Payload != "hello" || msg.Topic != "T" {
			t.Errorf("got %+v, want payload hello on topic T", msg)
		}
		if msg.Reliability {
			t.Error("expected best-effort delivery to not be marked reliable")
		}
	}
}

func TestReliablePublishIsAckedWithoutRetry(t *testing.T) {
	tb := startTestBroker(t, Config{RetryInterval: 10 * time.Second})

	sub, pub := tb.dial(t), tb.dial(t)
	register(t, tb, sub, protocol.RoleSubscriber, "T")
	register(t, tb, pub, protocol.RolePublisher, "T")

	tb.send(t, pub, protocol.Message{Type: protocol.TypePublish, Topic: "T", Payload: "m1", Reliability: true})

	msg, ok := tb.recv(t, sub, time.Second)
	if !ok {
		t.Fatal("expected delivery")
	}
	if msg.Payload != "m1" || !msg.Reliability {
		t.Fatalf("got %+v, want reliable m1", msg)
	}

	tb.send(t, sub, protocol.Message{Type: protocol.TypeAck, MessageID: msg.MessageID, Topic: "T"})

	// No retry should arrive within the (long) retry interval.
	if _, ok := tb.recv(t, sub, 200*time.Millisecond); ok {
		t.Error("unexpected retry after ack")
	}
}

func TestReliablePublishRetriesUntilAck(t *testing.T) {
	tb := startTestBroker(t, Config{
		RetrySweepInterval: 20 * time.Millisecond,
		RetryInterval:      50 * time.Millisecond,
		MaxRetries:         3,
	})

	sub, pub := tb.dial(t), tb.dial(t)
	register(t, tb, sub, protocol.RoleSubscriber, "T")
	register(t, tb, pub, protocol.RolePublisher, "T")

	tb.send(t, pub, protocol.Message{Type: protocol.TypePublish, Topic: "T", Payload: "retry-me", Reliability: true})

	first, ok := tb.recv(t, sub, time.Second)
	if !ok {
		t.Fatal("expected first delivery")
	}

	retried, ok := tb.recv(t, sub, time.Second)
	if !ok {
		t.Fatal("expected a retry before ack")
	}
	if retried.MessageID != first.MessageID {
		t.Errorf("got retry for message %d, want %d", retried.MessageID, first.MessageID)
	}

	tb.send(t, sub, protocol.Message{Type: protocol.TypeAck, MessageID: retried.MessageID, Topic: "T"})

	if _, ok := tb.recv(t, sub, 150*time.Millisecond); ok {
		t.Error("unexpected further retry after ack")
	}
}

func TestReliablePublishExhaustsRetriesAndEvictsSubscriber(t *testing.T) {
	tb := startTestBroker(t, Config{
		RetrySweepInterval: 10 * time.Millisecond,
		RetryInterval:      20 * time.Millisecond,
		MaxRetries:         2,
	})

	sub, pub := tb.dial(t), tb.dial(t)
	register(t, tb, sub, protocol.RoleSubscriber, "T")
	register(t, tb, pub, protocol.RolePublisher, "T")

	tb.send(t, pub, protocol.Message{Type: protocol.TypePublish, Topic: "T", Payload: "never-acked", Reliability: true})

	// Drain the initial delivery and both retries, never acking.
	for i := 0; i < 3; i++ {
		if _, ok := tb.recv(t, sub, time.Second); !ok {
			t.Fatalf("expected delivery/retry %d", i)
		}
	}

	// The subscriber socket should now be closed by the broker.
	sub.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := sub.Read(buf); err == nil {
		t.Error("expected socket to be closed after retry exhaustion")
	}
}

func TestHeartbeatKeepsSubscriberAlive(t *testing.T) {
	tb := startTestBroker(t, Config{
		HeartbeatSweepInterval: 20 * time.Millisecond,
		HeartbeatTimeout:       80 * time.Millisecond,
	})

	sub, pub := tb.dial(t), tb.dial(t)
	register(t, tb, sub, protocol.RoleSubscriber, "T")
	register(t, tb, pub, protocol.RolePublisher, "T")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(15 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				tb.send(t, sub, protocol.Message{Type: protocol.TypeHeartbeat})
			}
		}
	}()

	time.Sleep(150 * time.Millisecond)

	tb.send(t, pub, protocol.Message{Type: protocol.TypePublish, Topic: "T", Payload: "still-there"})

	if _, ok := tb.recv(t, sub, time.Second); !ok {
		t.Error("expected subscriber kept alive by heartbeats to still receive publishes")
	}
}

func TestHeartbeatTimeoutEvictsSilentSubscriber(t *testing.T) {
	tb := startTestBroker(t, Config{
		HeartbeatSweepInterval: 10 * time.Millisecond,
		HeartbeatTimeout:       30 * time.Millisecond,
	})

	sub := tb.dial(t)
	register(t, tb, sub, protocol.RoleSubscriber, "T")

	time.Sleep(150 * time.Millisecond)

	sub.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := sub.Read(buf); err == nil {
		t.Error("expected socket to be closed after heartbeat timeout")
	}
}

func TestTopicsAreByteExactAcrossTheWire(t *testing.T) {
	tb := startTestBroker(t, Config{})

	sub, pub := tb.dial(t), tb.dial(t)
	register(t, tb, sub, protocol.RoleSubscriber, "Foo")
	register(t, tb, pub, protocol.RolePublisher, "foo")

	tb.send(t, pub, protocol.Message{Type: protocol.TypePublish, Topic: "foo", Payload: "x"})

	if _, ok := tb.recv(t, sub, 200*time.Millisecond); ok {
		t.Error("expected no delivery across differently-cased topics")
	}
}
