// Package broker is the routing table, per-connection receive loop, fan-out
// dispatch, reliability tracker with retry timer, heartbeat monitor, and
// shutdown orchestration for the broker process (spec.md §4.5).
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/minimw/mmw/internal/dlq"
	"github.com/minimw/mmw/internal/protocol"
	"github.com/minimw/mmw/internal/store"
	"github.com/minimw/mmw/internal/wire"
)

// Config is the broker's runtime configuration. Zero-valued fields other
// than Port are filled from DefaultConfig; a zero Port makes Run listen on
// an ephemeral port chosen by the OS.
type Config struct {
	Host string
	Port int

	Codec protocol.Name

	RetrySweepInterval time.Duration
	RetryInterval      time.Duration
	MaxRetries         int

	HeartbeatSweepInterval time.Duration
	HeartbeatTimeout       time.Duration

	MaxRecordBytes uint32

	Logger *zap.SugaredLogger
	// Store, if set, makes reliable publishes durable and recovers the
	// message-id counter across restarts.
	Store *store.Store
	// DLQ, if set, receives messages whose reliable delivery retries were
	// exhausted.
	DLQ *dlq.Forwarder
}

// DefaultConfig matches spec.md §4.5 and §9's stated defaults.
func DefaultConfig() Config {
	return Config{
		Host:                   "127.0.0.1",
		Port:                   5000,
		Codec:                  protocol.NameBinary,
		RetrySweepInterval:     100 * time.Millisecond,
		RetryInterval:          2 * time.Second,
		MaxRetries:             3,
		HeartbeatSweepInterval: 1000 * time.Millisecond,
		HeartbeatTimeout:       6 * time.Second,
		MaxRecordBytes:         wire.DefaultMaxRecordBytes,
	}
}

// Server is the broker process: accept loop, one handler goroutine per
// connection, a retry sweep goroutine, and a heartbeat monitor goroutine.
type Server struct {
	cfg   Config
	codec protocol.Codec
	log   *zap.SugaredLogger
	store *store.Store
	dlq   *dlq.Forwarder

	registry *Registry
	acks     *AckTable

	listener  net.Listener
	running   atomic.Bool
	idCounter uint32 // atomic; last assigned message id
}

// New builds a Server from cfg. It does not yet bind a listener; call Run to
// start serving.
func New(cfg Config) (*Server, error) {
	cfg = mergeDefaults(cfg)

	codec, err := protocol.New(cfg.Codec)
	if err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	initialID := uint32(1)
	if cfg.Store != nil {
		id, err := cfg.Store.NextMessageID()
		if err != nil {
			return nil, fmt.Errorf("broker: recover message id: %w", err)
		}
		initialID = id
	}

	return &Server{
		cfg:       cfg,
		codec:     codec,
		log:       log.Named("broker"),
		store:     cfg.Store,
		dlq:       cfg.DLQ,
		registry:  NewRegistry(),
		acks:      NewAckTable(),
		idCounter: initialID - 1,
	}, nil
}

func mergeDefaults(cfg Config) Config {
	d := DefaultConfig()
	if cfg.Host == "" {
		cfg.Host = d.Host
	}
	if cfg.Codec == "" {
		cfg.Codec = d.Codec
	}
	if cfg.RetrySweepInterval == 0 {
		cfg.RetrySweepInterval = d.RetrySweepInterval
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = d.RetryInterval
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = d.MaxRetries
	}
	if cfg.HeartbeatSweepInterval == 0 {
		cfg.HeartbeatSweepInterval = d.HeartbeatSweepInterval
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if cfg.MaxRecordBytes == 0 {
		cfg.MaxRecordBytes = d.MaxRecordBytes
	}
	return cfg
}

// Run binds the listening socket and serves until ctx is cancelled. It
// blocks until the accept loop, every handler, the retry sweep, and the
// heartbeat monitor have all exited.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("broker: listen: %w", err)
	}
	s.listener = ln
	s.running.Store(true)
	s.log.Infow("broker listening", "address", addr)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var background sync.WaitGroup
	background.Add(2)
	go func() { defer background.Done(); s.retrySweepLoop(ctx) }()
	go func() { defer background.Done(); s.heartbeatLoop(ctx) }()

	go func() {
		<-ctx.Done()
		s.running.Store(false)
		ln.Close()
	}()

	s.acceptLoop()

	background.Wait()
	s.closeRemainingClients()
	s.log.Infow("broker exited cleanly")
	return nil
}

// Addr returns the listener's bound address. Valid only after Run has
// started listening; useful when Config.Port is 0 and the OS picks an
// ephemeral port.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown closes the listener, which ends Run's accept loop. It does not
// stop the retry sweep or heartbeat monitor: those exit, and Run returns,
// only once the context passed to Run is cancelled.
func (s *Server) Shutdown() {
	s.running.Store(false)
	if s.listener != nil {
		s.listener.Close()
	}
}

func (s *Server) acceptLoop() {
	var handlers sync.WaitGroup
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() {
				break
			}
			s.log.Warnw("accept error", "error", err)
			continue
		}

		s.log.Infow("client connected", "remote", conn.RemoteAddr())
		handlers.Add(1)
		go func() {
			defer handlers.Done()
			s.handleConnection(conn)
		}()
	}
	handlers.Wait()
}

func (s *Server) closeRemainingClients() {
	for _, c := range s.registry.Snapshot() {
		c.Socket.Close()
	}
	s.registry.Clear()
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() {
		conn.Close()
		removed := s.registry.RemoveSocket(conn)
		s.acks.DropSocket(conn)

		var role protocol.Role
		topics := make([]string, 0, len(removed))
		for _, c := range removed {
			if role == "" {
				role = c.Role
			}
			topics = append(topics, c.Topic)
		}
		s.log.Infow("client disconnected", "remote", conn.RemoteAddr(), "role", role, "topics", topics)
	}()

	for {
		data, err := wire.Recv(conn, s.cfg.MaxRecordBytes)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debugw("connection read error", "remote", conn.RemoteAddr(), "error", err)
			}
			return
		}
		if len(data) == 0 {
			continue
		}

		msg, err := s.codec.Deserialize(data)
		if err != nil {
			s.log.Warnw("dropping undecodable record", "remote", conn.RemoteAddr(), "error", err)
			continue
		}
		if err := msg.Validate(); err != nil {
			s.log.Warnw("dropping invalid record", "remote", conn.RemoteAddr(), "error", err)
			continue
		}

		s.dispatch(conn, msg)
	}
}

func (s *Server) dispatch(conn net.Conn, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeRegister:
		s.handleRegister(conn, msg)
	case protocol.TypeUnregister:
		s.registry.Unregister(conn, msg.Topic)
		s.log.Infow("unregistered client", "topic", msg.Topic, "remote", conn.RemoteAddr())
	case protocol.TypePublish:
		s.handlePublish(msg)
	case protocol.TypeAck:
		s.acks.Ack(conn, msg.MessageID)
	case protocol.TypeHeartbeat:
		s.registry.Touch(conn, time.Now())
	default:
		s.log.Warnw("ignoring unknown message type", "type", msg.Type)
	}
}

// handleRegister inserts conn into the routing table. msg has already
// passed Message.Validate, which guarantees Topic is non-empty and Payload
// is one of the two role literals.
func (s *Server) handleRegister(conn net.Conn, msg protocol.Message) {
	role := protocol.Role(msg.Payload)
	s.registry.Register(ConnectedClient{
		Socket:        conn,
		Role:          role,
		Topic:         msg.Topic,
		LastHeartbeat: time.Now(),
	})
	s.log.Infow("registered client", "role", role, "topic", msg.Topic, "remote", conn.RemoteAddr())
}

func (s *Server) handlePublish(msg protocol.Message) {
	msg.MessageID = s.nextMessageID()

	if s.store != nil && msg.Reliability {
		payload := []byte(msg.Payload)
		if msg.IsRaw() {
			payload = msg.PayloadRaw
		}
		err := s.store.Persist(store.PersistedMessage{
			MessageID:   msg.MessageID,
			Topic:       msg.Topic,
			Payload:     payload,
			Reliability: msg.Reliability,
		})
		if err != nil {
			s.log.Warnw("failed to enqueue persistence", "messageId", msg.MessageID, "error", err)
		}
	}

	s.routeToSubscribers(msg)
}

func (s *Server) nextMessageID() uint32 {
	return atomic.AddUint32(&s.idCounter, 1)
}

// routeToSubscribers implements spec.md §4.5.3: copy targets under the
// routing-table lock, serialize once, send with the lock released, and only
// record a pending ack after a successful send.
func (s *Server) routeToSubscribers(msg protocol.Message) {
	if msg.Topic == "" {
		return
	}
	targets := s.registry.Subscribers(msg.Topic)
	if len(targets) == 0 {
		return
	}

	data, err := s.codec.Serialize(msg)
	if err != nil {
		s.log.Errorw("failed to serialize outbound message", "messageId", msg.MessageID, "error", err)
		return
	}

	for _, sock := range targets {
		if err := wire.Send(sock, data); err != nil {
			s.log.Warnw("send to subscriber failed, evicting", "remote", sock.RemoteAddr(), "error", err)
			s.evict(sock)
			continue
		}
		if msg.Reliability {
			s.acks.Track(sock, msg, time.Now())
		}
	}
}

func (s *Server) evict(sock net.Conn) {
	s.registry.RemoveSocket(sock)
	s.acks.DropSocket(sock)
	sock.Close()
}

func (s *Server) resend(sock net.Conn, m protocol.Message) bool {
	data, err := s.codec.Serialize(m)
	if err != nil {
		s.log.Errorw("failed to serialize retry", "messageId", m.MessageID, "error", err)
		return false
	}
	if err := wire.Send(sock, data); err != nil {
		s.log.Warnw("resend failed", "messageId", m.MessageID, "remote", sock.RemoteAddr(), "error", err)
		return false
	}
	s.log.Warnw("resending message", "messageId", m.MessageID, "remote", sock.RemoteAddr())
	return true
}

func (s *Server) retrySweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RetrySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			dead, failed := s.acks.Sweep(now, s.cfg.RetryInterval, s.cfg.MaxRetries, s.resend)

			for _, sock := range failed {
				s.registry.RemoveSocket(sock)
				sock.Close()
			}

			evicted := make(map[net.Conn]bool)
			for _, d := range dead {
				if !evicted[d.Socket] {
					evicted[d.Socket] = true
					s.log.Warnw("max retries reached, evicting subscriber", "remote", d.Socket.RemoteAddr())
					s.registry.RemoveSocket(d.Socket)
					d.Socket.Close()
				}
				if s.dlq != nil {
					s.forwardDead(d)
				}
			}
		}
	}
}

func (s *Server) forwardDead(d DeadEntry) {
	payload := []byte(d.Message.Payload)
	if d.Message.IsRaw() {
		payload = d.Message.PayloadRaw
	}
	go s.dlq.Forward(context.Background(), dlq.DeadMessage{
		MessageID: d.Message.MessageID,
		Topic:     d.Message.Topic,
		Payload:   payload,
		Socket:    fmt.Sprint(d.Socket.RemoteAddr()),
	})
}

func (s *Server) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, sock := range s.registry.EvictExpiredSubscribers(now, s.cfg.HeartbeatTimeout) {
				s.log.Warnw("subscriber heartbeat timed out, evicting", "remote", sock.RemoteAddr())
				s.acks.DropSocket(sock)
				sock.Close()
			}
		}
	}
}
