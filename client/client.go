// Package client is the publish/subscribe client library (spec.md §4.4): a
// process-wide set of publisher and subscriber connections to one broker,
// built the way a caller would use it directly rather than through the
// original's C ABI (spec.md §6 lists that ABI; this package is what sits
// behind it, one operation per exported method instead of per C symbol).
package client

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/minimw/mmw/internal/config"
	"github.com/minimw/mmw/internal/protocol"
	"github.com/minimw/mmw/internal/wire"
)

// Config is the client's process-wide state: broker endpoint, codec choice,
// and tunables. Zero-valued tunables are filled from DefaultConfig.
type Config struct {
	BrokerHost string
	BrokerPort int

	Codec protocol.Name

	// ReliabilityPolicy mirrors config.Config.ReliabilityPolicy: the
	// implicit reliability PublishDefault applies when a caller doesn't
	// want to spell out best-effort/reliable at every call site. "reliable"
	// means PublishDefault sends reliable publishes; anything else
	// (including unset) means best-effort.
	ReliabilityPolicy string

	HeartbeatInterval time.Duration
	MaxRecordBytes    uint32

	Logger *zap.SugaredLogger
}

// NewFromBrokerConfig builds a Client from the same Config a broker process
// loads (internal/config), copying the endpoint, codec, and reliability
// policy fields a caller embedding this library alongside a broker's config
// file would otherwise have to duplicate by hand.
func NewFromBrokerConfig(cfg config.Config, logger *zap.SugaredLogger) (*Client, error) {
	return New(Config{
		BrokerHost:        cfg.BrokerHost,
		BrokerPort:        cfg.BrokerPort,
		Codec:             protocol.Name(cfg.Codec),
		ReliabilityPolicy: cfg.ReliabilityPolicy,
		Logger:            logger,
	})
}

// DefaultConfig fills every tunable except the broker endpoint, which has no
// sensible default (spec.md §4.4: initialize errors if host is empty or
// port is 0).
func DefaultConfig() Config {
	return Config{
		Codec:             protocol.NameBinary,
		HeartbeatInterval: 1000 * time.Millisecond,
		MaxRecordBytes:    wire.DefaultMaxRecordBytes,
	}
}

// subscription is the per-topic state for one subscriber socket: the
// receive loop and the heartbeat loop run as two independent goroutines so
// a slow user callback never delays heartbeats, and vice versa.
type subscription struct {
	topic  string
	socket net.Conn

	stop     chan struct{}
	recvDone chan struct{}
	hbDone   chan struct{}
}

// Client is explicit process state for one broker endpoint: a singleton
// codec, a topic→socket map per role, and the subscriber receive threads
// (spec.md §9: avoid implicit globals, model this as a lifecycle object).
type Client struct {
	cfg   Config
	codec protocol.Codec
	log   *zap.SugaredLogger

	// defaultReliable is cfg.ReliabilityPolicy resolved to a bool once, at
	// construction, rather than re-parsed on every PublishDefault call.
	defaultReliable bool

	mu          sync.Mutex
	closed      bool
	publishers  map[string]net.Conn
	subscribers map[string]*subscription
}

// New initializes a Client against a broker endpoint. It does not dial
// anything yet; CreatePublisher/CreateSubscriber each open their own
// connection.
func New(cfg Config) (*Client, error) {
	if cfg.BrokerHost == "" {
		return nil, ErrEmptyHost
	}
	if cfg.BrokerPort == 0 {
		return nil, ErrZeroPort
	}
	cfg = mergeDefaults(cfg)

	codec, err := protocol.New(cfg.Codec)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	return &Client{
		cfg:             cfg,
		codec:           codec,
		log:             log.Named("client"),
		defaultReliable: cfg.ReliabilityPolicy == "reliable",
		publishers:      make(map[string]net.Conn),
		subscribers:     make(map[string]*subscription),
	}, nil
}

func mergeDefaults(cfg Config) Config {
	d := DefaultConfig()
	if cfg.Codec == "" {
		cfg.Codec = d.Codec
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = d.HeartbeatInterval
	}
	if cfg.MaxRecordBytes == 0 {
		cfg.MaxRecordBytes = d.MaxRecordBytes
	}
	return cfg
}

func (c *Client) addr() string {
	return fmt.Sprintf("%s:%d", c.cfg.BrokerHost, c.cfg.BrokerPort)
}

func (c *Client) sendMessage(conn net.Conn, m protocol.Message) error {
	data, err := c.codec.Serialize(m)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	if err := wire.Send(conn, data); err != nil {
		return fmt.Errorf("client: %w", err)
	}
	return nil
}

// CreatePublisher opens a connection to the broker and registers it as a
// publisher for topic. A second call for the same topic on this Client is a
// StateError (ErrDuplicatePublisher); see the duplicate-topic resolution
// noted in DESIGN.md.
func (c *Client) CreatePublisher(topic string) error {
	if topic == "" {
		return ErrEmptyTopic
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if _, exists := c.publishers[topic]; exists {
		c.mu.Unlock()
		return ErrDuplicatePublisher
	}
	c.mu.Unlock()

	conn, err := net.Dial("tcp", c.addr())
	if err != nil {
		return fmt.Errorf("client: dial: %w", err)
	}
	if err := c.sendMessage(conn, protocol.Message{Type: protocol.TypeRegister, Topic: topic, Payload: string(protocol.RolePublisher)}); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.publishers[topic] = conn
	c.mu.Unlock()

	c.log.Infow("publisher registered", "topic", topic)
	return nil
}

// CreateSubscriber registers a text subscriber on topic. callback is invoked
// on the subscriber's dedicated receive goroutine for every publish
// delivered; it must not block indefinitely (spec.md §9).
func (c *Client) CreateSubscriber(topic string, callback func(payload string)) error {
	return c.createSubscriber(topic, callback, nil)
}

// CreateSubscriberRaw is CreateSubscriber's binary-payload counterpart.
func (c *Client) CreateSubscriberRaw(topic string, callback func(payload []byte)) error {
	return c.createSubscriber(topic, nil, callback)
}

func (c *Client) createSubscriber(topic string, textCB func(string), rawCB func([]byte)) error {
	if topic == "" {
		return ErrEmptyTopic
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if _, exists := c.subscribers[topic]; exists {
		c.mu.Unlock()
		return ErrDuplicateSubscriber
	}
	c.mu.Unlock()

	conn, err := net.Dial("tcp", c.addr())
	if err != nil {
		return fmt.Errorf("client: dial: %w", err)
	}
	if err := c.sendMessage(conn, protocol.Message{Type: protocol.TypeRegister, Topic: topic, Payload: string(protocol.RoleSubscriber)}); err != nil {
		conn.Close()
		return err
	}

	sub := &subscription{
		topic:    topic,
		socket:   conn,
		stop:     make(chan struct{}),
		recvDone: make(chan struct{}),
		hbDone:   make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.subscribers[topic] = sub
	c.mu.Unlock()

	go c.receiveLoop(sub, textCB, rawCB)
	go c.heartbeatLoop(sub)

	c.log.Infow("subscriber registered", "topic", topic)
	return nil
}

// receiveLoop decodes incoming records and, for a publish, invokes the
// user callback then (for a reliable delivery) replies with an ack. It
// returns on the first read error, which is also how Close unblocks it:
// Close sets a read deadline on the socket to interrupt a blocked Recv.
func (c *Client) receiveLoop(sub *subscription, textCB func(string), rawCB func([]byte)) {
	defer close(sub.recvDone)

	for {
		data, err := wire.Recv(sub.socket, c.cfg.MaxRecordBytes)
		if err != nil {
			return
		}
		if len(data) == 0 {
			continue
		}

		msg, err := c.codec.Deserialize(data)
		if err != nil {
			c.log.Warnw("dropping undecodable record", "topic", sub.topic, "error", err)
			continue
		}
		if msg.Type != protocol.TypePublish {
			continue
		}

		if msg.IsRaw() {
			if rawCB != nil {
				rawCB(msg.PayloadRaw)
			}
		} else if textCB != nil {
			textCB(msg.Payload)
		}

		if msg.Reliability {
			ack := protocol.Message{Type: protocol.TypeAck, MessageID: msg.MessageID, Topic: msg.Topic}
			if err := c.sendMessage(sub.socket, ack); err != nil {
				c.log.Warnw("failed to send ack", "topic", sub.topic, "messageId", msg.MessageID, "error", err)
				return
			}
		}
	}
}

func (c *Client) heartbeatLoop(sub *subscription) {
	defer close(sub.hbDone)

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sub.stop:
			return
		case <-ticker.C:
			if err := c.sendMessage(sub.socket, protocol.Message{Type: protocol.TypeHeartbeat}); err != nil {
				c.log.Warnw("failed to send heartbeat", "topic", sub.topic, "error", err)
				return
			}
		}
	}
}

// Publish sends a text publish on topic through its registered publisher
// socket. The broker assigns message_id; the client never does.
func (c *Client) Publish(topic, payload string, reliable bool) error {
	conn, err := c.publisherFor(topic)
	if err != nil {
		return err
	}
	return c.sendMessage(conn, protocol.Message{Type: protocol.TypePublish, Topic: topic, Payload: payload, Reliability: reliable})
}

// PublishDefault publishes topic/payload using the reliability from
// Config.ReliabilityPolicy instead of requiring the caller to state it,
// giving that field an actual effect.
func (c *Client) PublishDefault(topic, payload string) error {
	return c.Publish(topic, payload, c.defaultReliable)
}

// PublishRaw is Publish's binary-payload counterpart.
func (c *Client) PublishRaw(topic string, payload []byte, reliable bool) error {
	conn, err := c.publisherFor(topic)
	if err != nil {
		return err
	}
	return c.sendMessage(conn, protocol.Message{Type: protocol.TypePublish, Topic: topic, PayloadRaw: payload, Reliability: reliable})
}

func (c *Client) publisherFor(topic string) (net.Conn, error) {
	if topic == "" {
		return nil, ErrEmptyTopic
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	conn, ok := c.publishers[topic]
	if !ok {
		return nil, ErrUnknownTopic
	}
	return conn, nil
}

// Close implements spec.md §4.4's cleanup(): unregister and close every
// publisher, then for each subscriber signal its receive and heartbeat
// goroutines to stop, join them, send a final unregister, and close the
// socket. After Close returns, the Client holds no open socket and no
// running receive goroutine (spec.md §8 invariant 6). Close is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pubs := c.publishers
	subs := c.subscribers
	c.publishers = nil
	c.subscribers = nil
	c.mu.Unlock()

	for topic, conn := range pubs {
		c.sendMessage(conn, protocol.Message{Type: protocol.TypeUnregister, Topic: topic, Payload: string(protocol.RolePublisher)})
		conn.Close()
	}

	for _, sub := range subs {
		close(sub.stop)
		sub.socket.SetReadDeadline(time.Now())
		<-sub.recvDone
		<-sub.hbDone
		c.sendMessage(sub.socket, protocol.Message{Type: protocol.TypeUnregister, Topic: sub.topic, Payload: string(protocol.RoleSubscriber)})
		sub.socket.Close()
	}

	c.log.Infow("client closed")
	return nil
}
