// Package dlq is the optional dead-letter bridge for reliable messages that
// exhaust their broker-side retry budget (spec.md §4.5.4, DEAD state). It is
// a supplemented feature, not part of the core protocol: a broker run
// without Kafka configured simply never constructs a Forwarder, and DEAD
// messages are only logged. Forwarding does not imply clustering or
// replication of the broker itself, which remain non-goals.
package dlq

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/minimw/mmw/internal/resilience"
)

// DeadMessage is the information the broker hands the forwarder once a
// message's reliable delivery has exhausted MAX_RETRIES.
type DeadMessage struct {
	MessageID uint32
	Topic     string
	Payload   []byte
	Socket    string
}

// Config controls the Kafka connection and the forwarder's own fault
// tolerance, distinct from the broker's spec-mandated retry sweep.
type Config struct {
	Brokers []string
	Topic   string
	Logger  *zap.SugaredLogger

	Retry          resilience.RetryConfig
	CircuitBreaker resilience.CircuitBreakerConfig
}

// Forwarder publishes dead-lettered reliable messages to a Kafka topic,
// guarded by a retryer and circuit breaker so a flaky Kafka cluster can
// never back-pressure the broker's routing hot path.
type Forwarder struct {
	producer sarama.SyncProducer
	topic    string
	log      *zap.SugaredLogger
	retryer  *resilience.Retryer
	breaker  *resilience.CircuitBreaker
}

// New dials Kafka and returns a ready Forwarder. Callers should Close it on
// shutdown.
func New(cfg Config) (*Forwarder, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("dlq: no brokers configured")
	}
	topic := cfg.Topic
	if topic == "" {
		topic = "mmw-dead-letter"
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	saramaCfg := sarama.NewConfig()
	saramaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.Return.Errors = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("dlq: connect producer: %w", err)
	}

	breakerCfg := cfg.CircuitBreaker
	breakerCfg.Name = "dlq-kafka"

	return &Forwarder{
		producer: producer,
		topic:    topic,
		log:      log.Named("dlq"),
		retryer:  resilience.NewRetryer(cfg.Retry),
		breaker:  resilience.NewCircuitBreaker(breakerCfg),
	}, nil
}

// Forward publishes m to the dead-letter topic, retrying transient Kafka
// failures and tripping the breaker once Kafka looks down. A forwarding
// failure is logged and swallowed: losing a dead-lettered message never
// brings down the broker.
func (f *Forwarder) Forward(ctx context.Context, m DeadMessage) {
	err := f.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		return f.retryer.DoWithContext(ctx, func(context.Context) error {
			return f.publish(m)
		})
	})
	if err != nil {
		f.log.Errorw("failed to forward dead-lettered message",
			"messageId", m.MessageID, "topic", m.Topic, "error", err)
	}
}

func (f *Forwarder) publish(m DeadMessage) error {
	msg := &sarama.ProducerMessage{
		Topic:     f.topic,
		Key:       sarama.StringEncoder(m.Topic),
		Value:     sarama.ByteEncoder(m.Payload),
		Timestamp: time.Now(),
		Headers: []sarama.RecordHeader{
			{Key: []byte("messageId"), Value: []byte(fmt.Sprintf("%d", m.MessageID))},
			{Key: []byte("socket"), Value: []byte(m.Socket)},
		},
	}
	_, _, err := f.producer.SendMessage(msg)
	return err
}

// Close releases the underlying Kafka producer.
func (f *Forwarder) Close() error {
	return f.producer.Close()
}
