// Package store implements the durable persistence of reliable publishes.
// Writes are enqueued to a single background writer so the broker's routing
// hot path never blocks on disk; next_message_id() is the one synchronous
// read, used once at startup to recover monotonic message-id assignment
// across a restart.
package store

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// PersistedMessage is the durable row for a reliable publish. The schema
// mirrors spec.md §6: messageId primary key, topic, payload bytes,
// reliability flag.
type PersistedMessage struct {
	MessageID   uint32 `gorm:"column:messageId;primaryKey"`
	Topic       string `gorm:"column:topic;not null"`
	Payload     []byte `gorm:"column:payload;not null"`
	Reliability bool   `gorm:"column:reliability;not null"`
}

func (PersistedMessage) TableName() string { return "messages" }

// ErrQueueClosed is returned by Persist after Close has been called.
var ErrQueueClosed = errors.New("store: persistence queue is closed")

// Store is an embedded transactional record store keyed by message_id. Only
// reliable publishes are ever enqueued.
type Store struct {
	db     *gorm.DB
	log    *zap.SugaredLogger
	queue  chan PersistedMessage
	done   chan struct{}
	closed chan struct{}
	once   sync.Once
}

// Config controls how the store opens its backing database and sizes its
// write queue.
type Config struct {
	// Path is the sqlite file path (default "broker.db"); ":memory:" is
	// valid for tests.
	Path string
	// QueueSize bounds the async write queue (default 1024).
	QueueSize int
	Logger    *zap.SugaredLogger
}

// Open opens (creating if necessary) the backing store, runs AutoMigrate,
// and starts the background writer goroutine.
func Open(cfg Config) (*Store, error) {
	path := cfg.Path
	if path == "" {
		path = "broker.db"
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&PersistedMessage{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	s := &Store{
		db:     db,
		log:    log,
		queue:  make(chan PersistedMessage, queueSize),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

// Persist enqueues a reliable message for asynchronous durability. It
// returns immediately with success iff the queue accepted it; the actual
// disk write happens on the background writer. Failure to persist is
// logged there and is never fatal to routing.
func (s *Store) Persist(m PersistedMessage) error {
	select {
	case <-s.done:
		return ErrQueueClosed
	default:
	}

	select {
	case s.queue <- m:
		return nil
	case <-s.done:
		return ErrQueueClosed
	default:
		// Queue full: drop and log rather than block the routing hot path.
		s.log.Warnw("persistence queue full, dropping message", "messageId", m.MessageID)
		return fmt.Errorf("store: queue full")
	}
}

// NextMessageID returns 1 + max(persisted messageId), or 1 if the table is
// empty. It is synchronous and is meant to be called once at startup.
func (s *Store) NextMessageID() (uint32, error) {
	var maxID *uint32
	if err := s.db.Model(&PersistedMessage{}).Select("MAX(messageId)").Scan(&maxID).Error; err != nil {
		return 0, fmt.Errorf("store: next message id: %w", err)
	}
	if maxID == nil {
		return 1, nil
	}
	return *maxID + 1, nil
}

// Close drains the write queue, stops the writer, and closes the underlying
// database.
func (s *Store) Close() error {
	var closeErr error
	s.once.Do(func() {
		close(s.done)
		<-s.closed
		sqlDB, err := s.db.DB()
		if err != nil {
			closeErr = err
			return
		}
		closeErr = sqlDB.Close()
	})
	return closeErr
}

func (s *Store) writeLoop() {
	defer close(s.closed)
	for {
		select {
		case m := <-s.queue:
			s.writeBlocking(m)
		case <-s.done:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case m := <-s.queue:
					s.writeBlocking(m)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) writeBlocking(m PersistedMessage) {
	if err := s.db.Create(&m).Error; err != nil {
		s.log.Errorw("failed to persist message", "messageId", m.MessageID, "error", err)
	}
}
