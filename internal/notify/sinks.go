package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/Windi-Fikriyansyah/escrowd/internal/models"
	"github.com/Windi-Fikriyansyah/escrowd/internal/realtime"
	"github.com/Windi-Fikriyansyah/escrowd/internal/store"
)

// Sink delivers one outbox event. The relay retries only the sinks that failed,
// but a crash between delivery and recording the outcome repeats the event, so
// consumers dedupe on the event id.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e models.OutboxEvent) error
}

// InboxSink stores the event as an inbox notification keyed by the event id.
type InboxSink struct {
	Store store.Store
}

func (s *InboxSink) Name() string { return "inbox" }

func (s *InboxSink) Deliver(ctx context.Context, e models.OutboxEvent) error {
	n := models.Notification{
		ID:          e.ID,
		RecipientID: e.RecipientID,
		Type:        e.Type,
		Title:       e.Title,
		Message:     e.Message,
		JobID:       e.JobID,
		MilestoneID: e.MilestoneID,
		CreatedAt:   e.CreatedAt,
	}
	err := s.Store.Atomic(ctx, store.UserKey(e.RecipientID), func(tx store.Tx) error {
		return tx.Notifications().Create(&n)
	})
	if errors.Is(err, store.ErrDuplicate) {
		return nil
	}
	return err
}

// userPusher is the part of realtime.Hub the websocket sink needs.
type userPusher interface {
	SendToUser(userID uuid.UUID, data interface{}) (int, error)
}

// HubSink pushes to the recipient's open websocket connections. Nobody online is
// not an error; the inbox keeps the record.
type HubSink struct {
	Hub userPusher
}

var _ userPusher = (*realtime.Hub)(nil)

func (s *HubSink) Name() string { return "websocket" }

func (s *HubSink) Deliver(_ context.Context, e models.OutboxEvent) error {
	_, err := s.Hub.SendToUser(e.RecipientID, map[string]any{
		"type":         "notification",
		"notification": toEnvelope(e),
	})
	return err
}

// publisher is satisfied by *redis.Client.
type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink publishes on notifications:<recipient> for other instances and
// downstream consumers.
type RedisSink struct {
	Client publisher
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Deliver(ctx context.Context, e models.OutboxEvent) error {
	payload, err := json.Marshal(toEnvelope(e))
	if err != nil {
		return err
	}
	return s.Client.Publish(ctx, realtime.NotificationChannel(e.RecipientID.String()), payload).Err()
}

// Producer is the subset of kafka producer behaviour the sink needs.
type Producer interface {
	Produce(ctx context.Context, key []byte, value []byte) error
	Close() error
}

// KafkaSink streams escrow lifecycle events keyed by job id so a job's events stay
// on one partition.
type KafkaSink struct {
	Producer Producer
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Deliver(ctx context.Context, e models.OutboxEvent) error {
	value, err := json.Marshal(toEnvelope(e))
	if err != nil {
		return err
	}
	key := e.RecipientID.String()
	if e.JobID != nil {
		key = e.JobID.String()
	}
	return s.Producer.Produce(ctx, []byte(key), value)
}

type KafkaProducerConfig struct {
	Brokers []string
	Topic   string

	// MaxAttempts is how many times a Produce is tried. Defaults to 3.
	MaxAttempts int

	// WriteTimeout is the per-attempt timeout. Defaults to 10s.
	WriteTimeout time.Duration
}

// KafkaProducer wraps a kafka-go Writer with bounded retries.
type KafkaProducer struct {
	writer      *kafka.Writer
	maxAttempts int
	timeout     time.Duration
}

func NewKafkaProducer(cfg KafkaProducerConfig) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	return &KafkaProducer{writer: w, maxAttempts: cfg.MaxAttempts, timeout: cfg.WriteTimeout}, nil
}

func (p *KafkaProducer) Produce(ctx context.Context, key []byte, value []byte) error {
	var lastErr error
	backoff := 100 * time.Millisecond

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
		err := p.writer.WriteMessages(attemptCtx, kafka.Message{Key: key, Value: value, Time: time.Now().UTC()})
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("produce failed after %d attempts: %w", p.maxAttempts, lastErr)
}

func (p *KafkaProducer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
