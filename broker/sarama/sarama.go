// Package sarama connects Kafka consumer groups to gostream consumers using
// IBM/sarama.
//
// Every claimed record becomes a delivery.Message:
//
//	Ack    -> MarkMessage, plus a synchronous Commit with option "commit"
//	Nack   -> ResetOffset to the record, so the group resumes from it after
//	          the next rebalance
//	Reject -> produce to DeadLetterTopic when configured, then MarkMessage
//
// Ack understands "metadata" (string) stored with the offset. Reject
// understands "dead_letter" (bool, default true).
package sarama

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/fxsml/gostream/delivery"
)

// Headers added to dead-letter records.
const (
	HeaderOriginTopic     = "x-origin-topic"
	HeaderOriginPartition = "x-origin-partition"
	HeaderOriginOffset    = "x-origin-offset"
)

// SubscriberConfig configures the sarama subscriber.
type SubscriberConfig struct {
	// Brokers is the list of broker addresses.
	Brokers []string

	// Topics are consumed by the group.
	Topics []string

	// GroupID is the consumer group.
	GroupID string

	// Version is the Kafka protocol version, e.g. "2.6.0".
	// Default is sarama's default version.
	Version string

	// Oldest starts from the oldest offset when the group has none committed.
	// Default starts from the newest.
	Oldest bool

	// DeadLetterTopic receives rejected records when set.
	DeadLetterTopic string

	// RetryBackoff is the pause after a failed group session.
	// Default is 1 second.
	RetryBackoff time.Duration

	// BufferSize is the output channel buffer size.
	// Default is 256.
	BufferSize int

	// Logger for operational logging. Default is slog.Default().
	Logger delivery.Logger
}

func (c SubscriberConfig) parse() SubscriberConfig {
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// SaramaConfig builds the client configuration for c.
func (c SubscriberConfig) SaramaConfig() (*sarama.Config, error) {
	cfg := sarama.NewConfig()
	if c.Version != "" {
		v, err := sarama.ParseKafkaVersion(c.Version)
		if err != nil {
			return nil, fmt.Errorf("sarama: %w", err)
		}
		cfg.Version = v
	}
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	if c.Oldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	cfg.Consumer.Return.Errors = true
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Net.DialTimeout = 5 * time.Second
	return cfg, nil
}

// Subscriber runs a consumer group session loop.
type Subscriber struct {
	config SubscriberConfig

	mu       sync.Mutex
	group    sarama.ConsumerGroup
	producer sarama.SyncProducer
}

// NewSubscriber creates a subscriber that joins the group on Subscribe.
func NewSubscriber(config SubscriberConfig) *Subscriber {
	return &Subscriber{config: config.parse()}
}

// NewSubscriberWithGroup creates a subscriber on an existing group. producer
// may be nil when no dead-letter topic is used.
func NewSubscriberWithGroup(group sarama.ConsumerGroup, producer sarama.SyncProducer, config SubscriberConfig) *Subscriber {
	return &Subscriber{config: config.parse(), group: group, producer: producer}
}

// Subscribe joins the group and consumes until ctx is cancelled or the group
// is closed.
func (s *Subscriber) Subscribe(ctx context.Context) (<-chan delivery.Message, error) {
	group, producer, err := s.clients()
	if err != nil {
		return nil, err
	}

	out := make(chan delivery.Message, s.config.BufferSize)
	handler := &groupHandler{out: out, producer: producer, config: s.config}

	go func() {
		for err := range group.Errors() {
			s.config.Logger.Error("Consumer group error", "group", s.config.GroupID, "error", err)
		}
	}()

	s.config.Logger.Info("Kafka subscription started",
		"topics", s.config.Topics,
		"group", s.config.GroupID)

	go func() {
		defer close(out)
		for {
			err := group.Consume(ctx, s.config.Topics, handler)
			if errors.Is(err, sarama.ErrClosedConsumerGroup) || ctx.Err() != nil {
				return
			}
			if err != nil {
				s.config.Logger.Error("Consumer group session failed", "group", s.config.GroupID, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.config.RetryBackoff):
				}
			}
		}
	}()
	return out, nil
}

// Close leaves the group and closes the dead-letter producer.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.group != nil {
		errs = append(errs, s.group.Close())
		s.group = nil
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
		s.producer = nil
	}
	return errors.Join(errs...)
}

func (s *Subscriber) clients() (sarama.ConsumerGroup, sarama.SyncProducer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.group != nil {
		return s.group, s.producer, nil
	}

	cfg, err := s.config.SaramaConfig()
	if err != nil {
		return nil, nil, err
	}
	group, err := sarama.NewConsumerGroup(s.config.Brokers, s.config.GroupID, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("sarama: join group %s: %w", s.config.GroupID, err)
	}
	var producer sarama.SyncProducer
	if s.config.DeadLetterTopic != "" {
		producer, err = sarama.NewSyncProducer(s.config.Brokers, cfg)
		if err != nil {
			_ = group.Close()
			return nil, nil, fmt.Errorf("sarama: dead-letter producer: %w", err)
		}
	}
	s.group, s.producer = group, producer
	return group, producer, nil
}

type groupHandler struct {
	out      chan<- delivery.Message
	producer sarama.SyncProducer
	config   SubscriberConfig
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.config.Logger.Debug("Partitions assigned", "claims", sess.Claims())
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-sess.Context().Done():
			return nil
		case rec, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			select {
			case h.out <- h.newMessage(sess, rec):
			case <-sess.Context().Done():
				return nil
			}
		}
	}
}

func (h *groupHandler) newMessage(sess sarama.ConsumerGroupSession, rec *sarama.ConsumerMessage) delivery.Message {
	attrs := delivery.Attributes{
		"kafka.topic":     rec.Topic,
		"kafka.partition": rec.Partition,
		"kafka.offset":    rec.Offset,
		"kafka.key":       string(rec.Key),
		"time":            rec.Timestamp,
	}
	for _, hdr := range rec.Headers {
		if hdr != nil {
			attrs["kafka.header."+string(hdr.Key)] = string(hdr.Value)
		}
	}

	return delivery.NewRaw(MessageID(rec), rec.Value, attrs, delivery.Callbacks{
		Ack: func(_ context.Context, opts delivery.Options) error {
			sess.MarkMessage(rec, opts.String("metadata", ""))
			if opts.Bool("commit", false) {
				sess.Commit()
			}
			return nil
		},
		Nack: func(context.Context, delivery.Options) error {
			sess.ResetOffset(rec.Topic, rec.Partition, rec.Offset, "")
			return nil
		},
		Reject: func(_ context.Context, opts delivery.Options) error {
			if h.producer != nil && h.config.DeadLetterTopic != "" && opts.Bool("dead_letter", true) {
				if _, _, err := h.producer.SendMessage(deadLetter(h.config.DeadLetterTopic, rec)); err != nil {
					return fmt.Errorf("sarama: dead-letter %s: %w", MessageID(rec), err)
				}
			}
			sess.MarkMessage(rec, "")
			return nil
		},
	})
}

// MessageID identifies a record by topic, partition and offset.
func MessageID(rec *sarama.ConsumerMessage) string {
	return rec.Topic + "/" + strconv.FormatInt(int64(rec.Partition), 10) + "/" + strconv.FormatInt(rec.Offset, 10)
}

func deadLetter(topic string, rec *sarama.ConsumerMessage) *sarama.ProducerMessage {
	headers := make([]sarama.RecordHeader, 0, len(rec.Headers)+3)
	for _, hdr := range rec.Headers {
		if hdr != nil {
			headers = append(headers, *hdr)
		}
	}
	headers = append(headers,
		sarama.RecordHeader{Key: []byte(HeaderOriginTopic), Value: []byte(rec.Topic)},
		sarama.RecordHeader{Key: []byte(HeaderOriginPartition), Value: []byte(strconv.FormatInt(int64(rec.Partition), 10))},
		sarama.RecordHeader{Key: []byte(HeaderOriginOffset), Value: []byte(strconv.FormatInt(rec.Offset, 10))},
	)

	msg := &sarama.ProducerMessage{
		Topic:   topic,
		Value:   sarama.ByteEncoder(rec.Value),
		Headers: headers,
	}
	if rec.Key != nil {
		msg.Key = sarama.ByteEncoder(rec.Key)
	}
	return msg
}
