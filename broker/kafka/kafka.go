// Package kafka connects Kafka consumer groups to gostream consumers using
// segmentio/kafka-go.
//
// Every fetched record becomes a delivery.Message:
//
//	Ack    -> commit the offset
//	Nack   -> no commit; the record is redelivered once the partition is
//	          reassigned or the consumer restarts
//	Reject -> copy to DeadLetterTopic when configured, then commit
//
// Kafka commits are cumulative per partition: acking a later record also
// commits every earlier record of that partition, including nacked ones.
// Use a concurrency of one per partition where that matters.
//
// Reject understands the option "dead_letter" (bool, default true) to skip the
// dead-letter copy.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/fxsml/gostream/delivery"
	"github.com/segmentio/kafka-go"
)

// HeaderMessageID carries the publisher's message id.
const HeaderMessageID = "x-message-id"

// Headers added to dead-letter records.
const (
	HeaderOriginTopic     = "x-origin-topic"
	HeaderOriginPartition = "x-origin-partition"
	HeaderOriginOffset    = "x-origin-offset"
)

// Reader is the subset of *kafka.Reader used by the Subscriber.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Writer is the subset of *kafka.Writer used for dead letters and publishing.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// SubscriberConfig configures the Kafka subscriber.
type SubscriberConfig struct {
	// Brokers is the list of broker addresses.
	Brokers []string

	// Topics are consumed by the group.
	Topics []string

	// GroupID is the consumer group.
	GroupID string

	// StartOffset applies when the group has no committed offset:
	// kafka.FirstOffset or kafka.LastOffset.
	// Default is kafka.FirstOffset.
	StartOffset int64

	// MaxWait bounds a single fetch.
	// Default is 1 second.
	MaxWait time.Duration

	// DeadLetterTopic receives rejected records when set.
	DeadLetterTopic string

	// RetryBackoff is the pause after a failed fetch.
	// Default is 1 second.
	RetryBackoff time.Duration

	// BufferSize is the output channel buffer size.
	// Default is 256.
	BufferSize int

	// Logger for operational logging. Default is slog.Default().
	Logger delivery.Logger
}

func (c SubscriberConfig) parse() SubscriberConfig {
	if c.StartOffset == 0 {
		c.StartOffset = kafka.FirstOffset
	}
	if c.MaxWait <= 0 {
		c.MaxWait = time.Second
	}
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

// Subscriber reads a consumer group.
type Subscriber struct {
	config SubscriberConfig

	mu     sync.Mutex
	reader Reader
	dlq    Writer
}

// NewSubscriber creates a subscriber that joins the group on Subscribe.
func NewSubscriber(config SubscriberConfig) *Subscriber {
	return &Subscriber{config: config.parse()}
}

// NewSubscriberWithReader creates a subscriber on an existing reader. dlq may
// be nil when no dead-letter topic is used.
func NewSubscriberWithReader(r Reader, dlq Writer, config SubscriberConfig) *Subscriber {
	return &Subscriber{config: config.parse(), reader: r, dlq: dlq}
}

// Subscribe starts fetching. The returned channel closes when ctx is cancelled
// or the reader is closed.
func (s *Subscriber) Subscribe(ctx context.Context) (<-chan delivery.Message, error) {
	r, dlq := s.clients()

	s.config.Logger.Info("Kafka subscription started",
		"topics", s.config.Topics,
		"group", s.config.GroupID)

	out := make(chan delivery.Message, s.config.BufferSize)
	go func() {
		defer close(out)
		for {
			rec, err := r.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, io.EOF) {
					return
				}
				s.config.Logger.Error("Failed to fetch message", "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.config.RetryBackoff):
				}
				continue
			}

			select {
			case out <- s.newMessage(r, dlq, rec):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close closes the reader and the dead-letter writer.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.reader != nil {
		errs = append(errs, s.reader.Close())
		s.reader = nil
	}
	if s.dlq != nil {
		errs = append(errs, s.dlq.Close())
		s.dlq = nil
	}
	return errors.Join(errs...)
}

func (s *Subscriber) clients() (Reader, Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reader == nil {
		s.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:     s.config.Brokers,
			GroupID:     s.config.GroupID,
			GroupTopics: s.config.Topics,
			StartOffset: s.config.StartOffset,
			MaxWait:     s.config.MaxWait,
		})
	}
	if s.dlq == nil && s.config.DeadLetterTopic != "" {
		s.dlq = &kafka.Writer{
			Addr:         kafka.TCP(s.config.Brokers...),
			Topic:        s.config.DeadLetterTopic,
			RequiredAcks: kafka.RequireAll,
		}
	}
	return s.reader, s.dlq
}

func (s *Subscriber) newMessage(r Reader, dlq Writer, rec kafka.Message) delivery.Message {
	attrs := delivery.Attributes{
		"kafka.topic":     rec.Topic,
		"kafka.partition": rec.Partition,
		"kafka.offset":    rec.Offset,
		"kafka.key":       string(rec.Key),
		"time":            rec.Time,
	}
	for _, h := range rec.Headers {
		attrs["kafka.header."+h.Key] = string(h.Value)
	}

	commit := func(ctx context.Context) error {
		return r.CommitMessages(ctx, rec)
	}

	return delivery.NewRaw(MessageID(rec), rec.Value, attrs, delivery.Callbacks{
		Ack: func(ctx context.Context, _ delivery.Options) error {
			return commit(ctx)
		},
		Nack: func(context.Context, delivery.Options) error {
			s.config.Logger.Debug("Record left uncommitted",
				"topic", rec.Topic,
				"partition", rec.Partition,
				"offset", rec.Offset)
			return nil
		},
		Reject: func(ctx context.Context, opts delivery.Options) error {
			if dlq != nil && opts.Bool("dead_letter", true) {
				if err := dlq.WriteMessages(ctx, deadLetter(rec)); err != nil {
					return fmt.Errorf("kafka: dead-letter %s: %w", MessageID(rec), err)
				}
			}
			return commit(ctx)
		},
	})
}

// MessageID identifies a record by topic, partition and offset.
func MessageID(rec kafka.Message) string {
	return rec.Topic + "/" + strconv.Itoa(rec.Partition) + "/" + strconv.FormatInt(rec.Offset, 10)
}

func deadLetter(rec kafka.Message) kafka.Message {
	headers := make([]kafka.Header, 0, len(rec.Headers)+3)
	headers = append(headers, rec.Headers...)
	headers = append(headers,
		kafka.Header{Key: HeaderOriginTopic, Value: []byte(rec.Topic)},
		kafka.Header{Key: HeaderOriginPartition, Value: []byte(strconv.Itoa(rec.Partition))},
		kafka.Header{Key: HeaderOriginOffset, Value: []byte(strconv.FormatInt(rec.Offset, 10))},
	)
	return kafka.Message{Key: rec.Key, Value: rec.Value, Headers: headers}
}
