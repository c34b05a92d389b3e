// Package redis connects Redis stream consumer groups to gostream consumers.
//
// Every stream entry becomes a delivery.Message keyed by its entry id:
//
//	Ack    -> XACK
//	Nack   -> nothing; the entry stays pending and is reclaimed with
//	          XAUTOCLAIM once it was idle for ClaimIdle
//	Reject -> XADD to DeadLetterStream when configured, then XACK
//
// Reject understands "dead_letter" (bool, default true).
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fxsml/gostream/delivery"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Fields added to dead-letter entries.
const (
	FieldOriginStream = "origin_stream"
	FieldOriginID     = "origin_id"
)

// SubscriberConfig configures the stream subscriber.
type SubscriberConfig struct {
	// Stream is the stream key.
	Stream string

	// Group is the consumer group, created with the stream when missing.
	Group string

	// Consumer names this member of the group.
	// Default is a random name.
	Consumer string

	// StartID is where a newly created group starts: "$" for new entries
	// only, "0" for the whole stream.
	// Default is "$".
	StartID string

	// PayloadField holds the message payload. Other fields become
	// attributes.
	// Default is "data".
	PayloadField string

	// Count bounds the entries read per call.
	// Default is 10.
	Count int64

	// Block bounds how long a read waits for new entries.
	// Default is 1 second.
	Block time.Duration

	// ClaimIdle is the idle time after which a pending entry, e.g. a nacked
	// one, is claimed and delivered again. Zero disables reclaiming.
	// Default is 30 seconds.
	ClaimIdle time.Duration

	// DeadLetterStream receives rejected entries when set.
	DeadLetterStream string

	// RetryBackoff is the pause after a failed read.
	// Default is 1 second.
	RetryBackoff time.Duration

	// BufferSize is the output channel buffer size.
	// Default is 256.
	BufferSize int

	// Logger for operational logging. Default is slog.Default().
	Logger delivery.Logger
}

func (c SubscriberConfig) parse() SubscriberConfig {
	if c.Consumer == "" {
		c.Consumer = "gostream-" + uuid.NewString()
	}
	if c.StartID == "" {
		c.StartID = "$"
	}
	if c.PayloadField == "" {
		c.PayloadField = "data"
	}
	if c.Count <= 0 {
		c.Count = 10
	}
	if c.Block <= 0 {
		c.Block = time.Second
	}
	if c.ClaimIdle < 0 {
		c.ClaimIdle = 0
	} else if c.ClaimIdle == 0 {
		c.ClaimIdle = 30 * time.Second
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

// Subscriber reads a stream as a member of a consumer group.
type Subscriber struct {
	client redis.Cmdable
	config SubscriberConfig
}

// NewSubscriber creates a subscriber on client.
func NewSubscriber(client redis.Cmdable, config SubscriberConfig) *Subscriber {
	return &Subscriber{client: client, config: config.parse()}
}

// Subscribe creates the group if needed and starts reading. The returned
// channel closes when ctx is cancelled.
func (s *Subscriber) Subscribe(ctx context.Context) (<-chan delivery.Message, error) {
	err := s.client.XGroupCreateMkStream(ctx, s.config.Stream, s.config.Group, s.config.StartID).Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("redis: create group %s on %s: %w", s.config.Group, s.config.Stream, err)
	}

	s.config.Logger.Info("Redis stream subscription started",
		"stream", s.config.Stream,
		"group", s.config.Group,
		"consumer", s.config.Consumer)

	out := make(chan delivery.Message, s.config.BufferSize)
	go func() {
		defer close(out)
		for ctx.Err() == nil {
			entries, err := s.next(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.config.Logger.Error("Failed to read stream", "stream", s.config.Stream, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.config.RetryBackoff):
				}
				continue
			}
			for _, e := range entries {
				select {
				case out <- s.newMessage(e):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// next returns reclaimed pending entries, or else new entries.
func (s *Subscriber) next(ctx context.Context) ([]redis.XMessage, error) {
	if s.config.ClaimIdle > 0 {
		claimed, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   s.config.Stream,
			Group:    s.config.Group,
			Consumer: s.config.Consumer,
			MinIdle:  s.config.ClaimIdle,
			Start:    "0-0",
			Count:    s.config.Count,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: autoclaim: %w", err)
		}
		if len(claimed) > 0 {
			return claimed, nil
		}
	}

	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.config.Group,
		Consumer: s.config.Consumer,
		Streams:  []string{s.config.Stream, ">"},
		Count:    s.config.Count,
		Block:    s.config.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: read group: %w", err)
	}

	var entries []redis.XMessage
	for _, st := range streams {
		entries = append(entries, st.Messages...)
	}
	return entries, nil
}

func (s *Subscriber) newMessage(e redis.XMessage) delivery.Message {
	attrs := delivery.Attributes{
		"redis.stream": s.config.Stream,
		"redis.group":  s.config.Group,
	}
	var data []byte
	for k, v := range e.Values {
		if k == s.config.PayloadField {
			data = toBytes(v)
			continue
		}
		attrs["redis.field."+k] = v
	}

	stream, group, id := s.config.Stream, s.config.Group, e.ID
	return delivery.NewRaw(id, data, attrs, delivery.Callbacks{
		Ack: func(ctx context.Context, _ delivery.Options) error {
			return s.client.XAck(ctx, stream, group, id).Err()
		},
		Nack: func(context.Context, delivery.Options) error {
			s.config.Logger.Debug("Entry left pending", "stream", stream, "id", id)
			return nil
		},
		Reject: func(ctx context.Context, opts delivery.Options) error {
			if s.config.DeadLetterStream == "" || !opts.Bool("dead_letter", true) {
				return s.client.XAck(ctx, stream, group, id).Err()
			}
			values := make(map[string]any, len(e.Values)+2)
			for k, v := range e.Values {
				values[k] = v
			}
			values[FieldOriginStream] = stream
			values[FieldOriginID] = id

			pipe := s.client.TxPipeline()
			pipe.XAdd(ctx, &redis.XAddArgs{Stream: s.config.DeadLetterStream, Values: values})
			pipe.XAck(ctx, stream, group, id)
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("redis: dead-letter %s: %w", id, err)
			}
			return nil
		},
	})
}

func toBytes(v any) []byte {
	switch t := v.(type) {
	case string:
		return []byte(t)
	case []byte:
		return t
	default:
		return []byte(fmt.Sprint(t))
	}
}
