// Package rediswatch provides a delivery.Watcher whose attempt counters live
// in Redis, so the retry budget of a message holds across consumer replicas.
package rediswatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fxsml/gostream/delivery"
	"github.com/redis/go-redis/v9"
)

// Config configures a Watcher.
type Config struct {
	// MaxTries is the number of retries after the first attempt.
	MaxTries int

	// Prefix is prepended to every counter key.
	// Default is "gostream:retry:".
	Prefix string

	// TTL expires counters of messages that never reach a terminal state.
	// Default is 24 hours.
	TTL time.Duration

	// Timeout bounds every Redis call.
	// Default is 1 second.
	Timeout time.Duration

	// Logger for operational logging. Default is slog.Default().
	Logger delivery.Logger
}

func (c Config) parse() Config {
	if c.MaxTries < 0 {
		c.MaxTries = 0
	}
	if c.Prefix == "" {
		c.Prefix = "gostream:retry:"
	}
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Watcher counts attempts with INCR and forgets messages with DEL.
//
// Redis failures never drop a message: a failed read reports the message as
// not exhausted, so it is redelivered.
type Watcher struct {
	client redis.Cmdable
	config Config
}

var _ delivery.Watcher = (*Watcher)(nil)

// New creates a Watcher on the given client.
func New(client redis.Cmdable, config Config) *Watcher {
	return &Watcher{
		client: client,
		config: config.parse(),
	}
}

// Add increments the attempt counter of id and refreshes its TTL.
func (w *Watcher) Add(id string) {
	ctx, cancel := w.context()
	defer cancel()

	key := w.key(id)
	pipe := w.client.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, w.config.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		w.config.Logger.Warn("Failed to record attempt",
			"message_id", id,
			"error", err)
	}
}

// IsExhausted reports whether id was attempted more than MaxTries times.
func (w *Watcher) IsExhausted(id string) bool {
	ctx, cancel := w.context()
	defer cancel()

	n, err := w.Attempts(ctx, id)
	if err != nil {
		w.config.Logger.Warn("Failed to read attempts, assuming retry budget left",
			"message_id", id,
			"error", err)
		return false
	}

	exhausted := n > w.config.MaxTries
	if exhausted {
		w.config.Logger.Error("Retry budget exhausted, rejecting message",
			"message_id", id,
			"max_tries", w.config.MaxTries)
	} else {
		w.config.Logger.Error("Message processing failed, pushing back to queue",
			"message_id", id,
			"attempt", n)
	}
	return exhausted
}

// Remove deletes the attempt counter of id.
func (w *Watcher) Remove(id string) {
	ctx, cancel := w.context()
	defer cancel()

	if err := w.client.Del(ctx, w.key(id)).Err(); err != nil {
		w.config.Logger.Warn("Failed to remove attempts",
			"message_id", id,
			"error", err)
	}
}

// Attempts returns the recorded attempts of id.
func (w *Watcher) Attempts(ctx context.Context, id string) (int, error) {
	n, err := w.client.Get(ctx, w.key(id)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (w *Watcher) key(id string) string {
	return w.config.Prefix + id
}

func (w *Watcher) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), w.config.Timeout)
}
