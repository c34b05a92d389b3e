// Package consumer runs handlers over broker subscriptions with
// at-least-once acknowledgement.
//
// A Consumer reads messages from a Subscriber, wraps each one in a
// delivery.Context and runs the handler with bounded concurrency. The
// Context performs the terminal ack, nack or reject; errors that survive it
// are reported to the ErrorHandler.
//
//	c := consumer.New(sub, handle, consumer.Config{
//		Name:        "orders",
//		Concurrency: 8,
//		Retry:       delivery.RetryConfig{Mode: delivery.RetryCounter, MaxTries: 3},
//	})
//	c.Use(consumer.Timeout(5 * time.Second))
//	done, err := c.Start(ctx)
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fxsml/gostream/delivery"
	"golang.org/x/sync/errgroup"
)

// ErrAlreadyStarted is returned when Start is called on a started consumer.
var ErrAlreadyStarted = errors.New("consumer: already started")

// Subscriber is a source of broker messages. The channel is closed when the
// subscription ends.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan delivery.Message, error)
}

// Middleware wraps a handler.
type Middleware func(next delivery.HandlerFunc) delivery.HandlerFunc

// Result describes one finished delivery.
type Result struct {
	Consumer    string
	MessageID   string
	Outcome     delivery.Outcome
	Disposition delivery.Disposition
	Duration    time.Duration
	Err         error
}

// Observer receives a Result for every finished delivery.
type Observer interface {
	Observe(res Result)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(res Result)

// Observe calls f(res).
func (f ObserverFunc) Observe(res Result) { f(res) }

// Config configures a Consumer.
type Config struct {
	// Name identifies the consumer in logs and metrics.
	// Default is "consumer".
	Name string

	// Concurrency is the number of messages handled in parallel.
	// Default is 1.
	Concurrency int

	// Retry selects the retry policy. Ignored when Watcher is set.
	Retry delivery.RetryConfig

	// Watcher overrides Retry, e.g. with a rediswatch.Watcher.
	Watcher delivery.Watcher

	// AckOptions are forwarded verbatim to every Ack, Nack and Reject.
	AckOptions delivery.Options

	// HandleTimeout bounds every handler call, see Timeout. Zero disables it.
	HandleTimeout time.Duration

	// ErrorHandler is called with every error returned from a delivery
	// context: unhandled handler errors and failed broker calls.
	// Default logs at error level.
	ErrorHandler func(msg delivery.Message, err error)

	// Observer receives a Result for every finished delivery.
	Observer Observer

	// Logger for operational logging. Default is slog.Default().
	Logger delivery.Logger
}

func (c Config) parse() Config {
	if c.Name == "" {
		c.Name = "consumer"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.ErrorHandler == nil {
		logger, name := c.Logger, c.Name
		c.ErrorHandler = func(msg delivery.Message, err error) {
			logger.Error("Message processing failed",
				"consumer", name,
				"message_id", msg.ID(),
				"error", err)
		}
	}
	return c
}

// Consumer dispatches messages of one Subscriber to one handler.
type Consumer struct {
	sub     Subscriber
	handler delivery.HandlerFunc
	config  Config
	watcher delivery.Watcher

	mu          sync.Mutex
	started     bool
	middlewares []Middleware
}

// New creates a Consumer.
func New(sub Subscriber, handler delivery.HandlerFunc, config Config) *Consumer {
	config = config.parse()
	watcher := config.Watcher
	if watcher == nil {
		watcher = delivery.NewWatcher(config.Retry)
	}
	return &Consumer{
		sub:     sub,
		handler: handler,
		config:  config,
		watcher: watcher,
	}
}

// Name returns the consumer name.
func (c *Consumer) Name() string {
	return c.config.Name
}

// Watcher returns the retry policy shared by all deliveries.
func (c *Consumer) Watcher() delivery.Watcher {
	return c.watcher
}

// Use appends middleware. The first middleware is the outermost.
// Must be called before Start.
func (c *Consumer) Use(mw ...Middleware) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.middlewares = append(c.middlewares, mw...)
}

// Start subscribes and dispatches messages until the subscription channel
// closes or ctx is cancelled. The returned channel is closed once all
// in-flight deliveries finished.
func (c *Consumer) Start(ctx context.Context) (<-chan struct{}, error) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	c.started = true
	handler := c.chain()
	c.mu.Unlock()

	msgs, err := c.sub.Subscribe(ctx)
	if err != nil {
		return nil, fmt.Errorf("consumer %s: subscribe: %w", c.config.Name, err)
	}

	c.config.Logger.Info("Consumer started",
		"consumer", c.config.Name,
		"concurrency", c.config.Concurrency)

	done := make(chan struct{})
	go func() {
		defer close(done)

		var g errgroup.Group
		g.SetLimit(c.config.Concurrency)
		c.dispatch(ctx, &g, msgs, handler)
		_ = g.Wait()

		c.config.Logger.Info("Consumer stopped", "consumer", c.config.Name)
	}()
	return done, nil
}

// Process handles a single message synchronously with the consumer's
// handler, middleware and retry policy. It returns what the delivery
// context returned.
func (c *Consumer) Process(ctx context.Context, msg delivery.Message) error {
	c.mu.Lock()
	handler := c.chain()
	c.mu.Unlock()
	return c.process(ctx, msg, handler)
}

func (c *Consumer) dispatch(ctx context.Context, g *errgroup.Group, msgs <-chan delivery.Message, handler delivery.HandlerFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			g.Go(func() error {
				_ = c.process(ctx, msg, handler)
				return nil
			})
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg delivery.Message, handler delivery.HandlerFunc) error {
	start := time.Now()
	dc := delivery.NewContext(msg, c.watcher, c.config.AckOptions)
	err := dc.Run(ctx, handler)
	if err != nil {
		c.config.ErrorHandler(msg, err)
	}
	if c.config.Observer != nil {
		c.config.Observer.Observe(Result{
			Consumer:    c.config.Name,
			MessageID:   msg.ID(),
			Outcome:     dc.Outcome(),
			Disposition: dc.Disposition(),
			Duration:    time.Since(start),
			Err:         err,
		})
	}
	return err
}

func (c *Consumer) chain() delivery.HandlerFunc {
	h := Timeout(c.config.HandleTimeout)(c.handler)
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		h = c.middlewares[i](h)
	}
	return h
}
