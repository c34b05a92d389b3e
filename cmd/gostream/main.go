// Command gostream consumes messages from the configured broker with
// at-least-once acknowledgement and a bounded retry policy.
//
// Configuration is read from the YAML files given with -config and from
// GOSTREAM_* environment variables:
//
//	GOSTREAM_BROKER=nats GOSTREAM_CONSUMER__MAX_TRIES=5 gostream -config gostream.yaml
//
// With -publish, the payload is published -count times to the configured
// topic instead:
//
//	gostream -publish '{"order_id":"ORD-001"}' -count 10
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fxsml/gostream/broker"
	"github.com/fxsml/gostream/config"
	"github.com/fxsml/gostream/consumer"
	"github.com/fxsml/gostream/delivery"
	"github.com/fxsml/gostream/logging"
	"github.com/fxsml/gostream/metrics"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

func main() {
	var (
		files   = flag.String("config", "", "comma-separated YAML config files")
		publish = flag.String("publish", "", "publish this payload instead of consuming")
		count   = flag.Int("count", 1, "number of messages to publish")
		keys    = flag.Bool("keys", false, "print the environment variables and exit")
	)
	flag.Parse()

	if *keys {
		for _, k := range config.Keys(config.App{}) {
			fmt.Println(k)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *files, *publish, *count); err != nil {
		slog.Error("Exiting", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, files, payload string, count int) error {
	loader := config.Loader{}
	if files != "" {
		loader.Files = strings.Split(files, ",")
	}
	app, err := loader.LoadApp()
	if err != nil {
		return err
	}

	logger, logCloser, err := logging.New(app.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	var rdb *redis.Client
	if needsRedis(app) {
		rdb = redis.NewClient(&redis.Options{
			Addr:     app.Redis.Addr,
			Password: app.Redis.Password,
			DB:       app.Redis.DB,
		})
		defer rdb.Close()
	}

	if payload != "" {
		return publishMessages(ctx, app, rdb, logger, []byte(payload), count)
	}
	return consume(ctx, app, rdb, logger)
}

func consume(ctx context.Context, app config.App, rdb *redis.Client, logger *slog.Logger) (err error) {
	sub, err := newSubscriber(app, rdb, logger)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, closeAll(sub)) }()

	watcher, err := newWatcher(app, rdb, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := metrics.NewCollector(reg)
	if err != nil {
		return err
	}
	stopMetrics := serveMetrics(app.Metrics, reg, logger)
	defer func() { err = errors.Join(err, stopMetrics()) }()

	c := consumer.New(sub, handle(logger), consumer.Config{
		Name:          app.Consumer.Name,
		Concurrency:   app.Consumer.Concurrency,
		Watcher:       watcher,
		HandleTimeout: app.Consumer.HandleTimeout,
		Observer:      collector,
		Logger:        logger,
	})
	c.Use(consumer.Logging(logger))

	done, err := c.Start(ctx)
	if err != nil {
		return err
	}
	<-done
	return nil
}

// serveMetrics starts the metrics endpoint and returns its shutdown func.
// An empty address disables the endpoint.
func serveMetrics(cfg config.Metrics, reg *prometheus.Registry, logger *slog.Logger) func() error {
	if cfg.Addr == "" {
		return func() error { return nil }
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, metrics.Handler(reg))
	srv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "error", err)
		}
	}()
	logger.Info("Metrics server started", "addr", cfg.Addr, "path", cfg.Path)

	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}

func handle(logger *slog.Logger) delivery.HandlerFunc {
	return func(ctx context.Context, msg delivery.Message) error {
		logger.Info("Message received",
			"message_id", msg.ID(),
			"size", len(msg.Data()),
			"payload", string(msg.Data()))
		return nil
	}
}

func publishMessages(ctx context.Context, app config.App, rdb *redis.Client, logger *slog.Logger, payload []byte, count int) error {
	pub, err := newPublisher(ctx, app, rdb, logger)
	if err != nil {
		return err
	}
	defer pub.Close()

	for i := range count {
		msg := broker.Message{
			ID:   uuid.NewString(),
			Data: payload,
			Headers: map[string]string{
				"sequence": fmt.Sprint(i),
			},
		}
		if err := pub.Publish(ctx, app.Topic, msg); err != nil {
			return fmt.Errorf("publish %d: %w", i, err)
		}
	}
	logger.Info("Messages published", "count", count, "topic", app.Topic)
	return nil
}
