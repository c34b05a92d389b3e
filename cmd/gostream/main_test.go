package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fxsml/gostream/broker/cloudevents"
	"github.com/fxsml/gostream/broker/kafka"
	"github.com/fxsml/gostream/broker/nats"
	"github.com/fxsml/gostream/broker/rabbitmq"
	redisb "github.com/fxsml/gostream/broker/redis"
	"github.com/fxsml/gostream/broker/sarama"
	"github.com/fxsml/gostream/config"
	"github.com/fxsml/gostream/delivery"
	"github.com/fxsml/gostream/delivery/rediswatch"
	"github.com/fxsml/gostream/internal/test"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

func TestNewSubscriber(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	tests := []struct {
		broker string
		check  func(any) bool
	}{
		{config.BrokerRabbitMQ, func(s any) bool { _, ok := s.(*rabbitmq.Subscriber); return ok }},
		{config.BrokerKafka, func(s any) bool { _, ok := s.(*kafka.Subscriber); return ok }},
		{config.BrokerSarama, func(s any) bool { _, ok := s.(*sarama.Subscriber); return ok }},
		{config.BrokerNATS, func(s any) bool { _, ok := s.(*nats.Subscriber); return ok }},
		{config.BrokerRedis, func(s any) bool { _, ok := s.(*redisb.Subscriber); return ok }},
		{config.BrokerCloudEvents, func(s any) bool { _, ok := s.(*cloudevents.Subscriber); return ok }},
	}
	for _, tt := range tests {
		t.Run(tt.broker, func(t *testing.T) {
			app := config.Default()
			app.Broker = tt.broker
			sub, err := newSubscriber(app, rdb, &test.Logger{})
			if err != nil {
				t.Fatalf("new subscriber: %v", err)
			}
			if !tt.check(sub) {
				t.Errorf("unexpected subscriber %T", sub)
			}
		})
	}

	t.Run("unknown", func(t *testing.T) {
		app := config.Default()
		app.Broker = "mqtt"
		if _, err := newSubscriber(app, rdb, &test.Logger{}); err == nil {
			t.Error("expected error")
		}
	})
}

func TestNewWatcher(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	tests := []struct {
		name  string
		retry string
		store string
		check func(delivery.Watcher) bool
	}{
		{"memory counter", "counter", config.RetryStoreMemory, func(w delivery.Watcher) bool { _, ok := w.(*delivery.CounterWatcher); return ok }},
		{"redis counter", "counter", config.RetryStoreRedis, func(w delivery.Watcher) bool { _, ok := w.(*rediswatch.Watcher); return ok }},
		{"redis ignored for endless", "endless", config.RetryStoreRedis, func(w delivery.Watcher) bool { _, ok := w.(delivery.EndlessWatcher); return ok }},
		{"once", "once", config.RetryStoreMemory, func(w delivery.Watcher) bool { _, ok := w.(delivery.OneTryWatcher); return ok }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := config.Default()
			app.Consumer.Retry = tt.retry
			app.Consumer.RetryStore = tt.store
			w, err := newWatcher(app, rdb, &test.Logger{})
			if err != nil {
				t.Fatalf("new watcher: %v", err)
			}
			if !tt.check(w) {
				t.Errorf("unexpected watcher %T", w)
			}
		})
	}
}

func TestPublishRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	app := config.Default()
	app.Broker = config.BrokerRedis
	app.Topic = "orders"

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := publishMessages(ctx, app, rdb, testLogger(), []byte(`{"id":1}`), 3); err != nil {
		t.Fatalf("publish: %v", err)
	}

	n, err := rdb.XLen(ctx, "orders").Result()
	if err != nil || n != 3 {
		t.Errorf("expected 3 entries, got %d (%v)", n, err)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}

func TestConsumeSetupFailureLeavesNoServer(t *testing.T) {
	app := config.Default()
	app.Consumer.Retry = "sometimes"
	app.Metrics.Addr = freeAddr(t)

	if err := consume(context.Background(), app, nil, testLogger()); err == nil {
		t.Fatal("expected watcher error")
	}

	l, err := net.Listen("tcp", app.Metrics.Addr)
	if err != nil {
		t.Fatalf("metrics address still bound: %v", err)
	}
	_ = l.Close()
}

func TestServeMetrics(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		stop := serveMetrics(config.Metrics{}, prometheus.NewRegistry(), testLogger())
		if err := stop(); err != nil {
			t.Errorf("stop: %v", err)
		}
	})

	t.Run("serves and stops", func(t *testing.T) {
		cfg := config.Metrics{Addr: freeAddr(t), Path: "/metrics"}
		stop := serveMetrics(cfg, prometheus.NewRegistry(), testLogger())

		var resp *http.Response
		var err error
		for range 50 {
			resp, err = http.Get("http://" + cfg.Addr + cfg.Path)
			if err == nil {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		if err != nil {
			t.Fatalf("scrape: %v", err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("unexpected status %d", resp.StatusCode)
		}

		if err := stop(); err != nil {
			t.Errorf("stop: %v", err)
		}
	})
}
