package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/fxsml/gostream/broker"
	ceb "github.com/fxsml/gostream/broker/cloudevents"
	"github.com/fxsml/gostream/broker/kafka"
	"github.com/fxsml/gostream/broker/nats"
	"github.com/fxsml/gostream/broker/rabbitmq"
	redisb "github.com/fxsml/gostream/broker/redis"
	"github.com/fxsml/gostream/broker/sarama"
	"github.com/fxsml/gostream/config"
	"github.com/fxsml/gostream/consumer"
	"github.com/fxsml/gostream/delivery"
	"github.com/fxsml/gostream/delivery/rediswatch"
	"github.com/redis/go-redis/v9"
)

func newSubscriber(app config.App, rdb redis.Cmdable, logger delivery.Logger) (consumer.Subscriber, error) {
	switch app.Broker {
	case config.BrokerRabbitMQ:
		return rabbitmq.NewSubscriber(rabbitmq.SubscriberConfig{
			URL:                app.RabbitMQ.URL,
			Exchange:           app.RabbitMQ.Exchange,
			ExchangeType:       app.RabbitMQ.ExchangeType,
			Queue:              app.RabbitMQ.Queue,
			BindingKey:         app.RabbitMQ.BindingKey,
			Durable:            app.RabbitMQ.Durable,
			DeadLetterExchange: app.RabbitMQ.DeadLetterExchange,
			PrefetchCount:      app.RabbitMQ.PrefetchCount,
			Logger:             logger,
		}), nil
	case config.BrokerKafka:
		return kafka.NewSubscriber(kafka.SubscriberConfig{
			Brokers:         app.Kafka.Brokers,
			Topics:          app.Kafka.Topics,
			GroupID:         app.Kafka.GroupID,
			DeadLetterTopic: app.Kafka.DeadLetterTopic,
			Logger:          logger,
		}), nil
	case config.BrokerSarama:
		return sarama.NewSubscriber(sarama.SubscriberConfig{
			Brokers:         app.Kafka.Brokers,
			Topics:          app.Kafka.Topics,
			GroupID:         app.Kafka.GroupID,
			Version:         app.Kafka.Version,
			Oldest:          app.Kafka.Oldest,
			DeadLetterTopic: app.Kafka.DeadLetterTopic,
			Logger:          logger,
		}), nil
	case config.BrokerNATS:
		return nats.NewSubscriber(nats.SubscriberConfig{
			URL:           app.NATS.URL,
			Name:          app.Consumer.Name,
			Stream:        app.NATS.Stream,
			Durable:       app.NATS.Durable,
			FilterSubject: app.NATS.FilterSubject,
			AckWait:       app.NATS.AckWait,
			MaxDeliver:    app.NATS.MaxDeliver,
			Logger:        logger,
		}), nil
	case config.BrokerRedis:
		return redisb.NewSubscriber(rdb, redisb.SubscriberConfig{
			Stream:           app.Redis.Stream,
			Group:            app.Redis.Group,
			DeadLetterStream: app.Redis.DeadLetterStream,
			ClaimIdle:        app.Redis.ClaimIdle,
			Logger:           logger,
		}), nil
	case config.BrokerCloudEvents:
		return ceb.NewHTTPSubscriber(ceb.SubscriberConfig{
			Port:   app.CloudEvents.Port,
			Path:   app.CloudEvents.Path,
			Logger: logger,
		})
	}
	return nil, fmt.Errorf("unknown broker %q", app.Broker)
}

func newPublisher(ctx context.Context, app config.App, rdb redis.Cmdable, logger delivery.Logger) (broker.Publisher, error) {
	switch app.Broker {
	case config.BrokerRabbitMQ:
		p := rabbitmq.NewPublisher(rabbitmq.PublisherConfig{
			URL:          app.RabbitMQ.URL,
			Exchange:     app.RabbitMQ.Exchange,
			ExchangeType: app.RabbitMQ.ExchangeType,
			Durable:      app.RabbitMQ.Durable,
			Logger:       logger,
		})
		return p, p.Connect(ctx)
	case config.BrokerKafka, config.BrokerSarama:
		return kafka.NewPublisher(kafka.PublisherConfig{
			Brokers: app.Kafka.Brokers,
			Logger:  logger,
		}), nil
	case config.BrokerNATS:
		p := nats.NewPublisher(nats.PublisherConfig{
			URL:    app.NATS.URL,
			Name:   app.Consumer.Name,
			Logger: logger,
		})
		return p, p.Connect(ctx)
	case config.BrokerRedis:
		return redisb.NewPublisher(rdb, redisb.PublisherConfig{Logger: logger}), nil
	case config.BrokerCloudEvents:
		return ceb.NewHTTPPublisher(ceb.PublisherConfig{
			Target: app.CloudEvents.Target,
			Source: app.CloudEvents.Source,
			Logger: logger,
		})
	}
	return nil, fmt.Errorf("unknown broker %q", app.Broker)
}

// newWatcher returns a shared Redis watcher when the counter budget must hold
// across replicas, and an in-memory watcher otherwise.
func newWatcher(app config.App, rdb redis.Cmdable, logger delivery.Logger) (delivery.Watcher, error) {
	retry, err := app.Consumer.RetryConfig(logger)
	if err != nil {
		return nil, err
	}
	if app.Consumer.RetryStore == config.RetryStoreRedis && retry.Mode == delivery.RetryCounter {
		return rediswatch.New(rdb, rediswatch.Config{
			MaxTries: retry.MaxTries,
			Prefix:   app.Redis.RetryPrefix,
			TTL:      app.Redis.RetryTTL,
			Logger:   logger,
		}), nil
	}
	return delivery.NewWatcher(retry), nil
}

func needsRedis(app config.App) bool {
	return app.Broker == config.BrokerRedis || app.Consumer.RetryStore == config.RetryStoreRedis
}

func closeAll(closers ...any) error {
	var errs []error
	for _, c := range closers {
		if c, ok := c.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
