// Package metrics exports consumer results as Prometheus metrics.
package metrics

import (
	"errors"
	"net/http"

	"github.com/fxsml/gostream/consumer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "gostream"

// DefaultBuckets are the handle duration buckets in seconds.
var DefaultBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Collector records consumer results. It implements consumer.Observer.
type Collector struct {
	deliveries *prometheus.CounterVec
	failures   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

var _ consumer.Observer = (*Collector)(nil)

// NewCollector creates a Collector and registers it with reg. A nil reg uses
// prometheus.DefaultRegisterer. Registering the same metrics twice on one
// registry reuses the already registered collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "deliveries_total",
			Help:      "Finished deliveries by handler outcome and broker disposition.",
		}, []string{"consumer", "outcome", "disposition"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "delivery_errors_total",
			Help:      "Deliveries that returned an error to the consumer.",
		}, []string{"consumer"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "handle_duration_seconds",
			Help:      "Time from receiving a message until it was settled.",
			Buckets:   DefaultBuckets,
		}, []string{"consumer"}),
	}

	var err error
	if c.deliveries, err = register(reg, c.deliveries); err != nil {
		return nil, err
	}
	if c.failures, err = register(reg, c.failures); err != nil {
		return nil, err
	}
	if c.duration, err = register(reg, c.duration); err != nil {
		return nil, err
	}
	return c, nil
}

// Observe records one finished delivery.
func (c *Collector) Observe(res consumer.Result) {
	c.deliveries.WithLabelValues(res.Consumer, res.Outcome.String(), res.Disposition.String()).Inc()
	c.duration.WithLabelValues(res.Consumer).Observe(res.Duration.Seconds())
	if res.Err != nil {
		c.failures.WithLabelValues(res.Consumer).Inc()
	}
}

// Handler serves the metrics of g. A nil g uses prometheus.DefaultGatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}
