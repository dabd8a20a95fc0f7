// Package metrics exposes inbox consumption metrics to Prometheus.
package metrics

import (
	"time"

	"github.com/oagudo/inbox"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector is an inbox.Observer recording consume outcomes, durations and
// retries as Prometheus metrics.
type Collector struct {
	consumed *prometheus.CounterVec
	duration *prometheus.HistogramVec
	retries  *prometheus.CounterVec
}

var _ inbox.Observer = (*Collector)(nil)

type config struct {
	namespace string
	buckets   []float64
}

// Option is a function that configures a Collector instance.
type Option func(*config)

// WithNamespace sets the metrics namespace. Default is no namespace.
func WithNamespace(namespace string) Option {
	return func(c *config) {
		c.namespace = namespace
	}
}

// WithBuckets sets the histogram buckets of the consume duration, in seconds.
// Default is prometheus.DefBuckets.
func WithBuckets(buckets []float64) Option {
	return func(c *config) {
		if len(buckets) > 0 {
			c.buckets = buckets
		}
	}
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer, opts ...Option) (*Collector, error) {
	cfg := &config{buckets: prometheus.DefBuckets}
	for _, opt := range opts {
		opt(cfg)
	}

	c := &Collector{
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "inbox_messages_consumed_total",
			Help:      "Deliveries consumed through the inbox, by consumer and outcome.",
		}, []string{"consumer", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.namespace,
			Name:      "inbox_consume_duration_seconds",
			Help:      "Time taken to consume a delivery, retries included.",
			Buckets:   cfg.buckets,
		}, []string{"consumer", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "inbox_consume_retries_total",
			Help:      "Retries of the claim and handle unit after transient failures.",
		}, []string{"consumer"}),
	}

	for _, collector := range []prometheus.Collector{c.consumed, c.duration, c.retries} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// OnConsumed implements inbox.Observer.
func (c *Collector) OnConsumed(consumerID string, outcome inbox.Outcome, elapsed time.Duration) {
	c.consumed.WithLabelValues(consumerID, outcome.String()).Inc()
	c.duration.WithLabelValues(consumerID, outcome.String()).Observe(elapsed.Seconds())
}

// OnRetry implements inbox.Observer.
func (c *Collector) OnRetry(consumerID string, _ int, _ error) {
	c.retries.WithLabelValues(consumerID).Inc()
}
