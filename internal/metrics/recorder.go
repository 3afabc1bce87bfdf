// Package metrics exposes consumer activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glimte/mmate-consumer/internal/rabbitmq"
)

const namespace = "mmate"

type recorder struct {
	bindings         *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	deliveredBytes   *prometheus.CounterVec
	acks             *prometheus.CounterVec
	handlerFailures  *prometheus.CounterVec
	handlerDurations *prometheus.HistogramVec
}

// NewRecorder registers the consumer metrics on registry. A nil registry
// uses prometheus.DefaultRegisterer.
func NewRecorder(registry prometheus.Registerer) rabbitmq.Recorder {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &recorder{
		bindings: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "bindings_created_total",
			Help:      "amount of channel bindings declared on the broker",
		}, []string{"exchange"}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "deliveries_total",
			Help:      "how many messages have been received",
		}, []string{"queue"}),
		deliveredBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "delivered_bytes_total",
			Help:      "amount of message body bytes received",
		}, []string{"queue"}),
		acks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "acks_total",
			Help:      "how many messages have been acknowledged",
		}, []string{"queue"}),
		handlerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "handler_failures_total",
			Help:      "how many handler invocations returned an error or panicked",
		}, []string{"queue"}),
		handlerDurations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "handler_duration_seconds",
			Help:      "time spent in message handlers",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),
	}
}

func (r *recorder) RecordBinding(exchange string) {
	r.bindings.WithLabelValues(exchange).Inc()
}

func (r *recorder) RecordDelivery(queue string, size int) {
	r.deliveries.WithLabelValues(queue).Inc()
	r.deliveredBytes.WithLabelValues(queue).Add(float64(size))
}

func (r *recorder) RecordAck(queue string) {
	r.acks.WithLabelValues(queue).Inc()
}

func (r *recorder) RecordHandlerFailure(queue string) {
	r.handlerFailures.WithLabelValues(queue).Inc()
}

func (r *recorder) RecordHandlerDuration(queue string, d time.Duration) {
	r.handlerDurations.WithLabelValues(queue).Observe(d.Seconds())
}

// Handler serves the metrics gathered by g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
