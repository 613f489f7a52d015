package streams

import "github.com/prometheus/client_golang/prometheus"

type producerMetrics struct {
	produced      prometheus.Counter
	flushFailures prometheus.Counter
}

func newProducerMetrics(r prometheus.Registerer) *producerMetrics {
	m := &producerMetrics{}

	m.produced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quarry_streams_produced_messages_total",
		Help: "Total number of messages handed to the producer.",
	})
	m.flushFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quarry_streams_flush_failures_total",
		Help: "Total number of failed producer flushes.",
	})

	if r != nil {
		r.MustRegister(
			m.produced,
			m.flushFailures,
		)
	}
	return m
}
