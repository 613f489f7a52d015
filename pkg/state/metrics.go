package state

import "github.com/prometheus/client_golang/prometheus"

const (
	outcomeHit      = "hit"
	outcomeMiss     = "miss"
	outcomeFallback = "fallback"
)

type storeMetrics struct {
	lookups *prometheus.CounterVec
}

func newStoreMetrics(r prometheus.Registerer) *storeMetrics {
	m := &storeMetrics{}

	m.lookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quarry_state_config_lookups_total",
		Help: "Runtime config lookups by outcome. A fallback means the stored value was unusable or the store was unreachable.",
	}, []string{"outcome"})

	if r != nil {
		r.MustRegister(m.lookups)
	}
	return m
}
