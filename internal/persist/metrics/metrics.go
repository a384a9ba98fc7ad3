// Package metrics exposes Prometheus metrics for the persistence pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the persist module.
type Metrics struct {
	Attempts *prometheus.CounterVec
	Dropped  prometheus.Counter
	Breaker  *prometheus.GaugeVec
}

// New creates and registers all persist metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		Attempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "rosterd_persist_attempts_total",
			Help: "Durable write attempts by sink and outcome",
		}, []string{"sink", "outcome"}),
		Dropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rosterd_persist_dropped_total",
			Help: "Changes dropped because the persist queue overflowed",
		}),
		Breaker: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rosterd_persist_breaker_open",
			Help: "1 when the sink's circuit breaker is open",
		}, []string{"sink"}),
	}
}

// NewForTesting creates metrics on a private registry.
func NewForTesting() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rosterd_persist_attempts_total",
		}, []string{"sink", "outcome"}),
		Dropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "rosterd_persist_dropped_total",
		}),
		Breaker: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rosterd_persist_breaker_open",
		}, []string{"sink"}),
	}
}
