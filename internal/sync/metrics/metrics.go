// Package metrics exposes Prometheus metrics for the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the sync module.
type Metrics struct {
	UpdatesAccepted  *prometheus.CounterVec
	UpdatesRejected  *prometheus.CounterVec
	UpdateDuration   prometheus.Histogram
	ChangesBroadcast prometheus.Counter
	ConnectedClients prometheus.Gauge
	QueueDisconnects prometheus.Counter
}

// New creates and registers all sync metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		UpdatesAccepted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "rosterd_updates_accepted_total",
			Help: "Accepted entity updates by resolution tag",
		}, []string{"resolution"}),
		UpdatesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "rosterd_updates_rejected_total",
			Help: "Rejected entity updates by reason",
		}, []string{"reason"}),
		UpdateDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "rosterd_update_duration_seconds",
			Help:    "Time spent inside the per-entity critical section",
			Buckets: prometheus.ExponentialBuckets(0.00005, 4, 8),
		}),
		ChangesBroadcast: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rosterd_changes_broadcast_total",
			Help: "Committed changes fanned out to subscribers",
		}),
		ConnectedClients: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "rosterd_connected_clients",
			Help: "Currently registered clients",
		}),
		QueueDisconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rosterd_queue_disconnects_total",
			Help: "Clients dropped because their outbound queue overflowed",
		}),
	}
}

// NewForTesting creates metrics on a private registry so parallel tests do
// not fight over the default registerer.
func NewForTesting() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		UpdatesAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rosterd_updates_accepted_total",
		}, []string{"resolution"}),
		UpdatesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rosterd_updates_rejected_total",
		}, []string{"reason"}),
		UpdateDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name: "rosterd_update_duration_seconds",
		}),
		ChangesBroadcast: factory.NewCounter(prometheus.CounterOpts{
			Name: "rosterd_changes_broadcast_total",
		}),
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rosterd_connected_clients",
		}),
		QueueDisconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "rosterd_queue_disconnects_total",
		}),
	}
}
