package daemon

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hugetlbd"

type metrics struct {
	requests  *prometheus.CounterVec
	prepared  prometheus.Counter
	discarded *prometheus.CounterVec
	removed   *prometheus.CounterVec
	entries   prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer, pending func() float64) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Client requests by outcome: hit, miss or error.",
		}, []string{"result"}),
		prepared: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prepared_total",
			Help:      "Shared files confirmed by their preparing client.",
		}),
		discarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discarded_total",
			Help:      "Tentative shared files dropped before confirmation, by reason.",
		}, []string{"reason"}),
		removed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "removed_total",
			Help:      "Registry entries removed and unlinked, by reason.",
		}, []string{"reason"}),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entries",
			Help:      "Shared files currently published.",
		}),
	}
	reg.MustRegister(m.requests, m.prepared, m.discarded, m.removed, m.entries,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "preparing",
			Help:      "Shared files handed to a preparer and not yet confirmed.",
		}, pending))
	return m
}
