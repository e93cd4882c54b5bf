package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "featurecache"

// Metrics are the engine's Prometheus collectors.
type Metrics struct {
	PoolBlocks    prometheus.Gauge
	PoolBytes     prometheus.Gauge
	Initializes   prometheus.Counter
	Connects      prometheus.Counter
	Registrations prometheus.Counter
	BackendErrors *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		PoolBlocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pool_blocks",
			Help:      "Number of feature blocks in the pool.",
		}),
		PoolBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pool_bytes",
			Help:      "Size of the feature pool in bytes.",
		}),
		Initializes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "p2p_initialize_total",
			Help:      "Completed P2P initialize handshakes.",
		}),
		Connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "p2p_connect_total",
			Help:      "Completed P2P connects.",
		}),
		Registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "memory_region_registrations_total",
			Help:      "Memory regions registered with the migration backend.",
		}),
		BackendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "backend_errors_total",
			Help:      "Migration backend failures by operation.",
		}, []string{"op"}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.PoolBlocks, m.PoolBytes, m.Initializes, m.Connects, m.Registrations, m.BackendErrors,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
