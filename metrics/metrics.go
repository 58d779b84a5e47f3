package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the collectors exposed on the monitor endpoint.
type Metrics struct {
	nodeHeightGauge *prometheus.GaugeVec
	nodeHealthGauge *prometheus.GaugeVec

	proxyResultCounter       *prometheus.CounterVec
	upgradeTransitionCounter *prometheus.CounterVec
}

// NewMetrics creates the collectors under the given namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		nodeHeightGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_height_gauge",
			Help:      "node height gauge",
		}, []string{"chain", "host"}),
		nodeHealthGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_health_gauge",
			Help:      "node health gauge, 1 healthy, 0 unhealthy",
		}, []string{"chain", "host"}),
		proxyResultCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_result_counter",
			Help:      "proxy result counter",
		}, []string{"chain", "host", "code", "method"}),
		upgradeTransitionCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upgrade_transition_counter",
			Help:      "hot upgrade state transition counter",
		}, []string{"state"}),
	}
}

// Register registers the collectors with the given registerer.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.nodeHeightGauge,
		m.nodeHealthGauge,
		m.proxyResultCounter,
		m.upgradeTransitionCounter,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) SetNodeHeight(chain, host string, height uint64) {
	m.nodeHeightGauge.WithLabelValues(chain, host).Set(float64(height))
}

func (m *Metrics) SetNodeHealth(chain, host string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.nodeHealthGauge.WithLabelValues(chain, host).Set(v)
}

func (m *Metrics) IncProxyResult(chain, host, code, method string) {
	m.proxyResultCounter.WithLabelValues(chain, host, code, method).Inc()
}

func (m *Metrics) IncUpgradeTransition(state string) {
	m.upgradeTransitionCounter.WithLabelValues(state).Inc()
}

var (
	defaultMu      sync.Mutex
	defaultMetrics *Metrics
)

// Init registers a default Metrics instance under the given namespace.
// Later calls replace the default without re-registering.
func Init(namespace string) (*Metrics, error) {
	m := NewMetrics(namespace)
	if err := m.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, err
	}

	defaultMu.Lock()
	defaultMetrics = m
	defaultMu.Unlock()
	return m, nil
}

// Default returns the metrics instance registered by Init, or nil.
func Default() *Metrics {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultMetrics
}

// SetNodeHeight updates the default instance, if initialized.
func SetNodeHeight(chain, host string, height uint64) {
	if m := Default(); m != nil {
		m.SetNodeHeight(chain, host, height)
	}
}

// SetNodeHealth updates the default instance, if initialized.
func SetNodeHealth(chain, host string, healthy bool) {
	if m := Default(); m != nil {
		m.SetNodeHealth(chain, host, healthy)
	}
}

// IncProxyResult updates the default instance, if initialized.
func IncProxyResult(chain, host, code, method string) {
	if m := Default(); m != nil {
		m.IncProxyResult(chain, host, code, method)
	}
}

// IncUpgradeTransition updates the default instance, if initialized.
func IncUpgradeTransition(state string) {
	if m := Default(); m != nil {
		m.IncUpgradeTransition(state)
	}
}
