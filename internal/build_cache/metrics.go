package buildcache

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bitrise-io/build-output-cache/internal/build_cache/outcome"
)

const metricsNamespace = "build_output_cache"

// Metrics exports controller activity as Prometheus collectors. A nil
// *Metrics records nothing.
type Metrics struct {
	loads  *prometheus.CounterVec
	stores *prometheus.CounterVec
	bytes  *prometheus.CounterVec
	state  *prometheus.GaugeVec
}

// NewMetrics registers the controller collectors on reg. Collectors that are
// already registered are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "loads_total",
			Help:      "Cache loads by backend and result.",
		}, []string{"backend", "result"}),
		stores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stores_total",
			Help:      "Cache stores by backend and result.",
		}, []string{"backend", "result"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transferred_bytes_total",
			Help:      "Entry bytes loaded from or stored to a backend.",
		}, []string{"backend", "direction"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "backend_state",
			Help:      "Backend state: 0 enabled, 1 disabled, 2 degraded.",
		}, []string{"backend"}),
	}

	var err error
	if m.loads, err = register(reg, m.loads); err != nil {
		return nil, err
	}
	if m.stores, err = register(reg, m.stores); err != nil {
		return nil, err
	}
	if m.bytes, err = register(reg, m.bytes); err != nil {
		return nil, err
	}
	if m.state, err = register(reg, m.state); err != nil {
		return nil, err
	}

	return m, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}

		return c, fmt.Errorf("register metrics: %w", err)
	}

	return c, nil
}

func (m *Metrics) observeLoad(backend string, res outcome.Load) {
	if m == nil {
		return
	}
	m.loads.WithLabelValues(backend, res.Status.String()).Inc()
	if res.Status == outcome.LoadHit {
		m.bytes.WithLabelValues(backend, "load").Add(float64(len(res.Blob)))
	}
}

func (m *Metrics) observeStore(backend string, res outcome.Store, size int) {
	if m == nil {
		return
	}
	m.stores.WithLabelValues(backend, res.Status.String()).Inc()
	if res.Status == outcome.StoreStored {
		m.bytes.WithLabelValues(backend, "store").Add(float64(size))
	}
}

func (m *Metrics) setState(backend string, state BackendState) {
	if m == nil {
		return
	}
	m.state.WithLabelValues(backend).Set(float64(state))
}
