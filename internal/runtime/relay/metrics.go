package relay

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/taskrelay/internal/runtime/promreg"
)

// Metrics counts forwarded envelopes. A nil *Metrics records nothing.
type Metrics struct {
	mu sync.Mutex

	publishedTotal *prometheus.CounterVec
	failuresTotal  prometheus.Counter

	registerer prometheus.Registerer
	registered bool
}

// NewMetrics builds the collectors. Nothing is registered until Register.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer: registerer,
		publishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskrelay",
			Subsystem: "relay",
			Name:      "published_total",
			Help:      "Envelopes published by message type",
		}, []string{"message_type"}),
		failuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskrelay",
			Subsystem: "relay",
			Name:      "publish_failures_total",
			Help:      "Failed publish attempts",
		}),
	}
}

// Register registers the collectors, adopting identical ones already on the
// registerer. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	var err error
	if m.publishedTotal, err = promreg.Register(m.registerer, m.publishedTotal); err != nil {
		return err
	}
	if m.failuresTotal, err = promreg.Register(m.registerer, m.failuresTotal); err != nil {
		return err
	}
	m.registered = true
	return nil
}

func (m *Metrics) published(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.publishedTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) publishFailed() {
	if m != nil {
		m.failuresTotal.Inc()
	}
}
