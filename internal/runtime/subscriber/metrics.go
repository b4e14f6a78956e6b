package subscriber

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/taskrelay/internal/runtime/promreg"
)

// Metrics exposes subscriber activity as Prometheus collectors. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	mu sync.Mutex

	connectAttempts prometheus.Counter
	connectFailures *prometheus.CounterVec
	channelCloses   prometheus.Counter
	deliveries      *prometheus.CounterVec
	state           prometheus.Gauge
	attempts        prometheus.Gauge

	registerer prometheus.Registerer
	registered bool
}

func newSubscriberCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taskrelay",
		Subsystem: "subscriber",
		Name:      name,
		Help:      help,
	})
}

func newSubscriberCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskrelay",
			Subsystem: "subscriber",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newSubscriberGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskrelay",
		Subsystem: "subscriber",
		Name:      name,
		Help:      help,
	})
}

// NewMetrics builds the collectors. Nothing is registered until Register.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer:      registerer,
		connectAttempts: newSubscriberCounter("connect_attempts_total", "Broker connection attempts"),
		connectFailures: newSubscriberCounterVec("connect_failures_total", "Failed broker connection attempts", []string{"reason"}),
		channelCloses:   newSubscriberCounter("channel_closes_total", "Unexpected consumer channel closures"),
		deliveries:      newSubscriberCounterVec("deliveries_total", "Delivered messages by outcome", []string{"outcome"}),
		state:           newSubscriberGauge("state", "Current connection state"),
		attempts:        newSubscriberGauge("connection_attempts", "Connection attempts since the last stable period"),
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
	if m.connectAttempts, err = promreg.Register(m.registerer, m.connectAttempts); err != nil {
		return err
	}
	if m.connectFailures, err = promreg.Register(m.registerer, m.connectFailures); err != nil {
		return err
	}
	if m.channelCloses, err = promreg.Register(m.registerer, m.channelCloses); err != nil {
		return err
	}
	if m.deliveries, err = promreg.Register(m.registerer, m.deliveries); err != nil {
		return err
	}
	if m.state, err = promreg.Register(m.registerer, m.state); err != nil {
		return err
	}
	if m.attempts, err = promreg.Register(m.registerer, m.attempts); err != nil {
		return err
	}
	m.registered = true
	return nil
}

func (m *Metrics) connectAttempt(attempts int) {
	if m == nil {
		return
	}
	m.connectAttempts.Inc()
	m.attempts.Set(float64(attempts))
}

func (m *Metrics) connectFailed(reason string) {
	if m == nil {
		return
	}
	m.connectFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) attemptsReset() {
	if m == nil {
		return
	}
	m.attempts.Set(0)
}

func (m *Metrics) channelClosed() {
	if m == nil {
		return
	}
	m.channelCloses.Inc()
}

func (m *Metrics) delivery(outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) setState(s State) {
	if m == nil {
		return
	}
	m.state.Set(float64(s))
}
