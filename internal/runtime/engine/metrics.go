package engine

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/taskrelay/internal/runtime/promreg"
)

// Metrics tracks engine throughput. A nil *Metrics records nothing.
type Metrics struct {
	mu sync.Mutex

	submitted     prometheus.Counter
	completed     *prometheus.CounterVec
	statusReports *prometheus.CounterVec
	relayFailures prometheus.Counter
	running       prometheus.Gauge
	duration      prometheus.Histogram

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
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskrelay",
			Subsystem: "engine",
			Name:      "tasks_submitted_total",
			Help:      "Tasks submitted to the engine",
		}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskrelay",
			Subsystem: "engine",
			Name:      "tasks_completed_total",
			Help:      "Tasks completed by outcome",
		}, []string{"outcome"}),
		statusReports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskrelay",
			Subsystem: "engine",
			Name:      "status_reports_total",
			Help:      "Status reports by outcome",
		}, []string{"outcome"}),
		relayFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskrelay",
			Subsystem: "engine",
			Name:      "relay_put_failures_total",
			Help:      "Envelopes that could not be placed on the outbound relay",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskrelay",
			Subsystem: "engine",
			Name:      "tasks_running",
			Help:      "Tasks currently executing",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "taskrelay",
			Subsystem: "engine",
			Name:      "task_duration_seconds",
			Help:      "Time from submission to completion",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
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
	if m.submitted, err = promreg.Register(m.registerer, m.submitted); err != nil {
		return err
	}
	if m.completed, err = promreg.Register(m.registerer, m.completed); err != nil {
		return err
	}
	if m.statusReports, err = promreg.Register(m.registerer, m.statusReports); err != nil {
		return err
	}
	if m.relayFailures, err = promreg.Register(m.registerer, m.relayFailures); err != nil {
		return err
	}
	if m.running, err = promreg.Register(m.registerer, m.running); err != nil {
		return err
	}
	if m.duration, err = promreg.Register(m.registerer, m.duration); err != nil {
		return err
	}
	m.registered = true
	return nil
}

func (m *Metrics) taskSubmitted() {
	if m != nil {
		m.submitted.Inc()
	}
}

func (m *Metrics) taskCompleted(failed bool, seconds float64) {
	if m == nil {
		return
	}
	outcome := "success"
	if failed {
		outcome = "failure"
	}
	m.completed.WithLabelValues(outcome).Inc()
	m.duration.Observe(seconds)
}

func (m *Metrics) statusReported(err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.statusReports.WithLabelValues(outcome).Inc()
}

func (m *Metrics) relayFailed() {
	if m != nil {
		m.relayFailures.Inc()
	}
}

func (m *Metrics) setRunning(n int64) {
	if m != nil {
		m.running.Set(float64(n))
	}
}
