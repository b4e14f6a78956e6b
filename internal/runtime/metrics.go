package runtime

import (
	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/taskrelay/internal/runtime/engine"
	"github.com/drblury/taskrelay/internal/runtime/promreg"
	"github.com/drblury/taskrelay/internal/runtime/relay"
	"github.com/drblury/taskrelay/internal/runtime/subscriber"
)

// serviceMetrics groups the per-component collectors. With metrics disabled
// every field is nil and the components record nothing.
type serviceMetrics struct {
	subscriber *subscriber.Metrics
	engine     *engine.Metrics
	relay      *relay.Metrics
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
}

// queueDepth reports the current length of one of the service's queues.
type queueDepth struct {
	name string
	len  func() int
}

func newServiceMetrics(enabled bool, registerer prometheus.Registerer, queues ...queueDepth) (serviceMetrics, error) {
	if !enabled {
		return serviceMetrics{}, nil
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	gatherer, ok := registerer.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}

	m := serviceMetrics{
		subscriber: subscriber.NewMetrics(registerer),
		engine:     engine.NewMetrics(registerer),
		relay:      relay.NewMetrics(registerer),
		registerer: registerer,
		gatherer:   gatherer,
	}
	for _, register := range []func() error{m.subscriber.Register, m.engine.Register, m.relay.Register} {
		if err := register(); err != nil {
			return serviceMetrics{}, err
		}
	}

	for _, q := range queues {
		depth := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "taskrelay",
			Subsystem:   "queue",
			Name:        "depth",
			Help:        "Items waiting in an in-process queue",
			ConstLabels: prometheus.Labels{"queue": q.name},
		}, lenAsFloat(q.len))
		// The newest service owns the gauge; a GaugeFunc cannot be shared.
		if err := promreg.Replace(registerer, depth); err != nil {
			return serviceMetrics{}, err
		}
	}
	return m, nil
}

func lenAsFloat(fn func() int) func() float64 {
	return func() float64 { return float64(fn()) }
}

// decoratePublisher adds Watermill's publish metrics, labelled under the
// transport name. It is a no-op with metrics disabled.
func (m serviceMetrics) decoratePublisher(pub message.Publisher, transportName string) (message.Publisher, error) {
	if m.registerer == nil {
		return pub, nil
	}
	builder := metrics.NewPrometheusMetricsBuilder(m.registerer, "taskrelay", transportName)
	return builder.DecoratePublisher(pub)
}
