// Package promreg registers Prometheus collectors so that several
// components built against one registerer share the same series.
package promreg

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Register registers c and returns it. When an identical collector is
// already registered, that collector is returned instead so callers record
// into the series the registry exposes.
func Register[T prometheus.Collector](registerer prometheus.Registerer, c T) (T, error) {
	err := registerer.Register(c)
	if err == nil {
		return c, nil
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(T); ok {
			return existing, nil
		}
	}
	return c, err
}

// Replace registers c, unregistering an identical collector first. Use it for
// collectors bound to a single owner, such as a GaugeFunc over one queue.
func Replace(registerer prometheus.Registerer, c prometheus.Collector) error {
	err := registerer.Register(c)
	var already prometheus.AlreadyRegisteredError
	if !errors.As(err, &already) {
		return err
	}
	registerer.Unregister(already.ExistingCollector)
	return registerer.Register(c)
}
