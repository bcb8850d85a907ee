package throttle

import (
	"time"

	"github.com/vnykmshr/throttled/pkg/metrics"
)

const limiterType = "throttle"

// instruments records limiter activity into a metrics.Registry. A nil
// *instruments records nothing.
type instruments struct {
	registry *metrics.Registry
	name     string
}

func newInstruments(config metrics.Config, name string) *instruments {
	registry := config.Resolve()
	if registry == nil {
		return nil
	}
	return &instruments{registry: registry, name: name}
}

func (m *instruments) request() {
	if m == nil {
		return
	}
	m.registry.RateLimitRequests.WithLabelValues(limiterType, m.name).Inc()
}

func (m *instruments) allowed() {
	if m == nil {
		return
	}
	m.registry.RateLimitAllowed.WithLabelValues(limiterType, m.name).Inc()
}

func (m *instruments) denied() {
	if m == nil {
		return
	}
	m.registry.RateLimitDenied.WithLabelValues(limiterType, m.name).Inc()
}

func (m *instruments) failure() {
	if m == nil {
		return
	}
	m.registry.RateLimitFailures.WithLabelValues(limiterType, m.name).Inc()
}

func (m *instruments) waited(d time.Duration) {
	if m == nil {
		return
	}
	m.registry.RateLimitWaitTime.WithLabelValues(limiterType, m.name).Observe(d.Seconds())
}

func (m *instruments) lockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.registry.LockWaitTime.WithLabelValues(limiterType, m.name).Observe(d.Seconds())
}

func (m *instruments) keys(n int) {
	if m == nil {
		return
	}
	m.registry.RateLimitKeys.WithLabelValues(limiterType, m.name).Set(float64(n))
}
