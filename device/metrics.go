package device

import (
	"github.com/uber-go/tally"
)

// Metrics is a placeholder for all metrics in device.
type Metrics struct {
	Registered tally.Counter
	Available  tally.Gauge
}

// NewMetrics returns a new instance of device.Metrics.
func NewMetrics(scope tally.Scope) *Metrics {
	return &Metrics{
		Registered: scope.Counter("registered"),
		Available:  scope.Gauge("available"),
	}
}
