package monitor

import (
	"github.com/uber-go/tally"
)

// Metrics is a placeholder for all metrics in monitor.
type Metrics struct {
	Ticks             tally.Counter
	WarningAlerts     tally.Counter
	CriticalAlerts    tally.Counter
	EmergencyTriggers tally.Counter
	EvictedTasks      tally.Counter
	Compactions       tally.Counter
}

// NewMetrics returns a new instance of monitor.Metrics.
func NewMetrics(scope tally.Scope) *Metrics {
	return &Metrics{
		Ticks:             scope.Counter("ticks"),
		WarningAlerts:     scope.Counter("warning_alerts"),
		CriticalAlerts:    scope.Counter("critical_alerts"),
		EmergencyTriggers: scope.Counter("emergency_triggers"),
		EvictedTasks:      scope.Counter("evicted_tasks"),
		Compactions:       scope.Counter("compactions"),
	}
}
