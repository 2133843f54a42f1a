package task

import (
	"github.com/uber-go/tally"
)

// Metrics is a placeholder for all metrics in task.
type Metrics struct {
	TasksTracked   tally.Gauge
	TasksCompleted tally.Counter
	TasksFailed    tally.Counter
	TasksCancelled tally.Counter
	RunDuration    tally.Timer
}

// NewMetrics returns a new instance of task.Metrics.
func NewMetrics(scope tally.Scope) *Metrics {
	terminalScope := scope.SubScope("terminal")
	return &Metrics{
		TasksTracked:   scope.Gauge("tracked"),
		TasksCompleted: terminalScope.Counter("completed"),
		TasksFailed:    terminalScope.Counter("failed"),
		TasksCancelled: terminalScope.Counter("cancelled"),
		RunDuration:    scope.Timer("run_duration"),
	}
}
